// Package term provides interactive shell terminals over a pty, with a hub
// fanning terminal output out to every attached client.
package term

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Term is one interactive shell running under a pseudo-terminal.
type Term struct {
	cmd  *exec.Cmd
	file *os.File

	closeOnce sync.Once
	closeErr  error
}

// Start launches the shell in dir under a new pty sized cols x rows.
func Start(shell, dir string, cols, rows uint16) (*Term, error) {
	cmd := exec.Command(shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &Term{cmd: cmd, file: f}, nil
}

// PID returns the shell's process id.
func (t *Term) PID() int {
	return t.cmd.Process.Pid
}

func (t *Term) Read(p []byte) (int, error) {
	return t.file.Read(p)
}

func (t *Term) Write(p []byte) (int, error) {
	return t.file.Write(p)
}

// Resize changes the terminal window size.
func (t *Term) Resize(cols, rows uint16) error {
	return pty.Setsize(t.file, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close kills the shell's process group and releases the pty. Safe to call
// more than once.
func (t *Term) Close() error {
	t.closeOnce.Do(func() {
		pid := t.cmd.Process.Pid
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			syscall.Kill(pid, syscall.SIGKILL)
		}
		t.cmd.Wait()
		t.closeErr = t.file.Close()
	})
	return t.closeErr
}
