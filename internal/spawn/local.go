package spawn

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// DefaultShell interprets command strings when no shell is configured.
const DefaultShell = "/bin/sh"

// Local spawns commands natively on the supervising host.
type Local struct {
	// Shell is the interpreter for command strings, DefaultShell when empty.
	Shell string
}

// Spawn starts the command under the shell in its own process group, so a
// later group signal reaches the whole pipeline the shell may have forked.
func (l *Local) Spawn(command, dir string) (Process, error) {
	shell := l.Shell
	if shell == "" {
		shell = DefaultShell
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Command: command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &Error{Command: command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &Error{Command: command, Err: err}
	}

	return &localProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *localProcess) PID() int          { return p.cmd.Process.Pid }
func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait() (int, bool, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, false, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return -1, true, nil
		}
		return exitErr.ExitCode(), false, nil
	}
	return -1, false, err
}
