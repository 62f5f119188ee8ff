package term

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrTerminalNotFound = errors.New("terminal not found")

// Session is one live terminal plus its fan-out hub.
type Session struct {
	ID   string
	Term *Term
	Hub  *Hub
}

// Manager tracks interactive terminal sessions by id.
type Manager struct {
	shell   string
	workDir string
	log     *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewManager(shell, workDir string, log *zap.Logger) *Manager {
	return &Manager{
		shell:    shell,
		workDir:  workDir,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new shell terminal and its hub.
func (m *Manager) Create(cols, rows uint16) (*Session, error) {
	t, err := Start(m.shell, m.workDir, cols, rows)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:   uuid.NewString(),
		Term: t,
		Hub:  NewHub(t),
	}
	go s.Hub.Run()

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.log.Info("terminal created",
		zap.String("terminal_id", s.ID),
		zap.Int("pid", t.PID()))
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrTerminalNotFound
	}
	return s, nil
}

// List returns all live terminal ids.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down one terminal.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrTerminalNotFound
	}

	s.Hub.Stop()
	return s.Term.Close()
}

// Shutdown closes every terminal.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hub.Stop()
		s.Term.Close()
	}
}
