package term

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManagerCreateAndClose(t *testing.T) {
	m := NewManager("/bin/sh", t.TempDir(), zap.NewNop())
	defer m.Shutdown()

	s, err := m.Create(80, 24)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.NotZero(t, s.Term.PID())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Contains(t, m.List(), s.ID)

	require.NoError(t, m.Close(s.ID))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrTerminalNotFound)
	assert.ErrorIs(t, m.Close(s.ID), ErrTerminalNotFound)
}

func TestManagerTerminalEchoesOutput(t *testing.T) {
	m := NewManager("/bin/sh", t.TempDir(), zap.NewNop())
	defer m.Shutdown()

	s, err := m.Create(80, 24)
	require.NoError(t, err)

	client := make(chan []byte, 64)
	s.Hub.Register(client)
	require.Eventually(t, func() bool { return s.Hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	_, err = s.Hub.Write([]byte("echo term-probe\n"))
	require.NoError(t, err)

	recvContains(t, client, "term-probe")
}

func TestManagerResize(t *testing.T) {
	m := NewManager("/bin/sh", t.TempDir(), zap.NewNop())
	defer m.Shutdown()

	s, err := m.Create(80, 24)
	require.NoError(t, err)
	assert.NoError(t, s.Term.Resize(120, 40))
}
