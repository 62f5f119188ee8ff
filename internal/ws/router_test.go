package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runbox-sh/runbox/internal/proc"
	"github.com/runbox-sh/runbox/internal/runner"
	"github.com/runbox-sh/runbox/internal/spawn"
	"github.com/runbox-sh/runbox/internal/stream"
	"github.com/runbox-sh/runbox/internal/term"
	"github.com/runbox-sh/runbox/internal/terminate"
)

func newTestRouter(t *testing.T, origins []string) (*Router, *runner.Runner) {
	t.Helper()
	reg := proc.NewRegistry(zap.NewNop())
	ctrl := terminate.NewController(reg, 10*time.Second, 50*time.Millisecond, 200*time.Millisecond, zap.NewNop())
	r := runner.New(&spawn.Local{}, reg, ctrl, runner.Options{WorkDir: t.TempDir()}, zap.NewNop())
	t.Cleanup(r.Shutdown)
	terms := term.NewManager("/bin/sh", t.TempDir(), zap.NewNop())
	t.Cleanup(terms.Shutdown)
	return NewRouter(r, terms, origins, zap.NewNop()), r
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Host = "runbox.internal:8333"

	// Non-browser clients send no Origin header.
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	// Same host as the request is always fine.
	req.Header.Set("Origin", "http://runbox.internal:8333")
	assert.True(t, check(req))

	// Empty allow list accepts anything.
	open := originChecker(nil)
	req.Header.Set("Origin", "https://anywhere.example.com")
	assert.True(t, open(req))
}

func TestProcessSocketStreamsEvents(t *testing.T) {
	router, r := newTestRouter(t, nil)

	id, _, err := r.StartBackground("", "echo over-the-wire")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/processes/{requestId}/ws", router.HandleProcessSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/processes/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var stdout string
	sawStarted := false
	for {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
		var ev stream.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read event: %v", err)
		}
		switch ev.Kind {
		case stream.EventStarted:
			sawStarted = true
		case stream.EventStdout:
			stdout += string(ev.Chunk)
		case stream.EventExited:
			assert.True(t, sawStarted)
			assert.Contains(t, stdout, "over-the-wire")
			assert.Equal(t, proc.StatusCompleted, ev.Status)
			return
		}
	}
}

func TestProcessSocketUnknownRequest(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/processes/{requestId}/ws", router.HandleProcessSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/processes/no-such-id/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProcessSocketRejectsDisallowedOrigin(t *testing.T) {
	router, r := newTestRouter(t, []string{"https://app.example.com"})

	id, _, err := r.StartBackground("", "sleep 60")
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/processes/{requestId}/ws", router.HandleProcessSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/processes/" + id + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
