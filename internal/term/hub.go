package term

import (
	"io"
	"sync"
)

const readBufferSize = 32 * 1024

// Hub fans one terminal's output out to every attached client. Input from any
// client is written straight through; terminals have no notion of ownership.
type Hub struct {
	source io.ReadWriter

	mu      sync.RWMutex
	clients map[chan []byte]struct{}

	register   chan chan []byte
	unregister chan chan []byte
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewHub creates a hub over the given terminal (or any read/writer in tests).
func NewHub(source io.ReadWriter) *Hub {
	return &Hub{
		source:     source,
		clients:    make(map[chan []byte]struct{}),
		register:   make(chan chan []byte),
		unregister: make(chan chan []byte),
		stop:       make(chan struct{}),
	}
}

// Run drives the hub until Stop is called or the terminal's read side ends.
func (h *Hub) Run() {
	go h.readLoop()

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.source.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.broadcast(data)
		}
		if err != nil {
			h.Stop()
			return
		}
	}
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client <- data:
		default:
			// Client buffer full; it misses this chunk.
		}
	}
}

// Register attaches a client channel to receive terminal output.
func (h *Hub) Register(client chan []byte) {
	select {
	case h.register <- client:
	case <-h.stop:
		close(client)
	}
}

// Unregister detaches a client channel.
func (h *Hub) Unregister(client chan []byte) {
	select {
	case h.unregister <- client:
	case <-h.stop:
	}
}

// Write sends input to the terminal.
func (h *Hub) Write(data []byte) (int, error) {
	return h.source.Write(data)
}

// Stop shuts the hub down and closes all client channels.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
