package gateway

import (
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/antonkrylov/sshgate/internal/session"
)

// sseStream is the server→client half of the dual-endpoint transport:
// one long-lived event stream per session.
type sseStream struct {
	mu     sync.Mutex
	w      io.Writer
	flush  http.Flusher
	closed bool
	done   chan struct{}
}

func newSSEStream(w http.ResponseWriter) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &sseStream{w: w, flush: flusher, done: make(chan struct{})}, nil
}

func (s *sseStream) send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return session.ErrChannelClosed
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// Deliver sends one JSON-RPC message to the client.
func (s *sseStream) Deliver(data []byte) error {
	return s.send("message", data)
}

// Ping writes the periodic liveness marker.
func (s *sseStream) Ping() error {
	return s.send("ping", []byte(time.Now().UTC().Format(time.RFC3339)))
}

// Close unblocks the serving handler. Idempotent.
func (s *sseStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *sseStream) Done() <-chan struct{} { return s.done }

// handleSSE opens the server→client channel, mints the session, and
// blocks until the peer disconnects or the session is closed. The first
// event tells the client where to POST, carrying the session identity as
// a query parameter.
func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stream, err := newSSEStream(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	engine := g.newEngine()
	sess := session.New(engine, stream)
	engine.BindSession(sess.ID)
	if err := g.registry.Create(sess); err != nil {
		http.Error(w, "session registration failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	endpoint := fmt.Sprintf("/messages?sessionId=%s", sess.ID)
	if err := stream.send("endpoint", []byte(endpoint)); err != nil {
		g.registry.Remove(sess.ID)
		return
	}
	sess.StartKeepAlive(g.cfg.KeepAliveInterval, g.log)
	g.log.Info("session opened", "session", sess.ID, "transport", "sse")

	select {
	case <-r.Context().Done():
		// Peer closed the subscribe channel: remove immediately, no
		// waiting for the idle reaper.
	case <-stream.Done():
	}
	sess.Close()
	g.registry.Remove(sess.ID)
	g.log.Info("session closed", "session", sess.ID, "messages", sess.Messages())
}

// handleMessages is the stateless client→server endpoint; the session
// identity travels as a query parameter and responses are delivered on
// the subscribe stream.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "sessionId query parameter is required")
		return
	}
	sess, ok := g.registry.Get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSessionUnknown, "session unknown")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "unreadable request body")
		return
	}
	if isEmptyPayload(body) {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "empty request payload: expected a JSON-RPC request object")
		return
	}

	resp, err := sess.Handle(r.Context(), body)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, err.Error())
		return
	}
	if resp != nil {
		if err := sess.Deliver(resp); err != nil {
			g.log.Warn("response delivery failed", "session", sess.ID, "err", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}
