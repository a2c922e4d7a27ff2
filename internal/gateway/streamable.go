package gateway

import (
	"io"
	"net/http"
	"sync"

	"github.com/antonkrylov/sshgate/internal/session"
)

const sessionHeader = "Mcp-Session-Id"

// httpChannel is the delivery channel for single-endpoint sessions.
// Responses travel inline on the POST; an optional GET stream can attach
// later for server→client traffic and keep-alive markers.
type httpChannel struct {
	mu     sync.Mutex
	stream *sseStream
	closed bool
}

func newHTTPChannel() *httpChannel { return &httpChannel{} }

func (c *httpChannel) attach(s *sseStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrChannelClosed
	}
	if c.stream != nil {
		c.stream.Close()
	}
	c.stream = s
	return nil
}

func (c *httpChannel) Deliver(data []byte) error {
	c.mu.Lock()
	stream := c.stream
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return session.ErrChannelClosed
	}
	if stream == nil {
		// Responses already went inline on the POST.
		return nil
	}
	return stream.Deliver(data)
}

func (c *httpChannel) Ping() error {
	c.mu.Lock()
	stream := c.stream
	closed := c.closed
	c.mu.Unlock()
	if closed || stream == nil {
		return session.ErrChannelClosed
	}
	return stream.Ping()
}

func (c *httpChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}
}

// handleMCP is the single endpoint of the streamable transport; the
// method selects the direction.
func (g *Gateway) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleMCPPost(w, r)
	case http.MethodGet:
		g.handleMCPGet(w, r)
	case http.MethodDelete:
		g.handleMCPDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "unreadable request body")
		return
	}

	id := r.Header.Get(sessionHeader)
	if id == "" {
		g.bootstrapSession(w, r, body)
		return
	}
	sess, ok := g.registry.Get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSessionUnknown, "session unknown")
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
	w.Header().Set(sessionHeader, sess.ID)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// bootstrapSession handles the first request of a conversation: no
// session header, a valid initialize payload. The session is registered
// only after the engine accepts the handshake, under the identity the
// response advertises.
func (g *Gateway) bootstrapSession(w http.ResponseWriter, r *http.Request, body []byte) {
	if isEmptyPayload(body) {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "empty request payload: expected an initialize request")
		return
	}
	if requestMethod(body) != "initialize" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "missing "+sessionHeader+" header: first request must be initialize")
		return
	}

	engine := g.newEngine()
	channel := newHTTPChannel()
	sess := session.New(engine, channel)
	engine.BindSession(sess.ID)

	resp, err := sess.Handle(r.Context(), body)
	if err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, err.Error())
		return
	}
	if resp == nil {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, "initialize must be a request, not a notification")
		return
	}
	if isErrorResponse(resp) {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if err := g.registry.Create(sess); err != nil {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, "session registration failed")
		return
	}
	g.log.Info("session opened", "session", sess.ID, "transport", "http")
	w.Header().Set(sessionHeader, sess.ID)
	writeJSON(w, http.StatusOK, resp)
}

// handleMCPGet opens the optional server→client stream for an existing
// session. Closing it closes the session's delivery channel and with it
// the session.
func (g *Gateway) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, sessionHeader+" header is required")
		return
	}
	sess, ok := g.registry.Get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSessionUnknown, "session unknown")
		return
	}
	channel, ok := sess.Channel().(*httpChannel)
	if !ok {
		writeRPCError(w, http.StatusInternalServerError, codeInternalError, "session has no attachable channel")
		return
	}
	stream, err := newSSEStream(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := channel.attach(stream); err != nil {
		writeRPCError(w, http.StatusConflict, codeInvalidRequest, "session channel already closed")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	sess.Touch()
	sess.StartKeepAlive(g.cfg.KeepAliveInterval, g.log)

	select {
	case <-r.Context().Done():
	case <-stream.Done():
	}
	sess.Close()
	g.registry.Remove(sess.ID)
	g.log.Info("session closed", "session", sess.ID, "messages", sess.Messages())
}

func (g *Gateway) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" {
		writeRPCError(w, http.StatusBadRequest, codeInvalidRequest, sessionHeader+" header is required")
		return
	}
	sess, ok := g.registry.Get(id)
	if !ok {
		writeRPCError(w, http.StatusNotFound, codeSessionUnknown, "session unknown")
		return
	}
	sess.Close()
	g.registry.Remove(sess.ID)
	g.log.Info("session deleted", "session", sess.ID)
	w.WriteHeader(http.StatusNoContent)
}
