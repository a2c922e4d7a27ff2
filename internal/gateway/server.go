package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/antonkrylov/sshgate/internal/audit"
	"github.com/antonkrylov/sshgate/internal/config"
	"github.com/antonkrylov/sshgate/internal/session"
	"github.com/antonkrylov/sshgate/internal/sshexec"
)

// Gateway wires the registry, reaper, and the configured transport
// adapter behind one HTTP listener.
type Gateway struct {
	cfg      *config.Config
	log      *slog.Logger
	runner   sshexec.Runner
	auditLog *audit.Log

	registry  session.Registry
	reaper    *session.Reaper
	startedAt time.Time
}

// New builds a gateway. auditLog may be nil to disable auditing.
func New(cfg *config.Config, runner sshexec.Runner, auditLog *audit.Log, log *slog.Logger) *Gateway {
	reg := session.NewRegistry()
	return &Gateway{
		cfg:       cfg,
		log:       log,
		runner:    runner,
		auditLog:  auditLog,
		registry:  reg,
		reaper:    session.NewReaper(reg, cfg.SessionMaxAge, log),
		startedAt: time.Now(),
	}
}

// Registry exposes the session registry (used by tests and /health).
func (g *Gateway) Registry() session.Registry { return g.registry }

// Handler builds the route table for the configured transport mode.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	switch g.cfg.Transport {
	case config.TransportHTTP:
		mux.Handle("/mcp", g.protect(http.HandlerFunc(g.handleMCP)))
	default:
		mux.Handle("/sse", g.protect(http.HandlerFunc(g.handleSSE)))
		mux.Handle("/messages", g.protect(http.HandlerFunc(g.handleMessages)))
	}
	return mux
}

// Run serves until ctx is cancelled, then closes every live session and
// shuts the listener down.
func (g *Gateway) Run(ctx context.Context) error {
	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go g.reaper.Run(reaperCtx)

	srv := &http.Server{
		Addr:              g.cfg.ListenAddr(),
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.log.Info("gateway listening",
		"addr", g.cfg.ListenAddr(),
		"transport", g.cfg.Transport,
		"target", g.cfg.TargetAddr(),
		"localExec", g.cfg.LocalExec,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	g.log.Info("shutting down gateway")
	for _, s := range g.registry.ListAll() {
		s.Close()
		g.registry.Remove(s.ID)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (g *Gateway) newEngine() *Engine {
	return newEngine(g.cfg, g.runner, g.auditLog, g.log)
}

type healthStatus struct {
	Status          string `json:"status"`
	Transport       string `json:"transport"`
	Sessions        int    `json:"sessions"`
	ProtocolVersion string `json:"protocolVersion"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthStatus{
		Status:          "ok",
		Transport:       g.cfg.Transport,
		Sessions:        g.registry.Len(),
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		UptimeSeconds:   int64(time.Since(g.startedAt).Seconds()),
	})
}
