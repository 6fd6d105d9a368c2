// Package admin serves a small diagnostics HTTP API: queue state, registered
// jobs, the execution journal and net/http/pprof.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"asyncq/internal/asyncqueue"
	"asyncq/internal/journal"
	"asyncq/internal/recurring"
	logx "asyncq/pkg/logx"
)

const (
	defaultAddr    = "127.0.0.1:6060"
	pprofPrefix    = "/debug/pprof/"
	defaultRecentN = 50
	maxRecentN     = 1000
)

var ErrInsecureBind = errors.New("admin: non-loopback addr requires token or allow_insecure")

// Config controls the server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
}

// Source is what the server reports on.
type Source interface {
	QueueSnapshot() asyncqueue.Snapshot
	Jobs() []recurring.JobInfo
	// RecentJournal returns nil, nil when the journal is disabled.
	RecentJournal(ctx context.Context, n int) ([]journal.Record, error)
}

type Server struct {
	cfg Config
	src Source
	log logx.Logger

	mu   sync.Mutex
	addr string
}

func New(cfg Config, src Source, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{cfg: cfg, src: src, log: log.With(logx.String("comp", "admin"))}
}

// Addr returns the bound address once Run is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// CheckBind reports whether cfg may be served as configured.
func CheckBind(cfg Config) error {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return err
	}
	if !cfg.AllowInsecure && strings.TrimSpace(cfg.Token) == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

// Run listens and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := CheckBind(s.cfg); err != nil {
		s.log.Error("admin refused to start", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return err
	}
	if s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("admin running without token on non-loopback addr (insecure)", logx.String("addr", s.cfg.Addr))
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("admin started", logx.String("addr", s.Addr()), logx.Bool("token_set", s.cfg.Token != ""))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = errors.New("admin server exited unexpectedly")
		}
		return err
	}
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("GET /healthz", wrap(s.handleHealth))
	mux.HandleFunc("GET /queue", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.src.QueueSnapshot())
	}))
	mux.HandleFunc("GET /jobs", wrap(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.src.Jobs())
	}))
	mux.HandleFunc("GET /journal", wrap(s.handleJournal))

	mux.HandleFunc(pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc(pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc(pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(pprofPrefix+"trace", wrap(hpprof.Trace))
	return mux
}

// handleHealth reports 503 once the queue stopped accepting work.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.src.QueueSnapshot()
	if snap.State != asyncqueue.StateRunning {
		http.Error(w, snap.State.String(), http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	n := defaultRecentN
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxRecentN)
	}
	recs, err := s.src.RecentJournal(r.Context(), n)
	if err != nil {
		s.log.Warn("journal read failed", logx.Err(err))
		http.Error(w, "journal read failed", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
