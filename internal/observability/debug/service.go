// Package debug serves the operational HTTP surface: pprof profiles, a
// liveness probe and a JSON status snapshot of the runner and rate gate.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	logx "sitepulse/pkg/logx"
)

// Config controls the optional debug HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StatusFunc contributes one named section to the /statusz payload.
type StatusFunc func() any

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	status map[string]StatusFunc

	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, status: make(map[string]StatusFunc)}
}

// RegisterStatus adds a section to /statusz. Call before Start.
func (s *Service) RegisterStatus(name string, fn StatusFunc) {
	s.mu.Lock()
	s.status[name] = fn
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start binds the listener and serves in a background goroutine. Start on a
// disabled service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled || s.srv != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		return fmt.Errorf("debug server refused to start: non-loopback addr %s requires token or allow_insecure", addr)
	}
	if cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("debug server running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("debug server listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.buildMux(cfg.Token),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		s.log.Info("debug server started",
			logx.String("addr", ln.Addr().String()),
			logx.Bool("token_set", cfg.Token != ""))
		if serr := srv.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			s.log.Error("debug server exited", logx.Err(serr))
		}
	}()
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	_ = srv.Close()
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("debug server stopped")
	return err
}

func (s *Service) buildMux(token string) *http.ServeMux {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/statusz", wrap(s.handleStatus))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	fns := make(map[string]StatusFunc, len(s.status))
	for k, v := range s.status {
		fns[k] = v
	}
	s.mu.Unlock()

	payload := make(map[string]any, len(fns)+1)
	payload["time"] = time.Now().UTC()
	for name, fn := range fns {
		payload[name] = fn()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept Authorization: Bearer <token> or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
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
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
