// Package pprof exposes runtime profiles of the server for debugging.
package pprof

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"os"
	"path/filepath"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Camifryou/whatsappcrm/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Config holds the profiling configuration
type Config struct {
	// HTTPAddr serves /debug/pprof/ when set (e.g. "localhost:6060")
	HTTPAddr string
	// CPUProfile is written from Start until Stop
	CPUProfile string
	// HeapProfile is written on Stop
	HeapProfile string
}

// Enabled reports whether any profiling is configured
func (c Config) Enabled() bool {
	return c.HTTPAddr != "" || c.CPUProfile != "" || c.HeapProfile != ""
}

// Handler manages profiling for one server run
type Handler struct {
	config  Config
	log     *logger.Logger
	cpuFile *os.File

	mu       sync.Mutex
	started  bool
	stopping bool
}

// NewHandler creates a new pprof handler with the given configuration
func NewHandler(config Config, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Global()
	}
	return &Handler{config: config, log: log}
}

// Router returns the profile endpoints
func Router() *httprouter.Router {
	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/debug/pprof/", netpprof.Index)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/cmdline", netpprof.Cmdline)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/profile", netpprof.Profile)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/symbol", netpprof.Symbol)
	router.HandlerFunc(http.MethodGet, "/debug/pprof/trace", netpprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		router.Handler(http.MethodGet, "/debug/pprof/"+name, netpprof.Handler(name))
	}
	return router
}

// Start begins CPU profiling if configured
func (h *Handler) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	h.started = true

	if h.config.CPUProfile == "" {
		return nil
	}
	f, err := create(h.config.CPUProfile)
	if err != nil {
		return fmt.Errorf("failed to create CPU profile file: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to start CPU profiling: %w", err)
	}
	h.cpuFile = f
	h.log.Info("Writing CPU profile to %s", h.config.CPUProfile)
	return nil
}

// Serve runs the profile endpoints until ctx is done. Without HTTPAddr it
// returns immediately.
func (h *Handler) Serve(ctx context.Context) error {
	if h.config.HTTPAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", h.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to bind pprof HTTP server: %w", err)
	}

	server := &http.Server{Handler: Router(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		h.log.Info("pprof listening on %s", ln.Addr())
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown pprof server: %w", err)
	}
	return nil
}

// Stop finishes the CPU profile and writes the heap profile
func (h *Handler) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopping {
		return nil
	}
	h.stopping = true

	var errs []error
	if h.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := h.cpuFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close CPU profile: %w", err))
		}
		h.cpuFile = nil
	}

	if h.config.HeapProfile != "" {
		if err := writeProfile("heap", h.config.HeapProfile); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func create(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.Create(path)
}

// writeProfile writes a named profile to a file
func writeProfile(name, path string) error {
	p := pprof.Lookup(name)
	if p == nil {
		return fmt.Errorf("profile %q not found", name)
	}
	f, err := create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s profile file: %w", name, err)
	}
	defer f.Close()
	if err := p.WriteTo(f, 0); err != nil {
		return fmt.Errorf("failed to write %s profile: %w", name, err)
	}
	return nil
}
