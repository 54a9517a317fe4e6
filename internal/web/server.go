package web

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/ops"
	"github.com/hpungsan/lotl/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Inference is the model service behind the process and models routes.
type Inference interface {
	ops.Inferer
	Models(ctx context.Context) ([]string, error)
}

// NewServer creates and configures the HTTP server for the annotation UI.
// client may be nil; the inference routes then answer 502.
func NewServer(st *store.Store, client Inference, cfg *config.Config, version, bind string, port int) *http.Server {
	templateSub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		log.Fatalf("failed to create template sub-FS: %v", err)
	}

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		log.Fatalf("failed to create static sub-FS: %v", err)
	}

	h := &Handlers{
		st:       st,
		client:   client,
		cfg:      cfg,
		renderer: NewRenderer(templateSub, version),
	}

	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           securityHeaders(h.routes(staticSub)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// routes builds the mux. Keys are file paths, so they travel as a
// "key" query or form value rather than a path segment.
func (h *Handlers) routes(static fs.FS) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/records", http.StatusFound)
	})
	mux.HandleFunc("GET /records", h.HandleList)
	mux.HandleFunc("POST /records", h.HandleAdd)
	mux.HandleFunc("PATCH /records", h.HandleUpdate)
	mux.HandleFunc("DELETE /records", h.HandleDelete)
	mux.HandleFunc("GET /records/detail", h.HandleDetail)
	mux.HandleFunc("POST /records/verify", h.HandleVerify)
	mux.HandleFunc("POST /records/delete", h.HandleDelete)
	mux.HandleFunc("POST /records/delete-where", h.HandleDeleteWhere)
	mux.HandleFunc("POST /records/process", h.HandleProcess)
	mux.HandleFunc("GET /models", h.HandleModels)
	mux.HandleFunc("GET /inventory", h.HandleInventory)
	mux.HandleFunc("POST /flush", h.HandleFlush)
	mux.HandleFunc("GET /dump", h.HandleDump)

	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServerFS(static)))

	return mux
}

// securityHeaders adds security-related HTTP headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'; style-src 'self'")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and handles graceful shutdown on SIGINT/SIGTERM.
// The caller closes the store after Run returns so pending edits are flushed.
func Run(srv *http.Server) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	log.Printf("lotl UI running at http://%s", srv.Addr)

	if strings.Contains(srv.Addr, "0.0.0.0") || strings.Contains(srv.Addr, "::") {
		log.Printf("WARNING: Server is binding to all interfaces and may be accessible from the network")
	}

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
