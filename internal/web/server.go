package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/coderloop/internal/db"
	"github.com/lucasnoah/coderloop/internal/pipeline"
)

//go:embed templates
var templateFS embed.FS

var funcMap = template.FuncMap{
	"badgeClass": func(status string) string {
		return "badge badge-" + strings.ReplaceAll(status, "_", "-")
	},
	"passClass": func(passed bool) string {
		if passed {
			return "result-pass"
		}
		return "result-fail"
	},
	"relTime": relTime,
}

// Server is the read-only web UI over the artifact store and the ledger.
type Server struct {
	store   *pipeline.Store
	db      *db.DB
	addr    string
	logger  *zap.Logger
	metrics http.Handler

	// pollInterval is how often run event streams re-read the ledger.
	pollInterval time.Duration

	dashboardTmpl *template.Template
	runTmpl       *template.Template
	attemptTmpl   *template.Template
}

// NewServer creates a Server with parsed templates. database may be nil, in
// which case pages are rendered without ledger data.
func NewServer(store *pipeline.Store, database *db.DB, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:         store,
		db:            database,
		addr:          addr,
		logger:        logger,
		pollInterval:  2 * time.Second,
		dashboardTmpl: mustParseTmpl("base.html", "dashboard.html"),
		runTmpl:       mustParseTmpl("base.html", "run.html"),
		attemptTmpl:   mustParseTmpl("base.html", "attempt.html"),
	}
}

// SetMetrics mounts h at /metrics.
func (s *Server) SetMetrics(h http.Handler) {
	s.metrics = h
}

func mustParseTmpl(names ...string) *template.Template {
	patterns := make([]string, len(names))
	for i, n := range names {
		patterns[i] = "templates/" + n
	}
	return template.Must(template.New("").Funcs(funcMap).ParseFS(templateFS, patterns...))
}

// Handler returns the UI's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			s.handleDashboard(w, r)
		case strings.HasPrefix(r.URL.Path, "/run/"):
			s.routeRun(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// Serve listens on the server's address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.logger.Info("web UI listening", zap.String("url", "http://"+ln.Addr().String()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routeRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/run/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	// Reject anything that could walk out of the run directory.
	for _, p := range parts {
		if p == "" || p == ".." || strings.HasPrefix(p, ".") || strings.ContainsAny(p, `\`) {
			http.NotFound(w, r)
			return
		}
	}
	switch {
	case len(parts) == 1:
		s.handleRunDetail(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "events":
		s.handleRunStream(w, r, parts[0])
	case len(parts) == 5 && parts[1] == "stage" && parts[3] == "attempt":
		s.handleAttemptDetail(w, r, parts[0], parts[2], parts[4])
	case len(parts) == 6 && parts[1] == "stage" && parts[3] == "attempt":
		s.handleAttemptFile(w, r, parts[0], parts[2], parts[4], parts[5])
	default:
		http.NotFound(w, r)
	}
}
