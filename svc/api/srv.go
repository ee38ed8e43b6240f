package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"slugbin/cfg"
	"slugbin/pkg/domain"
	"slugbin/svc/db"
	"slugbin/svc/lim"
	"slugbin/svc/svc"
	"slugbin/svc/util"
)

// authRoutes maps each prompt prefix to the view kind it renders.
var authRoutes = []struct {
	prefix string
	kind   domain.AuthKind
}{
	{"/auth", domain.AuthUpload},
	{"/auth_raw", domain.AuthRaw},
	{"/auth_edit_private", domain.AuthEditPrivate},
	{"/auth_file", domain.AuthSecureFile},
	{"/auth_remove_private", domain.AuthRemove},
}

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the routes. rdb may be nil when no Redis is configured.
func NewServer(c *cfg.Cfg, p *svc.Paste, l *lim.Limiter, rdb *db.Redis) *Server {
	s := &Server{
		paste: p,
		lim:   l,
		cfg:   c,
		rdb:   rdb,
	}
	r := chi.NewRouter()
	mw := NewMw(l, c)
	r.Use(mw.CORS)
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.BasicAuthMetrics)
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/debug", middleware.Profiler())
	})

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Str("query", util.RedactSecret(req.URL.RawQuery)).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		r.Use(mw.AnomalyDetection)
		hdl := &Hdl{paste: p, cfg: c}
		read := mw.RateLimit("read")
		r.With(read).Get("/api/check-url/{custom_url}", hdl.CheckURL)
		r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
		r.With(read).Get("/pastes", hdl.ListPastes)
		r.With(read).Get("/pastes/{slug}", hdl.GetPaste)
		r.With(mw.RateLimit("edit")).Put("/pastes/{slug}", hdl.EditPaste)
		r.With(mw.RateLimit("delete")).Delete("/pastes/{slug}", hdl.DeletePaste)
		r.With(read).Get("/raw/{slug}", hdl.RawPaste)
		for _, route := range authRoutes {
			h := hdl.Auth(route.kind)
			r.With(read).Get(route.prefix+"/{slug}", h)
			r.With(read).Get(route.prefix+"/{slug}/{status}", h)
		}
		r.With(read).Get("/config/presets", hdl.GetPresets)
	})
	s.router = r
	s.httpServer = &http.Server{
		Addr:           ":" + c.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
