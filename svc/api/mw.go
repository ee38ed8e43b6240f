package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"slugbin/cfg"
	"slugbin/metrics"
	"slugbin/pkg/domain"
	"slugbin/svc/lim"
	"slugbin/svc/util"
)

type Mw struct {
	lim *lim.Limiter
	cfg *cfg.Cfg
}

func NewMw(limiter *lim.Limiter, c *cfg.Cfg) *Mw {
	return &Mw{lim: limiter, cfg: c}
}

// RequestID keeps a well-formed X-Request-ID from the client and mints one otherwise.
func (m *Mw) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if !util.ValidRequestID(requestID) {
			requestID = util.NewRequestID()
		}
		ctx := util.SetRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) ContextTimeout(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.ContextTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Mw) SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				requestID := util.GetRequestID(r.Context())
				util.Error().
					Interface("panic", rvr).
					Str("request_id", requestID).
					Msg("panic recovered")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error":      "internal server error",
					"request_id": requestID,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RateLimit returns a middleware charging requests to the endpoint's bucket.
func (m *Mw) RateLimit(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result := m.lim.Check(r, endpoint)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
			if !result.Allowed {
				util.Warn().
					Str("ip", util.RedactIP(lim.GetRealIP(r, m.cfg.TrustedProxies))).
					Str("endpoint", endpoint).
					Str("request_id", util.GetRequestID(r.Context())).
					Msg("rate limit exceeded")
				retry := int(time.Until(result.Reset).Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeErr(w, domain.ErrRateLimitExceeded, util.GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m *Mw) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		isAllowed := false
		for _, allowed := range m.cfg.AllowedOrigins {
			if allowed == "*" || origin == allowed {
				isAllowed = true
				break
			}
		}
		if isAllowed && origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Paste-Password, X-Deletion-Token")
			w.Header().Set("Access-Control-Max-Age", "300")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) JSONContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (m *Mw) BasicAuthMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.MetricsUser == "" && m.cfg.MetricsPass.Value() == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		userMatch := 0
		passMatch := 0
		if ok {
			userMatch = subtle.ConstantTimeCompare([]byte(user), []byte(m.cfg.MetricsUser))
			passMatch = subtle.ConstantTimeCompare([]byte(pass), []byte(m.cfg.MetricsPass.Value()))
		}
		if !ok || userMatch != 1 || passMatch != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AnomalyDetection feeds the limiter's error-rate detector and records
// request durations by route pattern.
func (m *Mw) AnomalyDetection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.lim.RecordRequest()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		if ww.status >= 500 {
			m.lim.RecordError()
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.RequestDuration.
			WithLabelValues(r.Method, route, strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}
