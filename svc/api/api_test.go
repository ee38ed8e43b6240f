package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"slugbin/cfg"
	"slugbin/pkg/domain"
	"slugbin/pkg/kms"
	"slugbin/pkg/slug"
	"slugbin/svc/auth"
	"slugbin/svc/lim"
	"slugbin/svc/registry"
	"slugbin/svc/svc"
	"slugbin/svc/util"
)

func newTestServer(t *testing.T, rpm, burst int) *Server {
	t.Helper()
	c := &cfg.Cfg{
		Port:                "0",
		MaxPasteSize:        4096,
		DefaultExpiry:       time.Hour,
		TTLPresets:          []time.Duration{10 * time.Minute, time.Hour},
		AllowEternal:        true,
		DeletionTokenExpiry: time.Hour,
		ContextTimeout:      5 * time.Second,
		KEKCacheTTL:         time.Minute,
		AllowedOrigins:      []string{"https://paste.example"},
	}
	codec, err := slug.New(slug.StrategyAnimal, slug.Options{})
	require.NoError(t, err)
	reg := registry.New(codec)

	h, err := auth.NewHasher(1, 1024, 1, []byte("0123456789ABCDEF0123456789ABCDEF"), auth.WithVerifyPad(0))
	require.NoError(t, err)
	require.NoError(t, h.Start(2))
	t.Cleanup(h.Stop)

	local, err := kms.NewEnvProvider("AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=")
	require.NoError(t, err)
	adapter, err := kms.NewAdapterWith(nil, local, kms.Policy{})
	require.NoError(t, err)

	util.SetTokenTiming(false)
	util.SetUsedTokenTracker(nil)
	require.NoError(t, util.InitDeletionTokenKey([]byte("0123456789abcdefghijklmnopqrstuvwxyzABCD")))

	p := svc.NewPaste(reg, h, adapter, c)
	t.Cleanup(p.Shutdown)
	l, err := lim.New(rpm, burst, rpm, nil, nil)
	require.NoError(t, err)
	return NewServer(c, p, l, nil)
}

func do(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPasteLifecycle(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodPost, "/pastes", CreateReq{Content: "package main", Extension: "go", Privacy: "public"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CreateResp](t, rec)
	require.Equal(t, "eel", created.Slug, "first id is 1")
	require.Equal(t, "/pastes/eel", created.URL)
	require.NotEmpty(t, created.DeletionToken)
	require.NotNil(t, created.ExpiresAt)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/pastes/eel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[domain.View](t, rec)
	require.Equal(t, "package main", view.Content)
	require.Equal(t, "go", view.Extension)

	rec = do(t, s, http.MethodGet, "/raw/eel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "package main", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/pastes", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode[[]domain.View](t, rec), 1)

	rec = do(t, s, http.MethodDelete, "/pastes/eel", nil, map[string]string{"X-Deletion-Token": "forged"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodDelete, "/pastes/eel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/pastes/eel", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "paste not found", decode[map[string]string](t, rec)["error"])

	rec = do(t, s, http.MethodDelete, "/pastes/eel", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "delete is idempotent")
}

func TestDeleteProtectedPaste(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodDelete, "/pastes/nosuchword", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "missing slug needs no credentials")

	rec = do(t, s, http.MethodPost, "/pastes", CreateReq{Content: "notes", Password: "hunter22", Privacy: "readonly"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[CreateResp](t, rec)

	rec = do(t, s, http.MethodDelete, "/pastes/"+created.Slug, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, s, http.MethodGet, "/pastes/"+created.Slug, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, "readonly paste survives a bare delete")

	rec = do(t, s, http.MethodDelete, "/pastes/"+created.Slug, nil, map[string]string{"X-Deletion-Token": created.DeletionToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodGet, "/pastes/"+created.Slug, nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateValidationResponses(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	req := httptest.NewRequest(http.MethodPost, "/pastes", strings.NewReader(`{"content":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"empty content", CreateReq{}, http.StatusBadRequest},
		{"unknown field", map[string]string{"content": "x", "color": "red"}, http.StatusBadRequest},
		{"bad duration", CreateReq{Content: "x", Duration: "soon"}, http.StatusBadRequest},
		{"too short duration", CreateReq{Content: "x", Duration: "5s"}, http.StatusBadRequest},
		{"bad privacy", CreateReq{Content: "x", Privacy: "hidden"}, http.StatusBadRequest},
		{"private without password", CreateReq{Content: "x", Privacy: "private"}, http.StatusUnauthorized},
		{"bad custom url", CreateReq{Content: "x", CustomURL: "a/b"}, http.StatusBadRequest},
		{"too large", CreateReq{Content: strings.Repeat("x", 5000)}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/pastes", tt.body, nil)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			require.NotEmpty(t, decode[map[string]string](t, rec)["request_id"])
		})
	}
}

func TestCustomURLConflict(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodGet, "/api/check-url/launch", nil, nil)
	require.True(t, decode[map[string]bool](t, rec)["available"])

	rec = do(t, s, http.MethodPost, "/pastes", CreateReq{Content: "x", CustomURL: "launch", Duration: "never"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Nil(t, decode[CreateResp](t, rec).ExpiresAt)

	rec = do(t, s, http.MethodGet, "/api/check-url/launch", nil, nil)
	require.False(t, decode[map[string]bool](t, rec)["available"])
	rec = do(t, s, http.MethodGet, "/api/check-url/LAUNCH", nil, nil)
	require.True(t, decode[map[string]bool](t, rec)["available"])

	rec = do(t, s, http.MethodPost, "/pastes", CreateReq{Content: "y", CustomURL: "launch"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPrivatePasteOverHTTP(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodPost, "/pastes", CreateReq{
		Content:  "secret plans",
		Password: "swordfish",
		Privacy:  "private",
		Editable: true,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	slug := decode[CreateResp](t, rec).Slug

	rec = do(t, s, http.MethodGet, "/pastes/"+slug, nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, s, http.MethodGet, "/pastes/"+slug, nil, map[string]string{"X-Paste-Password": "nope"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/pastes/"+slug+"?password=swordfish", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "secret plans", decode[domain.View](t, rec).Content)

	rec = do(t, s, http.MethodPut, "/pastes/"+slug, EditReq{Content: "new plans", Password: "swordfish"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/raw/"+slug, nil, map[string]string{"X-Paste-Password": "swordfish"})
	require.Equal(t, "new plans", rec.Body.String())

	rec = do(t, s, http.MethodGet, "/pastes", nil, nil)
	require.Empty(t, decode[[]domain.View](t, rec), "private pastes are not listed")

	rec = do(t, s, http.MethodDelete, "/pastes/"+slug, nil, map[string]string{"X-Paste-Password": "swordfish"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRoutes(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodPost, "/pastes", CreateReq{
		Content:       "b64ciphertext",
		Privacy:       "secret",
		EncryptClient: true,
		EncryptedKey:  "wrapped",
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	slug := decode[CreateResp](t, rec).Slug

	for _, route := range authRoutes {
		t.Run(route.prefix, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, route.prefix+"/"+slug, nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			v := decode[domain.AuthView](t, rec)
			require.Equal(t, slug, v.Slug)
			require.Equal(t, route.kind, v.Path)
			require.Equal(t, "wrapped", v.EncryptedKey)

			rec = do(t, s, http.MethodGet, route.prefix+"/"+slug+"/incorrect_password", nil, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "incorrect_password", decode[domain.AuthView](t, rec).Status)

			rec = do(t, s, http.MethodGet, route.prefix+"/nosuchword", nil, nil)
			require.Equal(t, http.StatusNotFound, rec.Code)
		})
	}

	rec = do(t, s, http.MethodGet, "/pastes/"+slug, nil, nil)
	require.Equal(t, 1, decode[domain.View](t, rec).ReadCount, "auth views do not count reads")
}

func TestRateLimitResponse(t *testing.T) {
	s := newTestServer(t, 1, 1)

	rec := do(t, s, http.MethodGet, "/config/presets", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	presets := decode[PresetsResp](t, rec)
	require.Equal(t, []string{"10m0s", "1h0m0s"}, presets.Presets)
	require.Equal(t, "1h0m0s", presets.Default)

	rec = do(t, s, http.MethodGet, "/config/presets", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	rec = do(t, s, http.MethodGet, "/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ready := decode[ReadyResponse](t, rec)
	require.True(t, ready.Ready)
	require.Equal(t, "unavailable", ready.Cache)
	require.Equal(t, "animal", ready.Strategy)
}

func TestSecurityHeadersAndCORS(t *testing.T) {
	s := newTestServer(t, 100000, 1000)

	rec := do(t, s, http.MethodOptions, "/pastes", nil, map[string]string{"Origin": "https://paste.example"})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://paste.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, s, http.MethodGet, "/pastes", nil, map[string]string{"Origin": "https://evil.example"})
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, 100000, 1000)
	const id = "3f1c2a9e-8d4b-4c1e-9a7f-2b6d5e4c3a21"

	rec := do(t, s, http.MethodGet, "/pastes", nil, map[string]string{"X-Request-ID": id})
	require.Equal(t, id, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/pastes", nil, map[string]string{"X-Request-ID": "<script>"})
	require.NotEqual(t, "<script>", rec.Header().Get("X-Request-ID"))
}

func TestSanitizeContent(t *testing.T) {
	tests := []struct{ in, want string }{
		{"plain", "plain"},
		{"keep\ttabs\nand lines\r\n", "keep\ttabs\nand lines\r\n"},
		{"bell\x07 and nul\x00", "bell and nul"},
		{"<b>html</b>", "<b>html</b>"},
		{"é", "é"},
		{"bad\xffutf8", "badutf8"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeContent(tt.in), "input %q", tt.in)
	}
}
