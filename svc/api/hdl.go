package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"

	"slugbin/cfg"
	"slugbin/pkg/domain"
	"slugbin/svc/lim"
	"slugbin/svc/svc"
	"slugbin/svc/util"
)

const (
	maxTTL       = 365 * 24 * time.Hour
	minTTL       = 60 * time.Second
	maxEditBytes = 16 * 1024
)

type Hdl struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
}

type CreateReq struct {
	Content        string `json:"content"`
	Password       string `json:"password,omitempty"`
	Duration       string `json:"duration,omitempty"`
	CustomURL      string `json:"custom_url,omitempty"`
	Privacy        string `json:"privacy,omitempty"`
	Extension      string `json:"extension,omitempty"`
	BurnAfterReads int    `json:"burn_after_reads,omitempty"`
	Editable       bool   `json:"editable,omitempty"`
	EncryptClient  bool   `json:"encrypt_client,omitempty"`
	EncryptedKey   string `json:"encrypted_key,omitempty"`
}

type CreateResp struct {
	Slug          string     `json:"slug"`
	URL           string     `json:"url"`
	DeletionToken string     `json:"deletion_token"`
	ExpiresAt     *time.Time `json:"expires_at"`
}

type EditReq struct {
	Content  string `json:"content"`
	Password string `json:"password,omitempty"`
}

// decodeJSON enforces a JSON body of known length no larger than limit.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst interface{}) error {
	log := hlog.FromRequest(r)
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", contentType).Msg("invalid Content-Type header")
		return errUnsupportedMedia
	}
	if r.ContentLength < 0 {
		log.Warn().Msg("missing Content-Length")
		return domain.ErrInvalidRequest
	}
	if r.ContentLength > limit {
		log.Warn().Int64("content_length", r.ContentLength).Msg("Content-Length exceeds maximum")
		return domain.ErrPasteTooLarge
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		return domain.ErrInvalidRequest
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		return domain.ErrInvalidRequest
	}
	return nil
}

var errUnsupportedMedia = domain.NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)

// parseDuration maps the request's duration field. Empty means the
// configured default, "never" means no expiry.
func (h *Hdl) parseDuration(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return h.cfg.DefaultExpiry, nil
	case "never", "0":
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < minTTL {
		return 0, domain.ErrInvalidDuration
	}
	if d > maxTTL {
		d = maxTTL
	}
	return d, nil
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := decodeJSON(w, r, h.cfg.MaxPasteSize*2+maxEditBytes, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	dur, err := h.parseDuration(req.Duration)
	if err != nil {
		log.Warn().Str("duration", req.Duration).Msg("invalid duration")
		writeErr(w, err, requestID)
		return
	}
	privacy, err := domain.ParsePrivacy(req.Privacy)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	content := req.Content
	if !req.EncryptClient {
		content = sanitizeContent(content)
	}
	created, err := h.paste.Create(r.Context(), domain.CreateParams{
		Content:        content,
		CustomURL:      req.CustomURL,
		Extension:      req.Extension,
		Password:       req.Password,
		Privacy:        privacy,
		Editable:       req.Editable,
		EncryptClient:  req.EncryptClient,
		EncryptedKey:   req.EncryptedKey,
		BurnAfterReads: req.BurnAfterReads,
		Duration:       dur,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to create paste")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("slug", created.View.Slug).
		Str("ttl", dur.String()).
		Str("privacy", string(privacy)).
		Bool("custom_url", req.CustomURL != "").
		Bool("password_protected", req.Password != "").
		Msg("paste created")
	if !req.EncryptClient && privacy != domain.PrivacyPrivate {
		log.Debug().Str("slug", created.View.Slug).Str("preview", util.RedactContent(content)).Msg("paste content")
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		Slug:          created.View.Slug,
		URL:           h.cfg.PublicURL + "/pastes/" + created.View.Slug,
		DeletionToken: created.DeletionToken,
		ExpiresAt:     created.View.ExpiresAt,
	})
}

func password(r *http.Request) string {
	if p := r.Header.Get("X-Paste-Password"); p != "" {
		return p
	}
	return r.URL.Query().Get("password")
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	view, err := h.paste.Get(r.Context(), slug, password(r))
	if err != nil {
		h.logGetFailure(r, slug, err)
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("slug", slug).
		Int("reads", view.ReadCount).
		Msg("paste retrieved")
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) RawPaste(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	view, err := h.paste.Get(r.Context(), slug, password(r))
	if err != nil {
		h.logGetFailure(r, slug, err)
		writeErr(w, err, requestID)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, view.Content)
}

func (h *Hdl) logGetFailure(r *http.Request, slug string, err error) {
	log := hlog.FromRequest(r)
	if domain.IsNotFound(err) {
		log.Debug().Str("slug", slug).Msg("paste not found")
		return
	}
	log.Warn().
		Err(err).
		Str("slug", slug).
		Str("client_ip", util.RedactIP(lim.GetRealIP(r, h.cfg.TrustedProxies))).
		Msg("get failed")
}

func (h *Hdl) ListPastes(w http.ResponseWriter, r *http.Request) {
	views := h.paste.List(r.Context())
	if views == nil {
		views = []domain.View{}
	}
	json.NewEncoder(w).Encode(views)
}

func (h *Hdl) EditPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	var req EditReq
	if err := decodeJSON(w, r, h.cfg.MaxPasteSize*2+maxEditBytes, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	pwd := req.Password
	if pwd == "" {
		pwd = password(r)
	}
	view, err := h.paste.Edit(r.Context(), slug, pwd, sanitizeContent(req.Content))
	if err != nil {
		log.Warn().Err(err).Str("slug", slug).Msg("edit failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(view)
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	slug := chi.URLParam(r, "slug")
	token := r.Header.Get("X-Deletion-Token")
	pwd := r.Header.Get("X-Paste-Password")
	if err := h.paste.Delete(r.Context(), slug, token, pwd); err != nil {
		log.Warn().
			Err(err).
			Str("slug", slug).
			Str("token", util.RedactToken(token)).
			Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) CheckURL(w http.ResponseWriter, r *http.Request) {
	candidate := chi.URLParam(r, "custom_url")
	json.NewEncoder(w).Encode(map[string]bool{
		"available": h.paste.CheckAvailability(candidate),
	})
}

// Auth builds the handler for one password or decryption prompt. All five
// prompt routes share it and differ only in kind.
func (h *Hdl) Auth(kind domain.AuthKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := util.GetRequestID(r.Context())
		slug := chi.URLParam(r, "slug")
		view, err := h.paste.Auth(r.Context(), slug, chi.URLParam(r, "status"), kind)
		if err != nil {
			hlog.FromRequest(r).Debug().Err(err).Str("slug", slug).Str("kind", string(kind)).Msg("auth view failed")
			if !domain.IsNotFound(err) {
				err = domain.ErrPasteNotFound
			}
			writeErr(w, err, requestID)
			return
		}
		json.NewEncoder(w).Encode(view)
	}
}

type PresetsResp struct {
	Presets      []string `json:"presets"`
	Default      string   `json:"default"`
	AllowEternal bool     `json:"allow_eternal"`
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	presets := make([]string, len(h.cfg.TTLPresets))
	for i, d := range h.cfg.TTLPresets {
		presets[i] = d.String()
	}
	json.NewEncoder(w).Encode(PresetsResp{
		Presets:      presets,
		Default:      h.cfg.DefaultExpiry.String(),
		AllowEternal: h.cfg.AllowEternal,
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	errorMsg := domain.ToResp(err).Error.Msg
	if statusCode >= 500 {
		errorMsg = "internal server error"
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	json.NewEncoder(w).Encode(map[string]string{
		"error":      errorMsg,
		"request_id": requestID,
	})
}

// sanitizeContent normalizes to NFC and drops control characters other
// than newlines and tabs. Escaping is left to whoever renders the paste.
func sanitizeContent(s string) string {
	s = norm.NFC.String(s)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
