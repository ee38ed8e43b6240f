package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

var (
	ErrPasteNotFound     = NewErr("PASTE_NOT_FOUND", "paste not found", http.StatusNotFound)
	ErrSlugTaken         = NewErr("SLUG_TAKEN", "custom url already taken", http.StatusConflict)
	ErrInvalidCustomURL  = NewErr("INVALID_CUSTOM_URL", "invalid custom url", http.StatusBadRequest)
	ErrPasteTooLarge     = NewErr("PASTE_TOO_LARGE", "paste too large", http.StatusBadRequest)
	ErrInvalidDuration   = NewErr("INVALID_DURATION", "invalid duration", http.StatusBadRequest)
	ErrInvalidPrivacy    = NewErr("INVALID_PRIVACY", "invalid privacy level", http.StatusBadRequest)
	ErrPasswordRequired  = NewErr("PASSWORD_REQUIRED", "password required", http.StatusUnauthorized)
	ErrEncryptedKey      = NewErr("ENCRYPTED_KEY_REQUIRED", "client-side encryption requires an encrypted key", http.StatusBadRequest)
	ErrInvalidRequest    = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest)
	ErrContentRequired   = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest)
	ErrNotEditable       = NewErr("NOT_EDITABLE", "paste is not editable", http.StatusForbidden)
	ErrRateLimitExceeded = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests)
	ErrUnauthorized      = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrShuttingDown      = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable)
	ErrInternalServer    = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
}

func (e *Err) Error() string { return e.Msg }

func NewErr(code, msg string, status int) *Err {
	return &Err{Code: code, Msg: msg, Status: status}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrPasteNotFound)
}

func ToResp(err error) ErrResp {
	if e, ok := errors.Cause(err).(*Err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}

func Status(err error) int {
	if e, ok := errors.Cause(err).(*Err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
