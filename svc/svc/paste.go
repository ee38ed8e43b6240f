package svc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"slugbin/cfg"
	"slugbin/metrics"
	"slugbin/pkg/domain"
	"slugbin/pkg/kms"
	"slugbin/svc/auth"
	"slugbin/svc/registry"
	"slugbin/svc/util"
)

const (
	maxCustomURLLength = 64
	maxExtensionLength = 16
	maxEncryptedKey    = 4096
	maxBurnAfterReads  = 1000
	maxStatusLength    = 32
)

var (
	customURLPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	extensionPattern = regexp.MustCompile(`^[A-Za-z0-9+#._-]*$`)
	statusPattern    = regexp.MustCompile(`^[a-z_]*$`)
	sealAAD          = []byte("slugbin:paste:v1")
)

// Paste is the paste service. All paste state lives in the registry; the
// service adds validation, password hashing, sealing of private content and
// deletion tokens on top of it.
type Paste struct {
	reg      *registry.Registry
	hasher   *auth.Hasher
	kms      *kms.Adapter
	kekCache *kms.KEKCache
	cfg      *cfg.Cfg
	now      func() time.Time

	shutdown      atomic.Bool
	opWg          sync.WaitGroup
	cleanerActive atomic.Bool
}

func NewPaste(reg *registry.Registry, h *auth.Hasher, kmsAdapter *kms.Adapter, c *cfg.Cfg) *Paste {
	if reg == nil || h == nil || kmsAdapter == nil || c == nil {
		panic("paste service: nil dependency (registry, hasher, kms adapter or cfg)")
	}
	return &Paste{
		reg:      reg,
		hasher:   h,
		kms:      kmsAdapter,
		kekCache: kms.NewKEKCache(kmsAdapter, c.KEKCacheTTL),
		cfg:      c,
		now:      time.Now,
	}
}

func (p *Paste) Registry() *registry.Registry { return p.reg }

// Shutdown rejects new writes, waits for in-flight ones and wipes cached keys.
func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	p.opWg.Wait()
	p.kekCache.Stop()
	util.Debug().Msg("paste service shutdown complete")
}

func (p *Paste) begin() error {
	if p.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}

// ValidCustomURL reports whether s may be used as a custom URL.
func ValidCustomURL(s string) bool {
	return len(s) > 0 && len(s) <= maxCustomURLLength && customURLPattern.MatchString(s)
}

func (p *Paste) validate(params *domain.CreateParams) error {
	if params.Content == "" {
		return domain.ErrContentRequired
	}
	if int64(len(params.Content)) > p.cfg.MaxPasteSize {
		return domain.ErrPasteTooLarge
	}
	if params.CustomURL != "" && !ValidCustomURL(params.CustomURL) {
		return domain.ErrInvalidCustomURL
	}
	if len(params.Extension) > maxExtensionLength || !extensionPattern.MatchString(params.Extension) {
		return domain.ErrInvalidRequest
	}
	if params.Duration < 0 || (params.Duration == 0 && !p.cfg.AllowEternal) {
		return domain.ErrInvalidDuration
	}
	if params.BurnAfterReads < 0 || params.BurnAfterReads > maxBurnAfterReads {
		return domain.ErrInvalidRequest
	}
	privacy, err := domain.ParsePrivacy(string(params.Privacy))
	if err != nil {
		return err
	}
	params.Privacy = privacy
	if privacy.NeedsPassword() && params.Password == "" {
		return domain.ErrPasswordRequired
	}
	if privacy == domain.PrivacySecret && !params.EncryptClient {
		return domain.ErrEncryptedKey
	}
	if params.EncryptClient != (params.EncryptedKey != "") || len(params.EncryptedKey) > maxEncryptedKey {
		return domain.ErrEncryptedKey
	}
	return nil
}

// Create validates params, stores the paste and issues its deletion token.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Created, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if err := p.validate(&params); err != nil {
		return nil, err
	}
	// Cheap early exit; Insert makes the binding decision under the lock.
	if params.CustomURL != "" && !p.reg.IsSlugAvailable(params.CustomURL) {
		metrics.SlugTaken.Inc()
		return nil, domain.ErrSlugTaken
	}

	now := p.now()
	paste := domain.Paste{
		CustomURL:      params.CustomURL,
		Content:        params.Content,
		Extension:      params.Extension,
		Privacy:        params.Privacy,
		Editable:       params.Editable,
		EncryptClient:  params.EncryptClient,
		EncryptedKey:   params.EncryptedKey,
		BurnAfterReads: params.BurnAfterReads,
		CreatedAt:      now,
	}
	if params.Duration > 0 {
		paste.ExpiresAt = now.Add(params.Duration)
	}
	if params.Password != "" {
		hash, err := p.hasher.Hash(ctx, params.Password)
		if err != nil {
			return nil, errors.Wrap(err, "hash password")
		}
		paste.PasswordHash = hash
	}
	if paste.Privacy == domain.PrivacyPrivate {
		if err := p.seal(ctx, &paste); err != nil {
			return nil, err
		}
	}

	id, err := p.reg.Insert(paste)
	if err != nil {
		return nil, err
	}
	paste.ID = id

	token, err := util.GenerateDeletionToken(id, p.cfg.DeletionTokenExpiry)
	if err != nil {
		p.reg.RemoveID(id)
		return nil, errors.Wrap(err, "generate deletion token")
	}
	tokenHash := util.HashToken(token)
	if _, err := p.reg.Update(id, func(stored *domain.Paste) error {
		stored.DeletionTokenHash = tokenHash
		return nil
	}); err != nil {
		util.Warn().Err(err).Uint64("id", id).Msg("paste gone before deletion token was recorded")
	}

	metrics.PasteCreated.Inc()
	view := p.view(paste, params.Content, params.Extension)
	return &domain.Created{View: view, DeletionToken: token}, nil
}

func sealContext(paste *domain.Paste) kms.EncryptionContext {
	return kms.EncryptionContext{
		"purpose":    "paste",
		"created_at": strconv.FormatInt(paste.CreatedAt.UnixNano(), 10),
	}
}

// seal moves content and extension into an encrypted payload under a fresh
// data key, which is wrapped by the KMS.
func (p *Paste) seal(ctx context.Context, paste *domain.Paste) error {
	dek, err := kms.GenerateDEK()
	if err != nil {
		return err
	}
	defer util.Wipe(dek)
	payload, err := json.Marshal(domain.NewSealedPayload(paste.Content, paste.Extension, paste.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "marshal sealed payload")
	}
	defer util.Wipe(payload)
	sealed, err := kms.AEADSeal(payload, dek, sealAAD)
	if err != nil {
		return errors.Wrap(err, "seal content")
	}
	wrapped, err := kms.WrapDEK(ctx, p.kms, dek, sealContext(paste))
	if err != nil {
		return errors.Wrap(err, "wrap dek")
	}
	metrics.EncryptionOps.WithLabelValues("seal").Inc()
	paste.SealedContent = sealed
	paste.SealedDEK = wrapped
	paste.Content = ""
	paste.Extension = ""
	return nil
}

func (p *Paste) unseal(ctx context.Context, paste *domain.Paste) (*domain.SealedPayload, error) {
	dek, err := p.kekCache.DecryptDEK(ctx, paste.SealedDEK, sealContext(paste))
	if err != nil {
		return nil, errors.Wrap(err, "unwrap dek")
	}
	defer util.Wipe(dek)
	plaintext, err := kms.AEADOpen(paste.SealedContent, dek, sealAAD)
	if err != nil {
		return nil, errors.Wrap(err, "open content")
	}
	defer util.Wipe(plaintext)
	var payload domain.SealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal sealed payload")
	}
	if payload.Version != domain.SealedVersion {
		return nil, errors.Errorf("unsupported sealed payload version %d", payload.Version)
	}
	metrics.EncryptionOps.WithLabelValues("unseal").Inc()
	return &payload, nil
}

// Get returns the paste slug names and counts the read. Private pastes need
// their password; a wrong password does not use up a read.
func (p *Paste) Get(ctx context.Context, slug, password string) (*domain.View, error) {
	var paste domain.Paste
	if peek, ok := p.reg.Find(slug); !ok {
		return nil, domain.ErrPasteNotFound
	} else if peek.Privacy == domain.PrivacyPrivate {
		if err := p.checkPassword(peek, password); err != nil {
			return nil, err
		}
		read, err := p.reg.Update(peek.ID, func(stored *domain.Paste) error {
			stored.ReadCount++
			stored.LastReadAt = p.now()
			return nil
		})
		if err != nil {
			return nil, err
		}
		paste = read
	} else {
		read, ok := p.reg.Read(slug)
		if !ok {
			return nil, domain.ErrPasteNotFound
		}
		paste = read
	}

	content, extension := paste.Content, paste.Extension
	if paste.Sealed() {
		payload, err := p.unseal(ctx, &paste)
		if err != nil {
			return nil, err
		}
		content, extension = payload.Content, payload.Extension
	}
	metrics.PasteRetrieved.Inc()
	v := p.view(paste, content, extension)
	return &v, nil
}

func (p *Paste) checkPassword(paste domain.Paste, password string) error {
	if paste.PasswordHash == "" {
		return nil
	}
	if password == "" {
		return domain.ErrPasswordRequired
	}
	match, rehash := p.hasher.Verify(password, paste.PasswordHash)
	if !match {
		return domain.ErrUnauthorized
	}
	if rehash {
		util.Debug().Uint64("id", paste.ID).Msg("password hash uses outdated parameters")
	}
	return nil
}

// Auth resolves slug for one of the password or decryption prompts. It
// never counts a read and never reveals content.
func (p *Paste) Auth(ctx context.Context, slug, status string, kind domain.AuthKind) (*domain.AuthView, error) {
	switch kind {
	case domain.AuthUpload, domain.AuthRaw, domain.AuthEditPrivate, domain.AuthSecureFile, domain.AuthRemove:
	default:
		return nil, domain.ErrInvalidRequest
	}
	if len(status) > maxStatusLength || !statusPattern.MatchString(status) {
		return nil, domain.ErrInvalidRequest
	}
	paste, ok := p.reg.Find(slug)
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	return &domain.AuthView{
		Slug:          p.reg.Slug(paste),
		Status:        status,
		EncryptedKey:  paste.EncryptedKey,
		EncryptClient: paste.EncryptClient,
		Path:          kind,
	}, nil
}

// CheckAvailability reports whether candidate could be used as a custom URL
// right now.
func (p *Paste) CheckAvailability(candidate string) bool {
	return ValidCustomURL(candidate) && p.reg.IsSlugAvailable(candidate)
}

// Edit replaces the content of an editable paste.
func (p *Paste) Edit(ctx context.Context, slug, password, content string) (*domain.View, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if content == "" {
		return nil, domain.ErrContentRequired
	}
	if int64(len(content)) > p.cfg.MaxPasteSize {
		return nil, domain.ErrPasteTooLarge
	}
	current, ok := p.reg.Find(slug)
	if !ok {
		return nil, domain.ErrPasteNotFound
	}
	if !current.Editable {
		return nil, domain.ErrNotEditable
	}
	if err := p.checkPassword(current, password); err != nil {
		return nil, err
	}
	extension := current.Extension
	next := current
	next.Content = content
	if current.Sealed() {
		payload, err := p.unseal(ctx, &current)
		if err != nil {
			return nil, err
		}
		extension = payload.Extension
		next.Extension = extension
		if err := p.seal(ctx, &next); err != nil {
			return nil, err
		}
	}
	updated, err := p.reg.Update(current.ID, func(stored *domain.Paste) error {
		if !stored.Editable {
			return domain.ErrNotEditable
		}
		stored.Content = next.Content
		stored.SealedContent = next.SealedContent
		stored.SealedDEK = next.SealedDEK
		return nil
	})
	if err != nil {
		return nil, err
	}
	util.Info().Uint64("id", updated.ID).Msg("paste edited")
	v := p.view(updated, content, extension)
	return &v, nil
}

// Delete removes the paste slug names. A slug that names nothing is already
// deleted and yields nil. Holding the slug is enough for a paste without a
// password; a readonly or private paste needs its deletion token or password.
func (p *Paste) Delete(ctx context.Context, slug, token, password string) error {
	if err := p.begin(); err != nil {
		return err
	}
	defer p.opWg.Done()
	paste, ok := p.reg.Find(slug)
	if !ok {
		return nil
	}
	if token != "" {
		if err := util.VerifyDeletionToken(ctx, token, paste.ID); err != nil {
			util.Warn().Err(err).Uint64("id", paste.ID).Msg("deletion token rejected")
			return errors.Wrap(domain.ErrUnauthorized, err.Error())
		}
		if subtle.ConstantTimeCompare([]byte(util.HashToken(token)), []byte(paste.DeletionTokenHash)) != 1 {
			return domain.ErrUnauthorized
		}
	} else if err := p.checkPassword(paste, password); err != nil {
		return err
	}
	// By ID: the slug may name a different paste by now.
	if p.reg.RemoveID(paste.ID) {
		metrics.PasteDeleted.Inc()
		util.Info().Uint64("id", paste.ID).Msg("paste deleted")
	}
	return nil
}

// List returns the public pastes in insertion order.
func (p *Paste) List(ctx context.Context) []domain.View {
	var out []domain.View
	for _, paste := range p.reg.List() {
		if !paste.Privacy.Listed() {
			continue
		}
		out = append(out, p.view(paste, paste.Content, paste.Extension))
	}
	return out
}

func (p *Paste) view(paste domain.Paste, content, extension string) domain.View {
	v := domain.View{
		Slug:           p.reg.Slug(paste),
		Content:        content,
		Extension:      extension,
		Privacy:        paste.Privacy,
		Editable:       paste.Editable,
		EncryptClient:  paste.EncryptClient,
		EncryptedKey:   paste.EncryptedKey,
		BurnAfterReads: paste.BurnAfterReads,
		ReadCount:      paste.ReadCount,
		CreatedAt:      paste.CreatedAt,
	}
	if paste.HasExpiration() {
		exp := paste.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}
