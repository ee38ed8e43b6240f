package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	PublicURL           string
	Slug                SlugCfg
	MaxPasteSize        int64
	DefaultExpiry       time.Duration
	TTLPresets          []time.Duration
	AllowEternal        bool
	CleanupInterval     time.Duration
	RedisURL            string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisTimeout        time.Duration
	RedisHostname       string
	RedisCACert         string
	RateLimit           RateLimitCfg
	Argon2Time          uint32
	Argon2Memory        uint32
	Argon2Parallelism   uint8
	HasherWorkerCount   int
	Pepper              Secret
	PepperFromKMS       bool
	DeletionTokenExpiry time.Duration
	TokenReplayTTL      time.Duration
	TrustedProxies      []string
	MetricsUser         string
	MetricsPass         Secret
	AllowedOrigins      []string
	ContextTimeout      time.Duration
	KEKCacheTTL         time.Duration
}

type SlugCfg struct {
	Strategy   string
	Salt       string
	MinLength  int
	Vocabulary []string
	CacheSize  int
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

// Load reads the environment, after merging a .env file from the working
// directory when one exists. Real environment variables win.
func Load() (*Cfg, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.PublicURL = strings.TrimRight(getEnv("PUBLIC_URL", ""), "/")
	c.Slug.Strategy = getEnv("SLUG_STRATEGY", "hashids")
	c.Slug.Salt = getEnv("HASHIDS_SALT", "")
	c.Slug.Vocabulary = getSlice("SLUG_VOCABULARY", nil)
	var err error
	if c.Slug.MinLength, err = getInt("HASHIDS_MIN_LENGTH", 6); err != nil {
		return nil, err
	}
	if c.Slug.CacheSize, err = getInt("SLUG_CACHE_SIZE", 4096); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = getInt64("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	if c.DefaultExpiry, err = getDuration("DEFAULT_EXPIRY", 24*time.Hour); err != nil {
		return nil, err
	}
	if c.TTLPresets, err = getDurations("TTL_PRESETS", "10m,1h,24h,168h"); err != nil {
		return nil, err
	}
	if c.AllowEternal, err = getBool("ALLOW_ETERNAL", true); err != nil {
		return nil, err
	}
	if c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	if c.RedisTLS, err = getBool("REDIS_TLS", false); err != nil {
		return nil, err
	}
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisHostname = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 600); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 60); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.HasherWorkerCount, err = getInt("HASHER_WORKER_COUNT", 4); err != nil {
		return nil, err
	}
	c.Pepper = NewSecret(getEnv("PEPPER", ""))
	if c.PepperFromKMS, err = getBool("PEPPER_FROM_KMS", false); err != nil {
		return nil, err
	}
	if c.DeletionTokenExpiry, err = getDuration("DELETION_TOKEN_EXPIRY", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if c.TokenReplayTTL, err = getDuration("TOKEN_REPLAY_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", nil)
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", nil)
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.KEKCacheTTL, err = getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	return c, nil
}

func Validate(c *Cfg) error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("PUBLIC_URL must be an absolute http(s) URL")
		}
	}
	switch strings.ToLower(c.Slug.Strategy) {
	case "hashids", "hash_ids", "compact", "animal", "animals", "mnemonic":
	default:
		return fmt.Errorf("unknown SLUG_STRATEGY %q", c.Slug.Strategy)
	}
	if c.Slug.MinLength < 0 || c.Slug.MinLength > 32 {
		return errors.New("HASHIDS_MIN_LENGTH must be between 0 and 32")
	}
	if c.Slug.CacheSize < 0 {
		return errors.New("SLUG_CACHE_SIZE must not be negative")
	}
	if len(c.Slug.Vocabulary) == 1 {
		return errors.New("SLUG_VOCABULARY needs at least two words")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.DefaultExpiry < 0 {
		return errors.New("DEFAULT_EXPIRY must not be negative")
	}
	if c.DefaultExpiry == 0 && !c.AllowEternal {
		return errors.New("DEFAULT_EXPIRY=0 requires ALLOW_ETERNAL=true")
	}
	for _, d := range c.TTLPresets {
		if d <= 0 {
			return errors.New("TTL_PRESETS entries must be positive")
		}
	}
	if c.CleanupInterval < 0 {
		return errors.New("CLEANUP_INTERVAL must not be negative")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisTLS && c.RedisHostname == "" {
			return errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
		}
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimit.ConservativeLimit <= 0 {
		return errors.New("RATE_LIMIT_CONSERVATIVE must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 1024 {
		return errors.New("ARGON2_MEMORY must be >= 1024 KiB")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.DeletionTokenExpiry < time.Minute {
		return errors.New("DELETION_TOKEN_EXPIRY must be at least 1 minute")
	}
	if c.TokenReplayTTL < time.Minute {
		return errors.New("TOKEN_REPLAY_TTL must be at least 1 minute")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.Slug.Strategy != "animal" && c.Slug.Salt == "" {
			return errors.New("HASHIDS_SALT is required in production")
		}
	}
	if !c.PepperFromKMS && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes when PEPPER_FROM_KMS is false")
	}
	if c.KEKCacheTTL < time.Minute {
		return errors.New("KEK_CACHE_TTL must be at least 1 minute")
	}
	if c.KEKCacheTTL > time.Hour {
		return errors.New("KEK_CACHE_TTL should not exceed 1 hour")
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer for %s", key)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid integer for %s", key)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid uint32 for %s", key)
	}
	return uint32(v), nil
}
func getBool(key string, fallback bool) (bool, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, errors.Wrapf(err, "invalid bool for %s", key)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration for %s", key)
	}
	return v, nil
}
func getDurations(key, fallback string) ([]time.Duration, error) {
	var out []time.Duration
	for _, s := range strings.Split(getEnv(key, fallback), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid duration %q in %s", s, key)
		}
		out = append(out, d)
	}
	return out, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
