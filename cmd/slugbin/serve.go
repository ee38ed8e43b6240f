package main

import (
	"context"
	"encoding/base64"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"slugbin/cfg"
	"slugbin/pkg/kms"
	"slugbin/svc/api"
	"slugbin/svc/auth"
	"slugbin/svc/cache"
	"slugbin/svc/db"
	"slugbin/svc/lim"
	"slugbin/svc/registry"
	"slugbin/svc/svc"
	"slugbin/svc/util"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := cfg.Load()
	if err != nil {
		return errors.Wrap(err, "load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Str("version", version).Msg("starting slugbin")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kmsAdapter, err := kms.NewAdapter(ctx)
	if err != nil {
		return errors.Wrap(err, "initialize KMS adapter")
	}
	util.Info().Strs("providers", kmsAdapter.Providers()).Msg("kms adapter initialized")

	pepper, err := loadPepper(ctx, c, kmsAdapter)
	if err != nil {
		return err
	}
	defer util.Wipe(pepper)

	if err := initDeletionTokens(ctx, c, kmsAdapter, pepper); err != nil {
		return err
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(ctx, c)
		if err != nil {
			if c.Environment == "production" {
				return errors.Wrap(err, "redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using in-process limits without replay protection")
			rdb = nil
		} else {
			defer rdb.Close()
			util.SetUsedTokenTracker(rdb)
			util.Info().Msg("redis connected, deletion token tracker enabled")
		}
	}

	codec, err := newCodec(c)
	if err != nil {
		return errors.Wrap(err, "initialize slug codec")
	}
	codec, err = cache.Wrap(codec, c.Slug.CacheSize)
	if err != nil {
		return errors.Wrap(err, "initialize slug cache")
	}
	reg := registry.New(codec)
	util.Info().
		Str("strategy", string(codec.Strategy())).
		Int("cache_size", c.Slug.CacheSize).
		Msg("paste registry initialized")

	hasher, err := auth.NewHasher(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, pepper)
	if err != nil {
		return errors.Wrap(err, "initialize hasher")
	}
	if err := hasher.Start(c.HasherWorkerCount); err != nil {
		return errors.Wrap(err, "start hasher")
	}
	defer hasher.Stop()
	util.Info().Int("workers", c.HasherWorkerCount).Msg("hasher initialized")

	pasteSvc := svc.NewPaste(reg, hasher, kmsAdapter, c)
	defer pasteSvc.Shutdown()

	// A nil *db.Redis must not end up inside the Store interface.
	var store lim.Store
	if rdb != nil {
		store = rdb
	}
	limiter, err := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, store, c.TrustedProxies)
	if err != nil {
		return errors.Wrap(err, "initialize rate limiter")
	}
	limiter.Start()
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, rdb)

	g, gctx := errgroup.WithContext(ctx)
	if c.CleanupInterval > 0 {
		if err := pasteSvc.StartCleaner(gctx, c.CleanupInterval); err != nil {
			util.Error().Err(err).Msg("failed to start cleaner")
		}
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		util.Info().Msg("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	if err := g.Wait(); err != nil {
		return err
	}
	util.Info().Msg("shutdown complete")
	return nil
}

func loadPepper(ctx context.Context, c *cfg.Cfg, k *kms.Adapter) ([]byte, error) {
	var pepper []byte
	if c.PepperFromKMS {
		pepperB64, err := k.GetSecret(ctx, "ARGON2_PEPPER")
		if err != nil {
			return nil, errors.Wrap(err, "load pepper from KMS")
		}
		pepper, err = base64.StdEncoding.DecodeString(pepperB64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid pepper format")
		}
	} else {
		pepper = []byte(c.Pepper.Value())
	}
	if len(pepper) < 32 {
		util.Wipe(pepper)
		return nil, errors.Errorf("pepper too short (%d bytes), must be >= 32", len(pepper))
	}
	return pepper, nil
}

// initDeletionTokens keys the deletion token cipher from DELETION_TOKEN_SECRET.
// Outside production a missing secret falls back to the pepper.
func initDeletionTokens(ctx context.Context, c *cfg.Cfg, k *kms.Adapter, pepper []byte) error {
	secret := pepper
	tokenSecretB64, err := k.GetSecret(ctx, "DELETION_TOKEN_SECRET")
	switch {
	case err == nil:
		decoded, err := base64.StdEncoding.DecodeString(tokenSecretB64)
		if err != nil {
			return errors.Wrap(err, "invalid token secret format")
		}
		defer util.Wipe(decoded)
		secret = decoded
	case c.Environment == "production":
		return errors.Wrap(err, "load deletion token secret")
	default:
		util.Warn().Msg("DELETION_TOKEN_SECRET not available, deriving token key from pepper")
	}
	if err := util.InitDeletionTokenKey(secret); err != nil {
		return errors.Wrap(err, "init deletion token key")
	}
	return util.SetTokenReplayTTL(c.TokenReplayTTL)
}
