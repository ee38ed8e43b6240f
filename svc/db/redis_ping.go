package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Ping round-trips a short-lived key so readiness reflects write access,
// not just an open socket.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "slugbin:health:" + time.Now().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return errors.Wrap(r.client.Del(ctx, key).Err(), "redis del")
}
