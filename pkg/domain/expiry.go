package domain

import "time"

// IsExpired is the expiration policy. A paste without an expiry time only
// expires by being read BurnAfterReads times.
func IsExpired(p *Paste, now time.Time) bool {
	if p.BurnAfterReads > 0 && p.ReadCount >= p.BurnAfterReads {
		return true
	}
	if p.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(p.ExpiresAt)
}
