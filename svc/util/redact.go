package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"regexp"
)

var (
	tokenPattern  = regexp.MustCompile(`[A-Za-z0-9_-]{40,}`)
	secretPattern = regexp.MustCompile(`(?i)(password|token|secret|key|pepper|encrypted_key)=([^\s&]+)`)
)

// RedactContent keeps a short prefix and suffix of a paste body for log context.
func RedactContent(content string) string {
	if len(content) == 0 {
		return ""
	}
	if len(content) <= 20 {
		return "[REDACTED]"
	}
	return content[:6] + "...[REDACTED]..." + content[len(content)-6:]
}

func RedactToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "[TOKEN-REDACTED]"
	}
	return token[:4] + "..." + token[len(token)-4:] + "[REDACTED]"
}

func RedactSecret(s string) string {
	return secretPattern.ReplaceAllString(s, "$1=[REDACTED]")
}

// RedactIP truncates an address to its network part, hashing anything unparsable.
func RedactIP(ip string) string {
	host, _, err := net.SplitHostPort(ip)
	if err == nil {
		ip = host
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		hash := sha256.Sum256([]byte(ip))
		return "hash:" + hex.EncodeToString(hash[:8])
	}
	if ipv4 := parsed.To4(); ipv4 != nil {
		ipv4[3] = 0
		return ipv4.String()
	}
	masked := make(net.IP, net.IPv6len)
	copy(masked, parsed.To16()[:4])
	return masked.String()
}

func RedactLogLine(line string) string {
	line = tokenPattern.ReplaceAllString(line, "[TOKEN-REDACTED]")
	return secretPattern.ReplaceAllString(line, "$1=[REDACTED]")
}
