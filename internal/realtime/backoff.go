package realtime

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Backoff yields Base, then doubles on every call up to Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	cur  time.Duration
}

func (b *Backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.Base
	} else {
		b.cur *= 2
	}
	if b.Max > 0 && b.cur > b.Max {
		b.cur = b.Max
	}
	return b.cur
}

// Reset makes the next delay Base again.
func (b *Backoff) Reset() { b.cur = 0 }

// WSURL derives the realtime endpoint from the REST base URL:
// http(s) becomes ws(s), a trailing /api is dropped and /ws appended.
func WSURL(apiURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(apiURL))
	if err != nil {
		return "", fmt.Errorf("realtime: parse api url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("realtime: api url %q has no host", apiURL)
	}
	p := strings.TrimRight(u.Path, "/")
	p = strings.TrimSuffix(p, "/api")
	u.Path = p + "/ws"
	u.RawPath = ""
	return u.String(), nil
}
