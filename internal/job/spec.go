package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTTLHours = 24
	MaxTTLHours     = 168
)

// Spec describes a job creation request.
type Spec struct {
	Input          Input
	CallbackURL    string
	TTLHours       int
	RequestID      string
	IdempotencyKey string
}

// Validate checks the spec. A TTL above MaxTTLHours is rejected rather than
// clamped.
func (s Spec) Validate() error {
	if err := s.Input.Validate(); err != nil {
		return err
	}
	if s.TTLHours < 0 || s.TTLHours > MaxTTLHours {
		return fmt.Errorf("%w: ttl_h must be between 1 and %d", ErrInvalidInput, MaxTTLHours)
	}
	if s.CallbackURL != "" {
		u, err := url.Parse(s.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callback_url must be an absolute http(s) url", ErrInvalidInput)
		}
	}
	return nil
}

// TTL returns the effective time-to-live.
func (s Spec) TTL() time.Duration {
	h := s.TTLHours
	if h <= 0 {
		h = DefaultTTLHours
	}
	return time.Duration(h) * time.Hour
}

// Fingerprint hashes the logical content of the request. Two submissions of
// the same files, URLs, callback and TTL produce the same fingerprint
// regardless of transport encoding.
func (s Spec) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(s.Input.Kind))
	b.WriteByte('\n')
	switch s.Input.Kind {
	case InputZip:
		b.WriteString(s.Input.ArchiveSHA256)
	case InputURLs:
		for _, u := range s.Input.URLs {
			b.WriteString(strings.TrimSpace(u))
			b.WriteByte('\n')
		}
	case InputImages:
		for _, img := range s.Input.Images {
			b.WriteString(img.Filename)
			b.WriteByte(':')
			b.WriteString(img.SHA256)
			b.WriteByte('\n')
		}
	}
	b.WriteString("\ncallback=")
	b.WriteString(s.CallbackURL)
	b.WriteString("\nttl=")
	b.WriteString(strconv.Itoa(int(s.TTL() / time.Hour)))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
