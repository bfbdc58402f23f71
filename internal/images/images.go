package images

import (
	"encoding/base64"
	"errors"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

var (
	// ErrTooLarge means the decoded inline payload exceeds the configured cap.
	ErrTooLarge = errors.New("image too large")
	// ErrInvalid covers undecodable payloads, disallowed formats and
	// untrusted URLs.
	ErrInvalid = errors.New("invalid image")
)

// allowedTypes is the inline image format allow-list.
var allowedTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/svg+xml",
	"image/bmp",
}

// Validator checks message and avatar image payloads before they are
// persisted. A payload is either an inline base64 image (optionally wrapped
// in a data URL) or an https URL on a trusted domain.
type Validator struct {
	maxBytes int64
	trusted  []string
}

// NewValidator builds a validator with the given decoded-size cap and
// trusted URL domain list. Domains match exactly or as parent domains.
func NewValidator(maxBytes int64, trustedDomains []string) *Validator {
	trusted := make([]string, 0, len(trustedDomains))
	for _, d := range trustedDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			trusted = append(trusted, d)
		}
	}
	return &Validator{maxBytes: maxBytes, trusted: trusted}
}

// Validate returns nil if payload is empty or acceptable, ErrTooLarge if an
// inline image exceeds the cap, and ErrInvalid otherwise. URL payloads are
// not size-checked; the bytes live elsewhere.
func (v *Validator) Validate(payload string) error {
	if payload == "" {
		return nil
	}
	if strings.HasPrefix(payload, "https://") {
		return v.validateURL(payload)
	}
	return v.validateInline(payload)
}

func (v *Validator) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ErrInvalid
	}
	host := strings.ToLower(u.Hostname())
	for _, d := range v.trusted {
		if host == d || strings.HasSuffix(host, "."+d) {
			return nil
		}
	}
	return ErrInvalid
}

func (v *Validator) validateInline(payload string) error {
	// Strip a data URL wrapper if present; the declared media type is
	// ignored in favor of sniffing the decoded bytes.
	if strings.HasPrefix(payload, "data:") {
		idx := strings.IndexByte(payload, ',')
		if idx < 0 {
			return ErrInvalid
		}
		payload = payload[idx+1:]
	}

	// Reject oversized payloads before decoding anything.
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > v.maxBytes {
		return ErrTooLarge
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return ErrInvalid
	}
	if int64(len(data)) > v.maxBytes {
		return ErrTooLarge
	}

	detected := mimetype.Detect(data)
	for _, t := range allowedTypes {
		if detected.Is(t) {
			return nil
		}
	}
	return ErrInvalid
}
