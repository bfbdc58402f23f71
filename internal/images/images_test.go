package images

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Smallest payloads the sniffer recognizes: magic bytes are enough.
var (
	pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 13, 'I', 'H', 'D', 'R'}
	gifBytes = []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00")
)

func TestValidateInline(t *testing.T) {
	v := NewValidator(5<<20, nil)

	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"empty is fine", "", nil},
		{"raw base64 png", base64.StdEncoding.EncodeToString(pngBytes), nil},
		{"data url gif", "data:image/gif;base64," + base64.StdEncoding.EncodeToString(gifBytes), nil},
		{"not base64", "!!! definitely not base64 !!!", ErrInvalid},
		{"data url without comma", "data:image/png;base64", ErrInvalid},
		{"non-image bytes", base64.StdEncoding.EncodeToString([]byte("just some text, no magic")), ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.payload)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSizeCap(t *testing.T) {
	v := NewValidator(5<<20, []string{"cdn.example.com"})

	// 6MB of base64 is over the cap no matter what it decodes to.
	big := strings.Repeat("A", 8<<20)
	require.ErrorIs(t, v.Validate(big), ErrTooLarge)

	// The same size as a trusted URL reference passes: only inline bytes
	// are capped.
	url := "https://cdn.example.com/images/" + strings.Repeat("a", 8<<20)
	require.NoError(t, v.Validate(url))

	// Payload decoding just under the cap with valid magic is accepted.
	small := make([]byte, 1024)
	copy(small, pngBytes)
	require.NoError(t, v.Validate(base64.StdEncoding.EncodeToString(small)))
}

func TestValidateURL(t *testing.T) {
	v := NewValidator(5<<20, []string{"imgur.com", "CDN.Example.com"})

	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{"trusted exact", "https://imgur.com/a.png", nil},
		{"trusted subdomain", "https://i.imgur.com/a.png", nil},
		{"trusted case folded", "https://cdn.example.com/x.jpg", nil},
		{"untrusted host", "https://evil.example.org/a.png", ErrInvalid},
		{"suffix is not subdomain", "https://notimgur.com/a.png", ErrInvalid},
		{"plain http", "http://imgur.com/a.png", ErrInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.payload)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
