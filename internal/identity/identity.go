// Package identity verifies caller identity against the external provider.
// The service never issues or refreshes credentials itself; it only checks
// provider-issued ID tokens and extracts the attributes it needs.
package identity

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
)

// Identity is the verified subject extracted from a provider token.
type Identity struct {
	Subject string `json:"subject"`
	Email   string `json:"email"`
	Name    string `json:"name"`
}

var ErrInvalidToken = errors.New("invalid identity token")

// Verifier checks a raw bearer token and returns the identity it asserts.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// HashToken derives a cache key from a raw token so the token itself is
// never stored.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// DisplayName picks a human-readable name for an identity, falling back to
// the email local part when the provider supplied no name claim.
func DisplayName(id Identity) string {
	if strings.TrimSpace(id.Name) != "" {
		return strings.TrimSpace(id.Name)
	}
	if at := strings.Index(id.Email, "@"); at > 0 {
		return id.Email[:at]
	}
	return "User"
}
