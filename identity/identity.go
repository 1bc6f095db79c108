// Package identity models the authenticated editing identity attached to a
// connection. The transport layer authenticates; this package only carries the
// result and derives the stable fingerprint used as a cache axis.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is one authenticated principal.
type Identity struct {
	User  string   `json:"user"`
	Role  string   `json:"role,omitempty"`
	Roles []string `json:"roles,omitempty"`
	Admin bool     `json:"admin,omitempty"`
}

// Fingerprint returns a stable key for this identity, insensitive to role
// ordering. Two identities with the same fingerprint resolve to the same
// permissions.
func (id Identity) Fingerprint() string {
	roles := make([]string, len(id.Roles))
	copy(roles, id.Roles)
	sort.Strings(roles)

	var b strings.Builder
	b.WriteString(id.User)
	b.WriteByte('|')
	b.WriteString(id.Role)
	b.WriteByte('|')
	b.WriteString(strings.Join(roles, ","))
	if id.Admin {
		b.WriteString("|admin")
	}
	return b.String()
}

// ErrInvalidToken is returned by FromToken for tokens that fail validation or
// carry no subject.
var ErrInvalidToken = errors.New("identity: invalid token")

// FromToken derives an Identity from a bearer token's claims. The transport
// has already decided to trust the token issuer; keyfn verifies the signature.
// Recognized claims: sub (user), role, roles, admin.
func FromToken(raw string, keyfn jwt.Keyfunc) (Identity, error) {
	token, err := jwt.Parse(raw, keyfn)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, ErrInvalidToken
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	id := Identity{User: sub}

	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}
	if admin, ok := claims["admin"].(bool); ok {
		id.Admin = admin
	}
	if roles, ok := claims["roles"].([]any); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				id.Roles = append(id.Roles, s)
			}
		}
	}

	return id, nil
}
