package security

import (
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// DefaultTokenTTL is how long a bearer token minted by Login is valid
// for before the client must re-authenticate.
const DefaultTokenTTL = 24 * time.Hour

// TokenIssuer mints and validates the JWT-shaped bearer tokens §6
// specifies (HS256 over a process-wide secret). Grounded on
// evalgo-org-eve's JWTService, trimmed to the claims solidb actually
// needs: subject (username), database, and role.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer wraps the process-wide JWT signing secret
// (SOLIDB_JWT_SECRET, or a random one for a single-process dev run).
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("security: jwt secret must not be empty")
	}
	return &TokenIssuer{secret: append([]byte(nil), secret...)}, nil
}

// Claims is the decoded shape of a solidb bearer token.
type Claims struct {
	Username string
	Database string
	Role     string
	Expiry   time.Time
}

// Issue mints a signed bearer token for username scoped to database
// with the given role, valid for ttl.
func (t *TokenIssuer) Issue(username, database, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token, err := jwt.NewBuilder().
		Subject(username).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("database", database).
		Claim("role", role).
		Build()
	if err != nil {
		return "", fmt.Errorf("security: build token: %w", err)
	}

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, t.secret))
	if err != nil {
		return "", fmt.Errorf("security: sign token: %w", err)
	}
	return string(signed), nil
}

// Verify parses and validates tokenStr, checking signature and
// expiry, and returns the decoded claims.
func (t *TokenIssuer) Verify(tokenStr string) (Claims, error) {
	parsed, err := jwt.Parse([]byte(tokenStr), jwt.WithKey(jwa.HS256, t.secret))
	if err != nil {
		return Claims{}, fmt.Errorf("security: invalid token: %w", err)
	}

	var database, role string
	_ = parsed.Get("database", &database)
	_ = parsed.Get("role", &role)

	return Claims{
		Username: parsed.Subject(),
		Database: database,
		Role:     role,
		Expiry:   parsed.Expiration(),
	}, nil
}
