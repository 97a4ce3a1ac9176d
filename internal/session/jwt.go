package session

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cwrk-planet/chat-relay/internal/domain"

	"github.com/golang-jwt/jwt"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrInvalidIssuer   = errors.New("invalid issuer")
	ErrInvalidAudience = errors.New("invalid audience")
	ErrTokenExpired    = errors.New("token expired or not valid yet")
	ErrInvalidSubject  = errors.New("invalid subject")
)

// JWTResolver accepts RS256 access tokens whose subject is the user id,
// then loads the nickname from the identity store.
type JWTResolver struct {
	public     *rsa.PublicKey
	issuer     string
	audience   string
	clockSkew  time.Duration
	identities IdentityStore
	now        func() time.Time
}

func NewJWTResolver(public *rsa.PublicKey, issuer, audience string, clockSkew time.Duration, identities IdentityStore) *JWTResolver {
	return &JWTResolver{
		public:     public,
		issuer:     issuer,
		audience:   audience,
		clockSkew:  clockSkew,
		identities: identities,
		now:        time.Now,
	}
}

func (r *JWTResolver) CurrentIdentity(ctx context.Context, token string) (domain.Identity, error) {
	claims, err := r.parse(token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	uid, err := domain.ParseUserID(claims.Subject)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, ErrInvalidSubject)
	}

	ident, err := r.identities.Identity(ctx, uid)
	if errors.Is(err, domain.ErrUnknownIdentity) {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}

	return ident, err
}

func (r *JWTResolver) parse(tokenStr string) (*jwt.StandardClaims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}
	claims := &jwt.StandardClaims{}
	parser := &jwt.Parser{SkipClaimsValidation: true} // time claims are checked below with skew
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, ErrInvalidToken
		}
		return r.public, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if !claims.VerifyIssuer(r.issuer, true) {
		return nil, ErrInvalidIssuer
	}
	if r.audience != "" && !claims.VerifyAudience(r.audience, true) {
		return nil, ErrInvalidAudience
	}

	now := r.now()
	nbf := time.Unix(claims.NotBefore, 0).Add(-r.clockSkew)
	exp := time.Unix(claims.ExpiresAt, 0).Add(r.clockSkew)
	if now.Before(nbf) || now.After(exp) {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return jwt.ParseRSAPublicKeyFromPEM(b)
}
