package auth

import (
	"github.com/golang-jwt/jwt/v5"

	"github.com/cuemby/formation/pkg/ferrors"
)

// customClaims mirrors the identity provider's token shape (spec §4.10):
// subject, optional email/wallet/project, and a role string.
type customClaims struct {
	jwt.RegisteredClaims
	Email     string `json:"email,omitempty"`
	Wallet    string `json:"wallet_address,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Validator validates bearer tokens against a JWKSCache and, if
// configured, an expected audience and issuer.
type Validator struct {
	jwks     *JWKSCache
	audience string
	issuer   string
}

// NewValidator constructs a Validator. audience and issuer may be empty,
// in which case that check is skipped (spec §4.10: "if configured").
func NewValidator(jwks *JWKSCache, audience, issuer string) *Validator {
	return &Validator{jwks: jwks, audience: audience, issuer: issuer}
}

// Validate parses and verifies tokenString, returning the extracted
// Claims on success.
func (v *Validator) Validate(tokenString string) (*Claims, error) {
	var claims customClaims
	opts := []jwt.ParserOption{}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ferrors.New(ferrors.KindUnauthorized, "token missing kid header")
		}
		return v.jwks.Lookup(kid)
	}, opts...)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindUnauthorized, "invalid token", err)
	}
	if !token.Valid {
		return nil, ferrors.New(ferrors.KindUnauthorized, "invalid token")
	}

	role := Role(claims.Role)
	if role == "" {
		role = RoleUser
	}

	return &Claims{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Wallet:    claims.Wallet,
		ProjectID: claims.ProjectID,
		Role:      role,
	}, nil
}
