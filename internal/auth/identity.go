package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// TokenCookie is the cookie consulted when neither the query string nor the
// Authorization header carries a token.
const TokenCookie = "token"

var (
	ErrEmptySecret  = errors.New("JWT secret cannot be empty")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the token body: the standard registered claims plus the groups
// the user belongs to. The first group decides the role.
type Claims struct {
	Groups []string `json:"groups,omitempty"`
	jwt.RegisteredClaims
}

// JWTIdentity resolves principals from HS256 tokens.
type JWTIdentity struct {
	secret []byte
	logger *zap.Logger
}

var _ interfaces.Identity = (*JWTIdentity)(nil)

func NewJWTIdentity(secret string, logger *zap.Logger) (*JWTIdentity, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &JWTIdentity{secret: []byte(secret), logger: logger.Named("auth")}, nil
}

// Resolve implements interfaces.Identity. A missing, expired or tampered
// token yields an anonymous principal and a nil error.
func (i *JWTIdentity) Resolve(ctx context.Context, r *http.Request) (types.Principal, error) {
	anonymous := types.Principal{Role: types.RoleAnonymous}

	raw := tokenFromRequest(r)
	if raw == "" {
		return anonymous, nil
	}

	principal, err := i.ParseToken(raw)
	if err != nil {
		i.logger.Debug("rejected token", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return anonymous, nil
	}
	return principal, nil
}

// ParseToken validates raw and maps its claims to a principal.
func (i *JWTIdentity) ParseToken(raw string) (types.Principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return types.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !types.IsValidUserID(claims.Subject) {
		return types.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, types.ErrInvalidUserID)
	}

	group := ""
	if len(claims.Groups) > 0 {
		group = claims.Groups[0]
	}
	role := types.ParseRole(group)
	if role == types.RoleAnonymous {
		return types.Principal{}, fmt.Errorf("%w: anonymous group", ErrInvalidToken)
	}

	return types.Principal{UserID: claims.Subject, Role: role}, nil
}

// IssueToken signs a token for sub in group that expires after ttl.
// Used by the token command to mint credentials for local testing.
func IssueToken(secret, sub, group string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if !types.IsValidUserID(sub) {
		return "", types.ErrInvalidUserID
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if group != "" {
		claims.Groups = []string{group}
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TECHNICAL DISCOVERY: Browsers cannot set headers on a WebSocket handshake,
// so the query string is checked first.
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return strings.TrimPrefix(token, "Bearer ")
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}
