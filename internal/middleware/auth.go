package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vanpelt/catterm/internal/logger"
)

// TokenCookie is the cookie a browser may carry the token in
const TokenCookie = "catterm_token"

var (
	ErrMalformedToken = errors.New("malformed token")
	ErrTokenExpired   = errors.New("token expired")
	ErrBadSignature   = errors.New("invalid token signature")
)

// Claims are the signed contents of a token
type Claims struct {
	Source    string `json:"source"` // "cli" or "browser"
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Auth checks HS256-signed tokens issued with a shared secret
type Auth struct {
	secret []byte
	// public paths skip the check
	public map[string]bool
}

// NewAuth returns nil when secret is empty, which disables auth
func NewAuth(secret string, publicPaths ...string) *Auth {
	if secret == "" {
		return nil
	}
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}
	return &Auth{secret: []byte(secret), public: public}
}

// RequireAuth rejects requests without a valid token
func (a *Auth) RequireAuth(c *fiber.Ctx) error {
	if a == nil || a.public[c.Path()] {
		return c.Next()
	}

	token := extractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	claims, err := a.ValidateToken(token, time.Now())
	if err != nil {
		logger.Debugf("Auth failed for %s: %v", c.Path(), err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or expired token",
		})
	}

	c.Locals("claims", claims)
	return c.Next()
}

// extractToken checks the Authorization header, then the cookie, then the
// token query parameter (websocket clients in browsers cannot set headers)
func extractToken(c *fiber.Ctx) string {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	if cookie := c.Cookies(TokenCookie); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// ValidateToken verifies the signature and expiry of token at now
func (a *Auth) ValidateToken(token string, now time.Time) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal([]byte(sign(a.secret, parts[0]+"."+parts[1])), []byte(parts[2])) {
		return nil, ErrBadSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if now.Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

// GenerateToken issues a token for source valid for ttl
func GenerateToken(secret, source string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth secret not set")
	}

	now := time.Now()
	header, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	claims, err := json.Marshal(Claims{
		Source:    source,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	unsigned := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(claims)
	return unsigned + "." + sign([]byte(secret), unsigned), nil
}

func sign(secret []byte, input string) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
