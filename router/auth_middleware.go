package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/masstock/masstock/wscutils"
)

// RoleAdmin marks tokens whose scope spans all tenants.
const RoleAdmin = "admin"

// Claims is the authenticated identity the middleware stores on the gin
// context for handlers to read via AuthFrom.
type Claims struct {
	ClientID uuid.UUID
	UserID   uuid.UUID
	Role     string
}

const authContextKey = "_auth_claims"

// AuthFrom returns the claims the auth middleware stored for this request.
// ok is false when the request never passed the middleware.
func AuthFrom(c *gin.Context) (Claims, bool) {
	v, exists := c.Get(authContextKey)
	if !exists {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// TokenCache remembers tokens whose signature was already verified, so hot
// pollers do not pay the verification on every request.
type TokenCache interface {
	Get(ctx context.Context, token string) (bool, error)
	Set(ctx context.Context, token string) error
}

// RedisTokenCache is a Redis implementation of TokenCache.
type RedisTokenCache struct {
	Client     redis.Cmdable
	Expiration time.Duration
}

const DefaultExpiration = 30 * time.Second

const tokenCachePrefix = "MASSTOCK_TOKEN_"

func NewRedisTokenCache(client redis.Cmdable, expiration time.Duration) *RedisTokenCache {
	if expiration == 0 {
		expiration = DefaultExpiration
	}
	return &RedisTokenCache{
		Client:     client,
		Expiration: expiration,
	}
}

// Set marks a token as verified.
func (r *RedisTokenCache) Set(ctx context.Context, token string) error {
	return r.Client.Set(ctx, tokenCachePrefix+token, true, r.Expiration).Err()
}

// Get reports whether a token was verified recently.
func (r *RedisTokenCache) Get(ctx context.Context, token string) (bool, error) {
	val, err := r.Client.Exists(ctx, tokenCachePrefix+token).Result()
	if err != nil {
		return false, err
	}
	return val > 0, nil
}

// jwtClaims is the wire shape of MasStock access tokens.
type jwtClaims struct {
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// AuthMiddleware validates bearer JWTs (HS256) and stores the resulting
// Claims on the gin context.
type AuthMiddleware struct {
	Secret []byte
	Cache  TokenCache // nil disables verified-token caching
	Logger *logharbour.Logger
}

func NewAuthMiddleware(secret []byte, cache TokenCache, logger *logharbour.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		Secret: secret,
		Cache:  cache,
		Logger: logger,
	}
}

// MiddlewareFunc returns a gin.HandlerFunc (middleware) that checks for a valid token.
func (a *AuthMiddleware) MiddlewareFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		rawToken, err := ExtractToken(c.Request.Header.Get("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, wscutils.NewErrorResponse(
				wscutils.NewApiError(http.StatusUnauthorized, wscutils.ErrCodeUnauthorized, "missing bearer token")))
			return
		}

		verified := false
		if a.Cache != nil {
			cached, err := a.Cache.Get(c.Request.Context(), rawToken)
			if err != nil {
				// Cache trouble must not lock clients out; fall through to
				// full verification.
				a.Logger.Warn().LogActivity("Token cache unavailable", map[string]any{"error": err.Error()})
			}
			verified = cached
		}

		claims, err := a.parse(rawToken, verified)
		if err != nil {
			a.Logger.Debug0().LogActivity("Token rejected", map[string]any{"error": err.Error()})
			c.AbortWithStatusJSON(http.StatusUnauthorized, wscutils.NewErrorResponse(
				wscutils.NewApiError(http.StatusUnauthorized, wscutils.ErrCodeUnauthorized, "invalid token")))
			return
		}

		if a.Cache != nil && !verified {
			if err := a.Cache.Set(c.Request.Context(), rawToken); err != nil {
				a.Logger.Warn().LogActivity("Token cache set failed", map[string]any{"error": err.Error()})
			}
		}

		c.Set(authContextKey, claims)
		c.Next()
	}
}

// parse verifies the token signature (skipping it only for cache hits, which
// were verified within the cache window) and maps the JWT claims to Claims.
func (a *AuthMiddleware) parse(rawToken string, skipVerify bool) (Claims, error) {
	var wire jwtClaims
	if skipVerify {
		if _, _, err := jwt.NewParser().ParseUnverified(rawToken, &wire); err != nil {
			return Claims{}, err
		}
	} else {
		_, err := jwt.ParseWithClaims(rawToken, &wire, func(t *jwt.Token) (any, error) {
			return a.Secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return Claims{}, err
		}
	}

	clientID, err := uuid.Parse(wire.ClientID)
	if err != nil {
		return Claims{}, fmt.Errorf("token carries no valid client_id")
	}
	userID, err := uuid.Parse(wire.UserID)
	if err != nil {
		return Claims{}, fmt.Errorf("token carries no valid user_id")
	}
	return Claims{ClientID: clientID, UserID: userID, Role: wire.Role}, nil
}

// ExtractToken extracts the token from the Authorization header.
func ExtractToken(headerValue string) (string, error) {
	const prefix = "Bearer "

	if !strings.HasPrefix(headerValue, prefix) {
		return "", fmt.Errorf("missing or incorrect Authorization header format")
	}

	token := strings.TrimPrefix(headerValue, prefix)
	if token == "" {
		return "", fmt.Errorf("missing token in Authorization header")
	}

	return token, nil
}
