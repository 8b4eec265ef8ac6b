package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

type contextKey string

// UserIDContextKey carries the authenticated subject through request
// contexts.
const UserIDContextKey contextKey = "user_id"

// UserRoleContextKey carries the subject's role.
const UserRoleContextKey contextKey = "user_role"

const devSecret = "scholar-pipeline-dev-secret-not-for-production"

// JWTMiddleware validates bearer tokens on protected routes.
type JWTMiddleware struct {
	secretKey []byte
	logger    *zap.Logger
}

// NewJWTMiddleware reads the signing secret from PIPELINE_JWT_SECRET.
// Without one it falls back to a development default and logs a
// warning; short secrets are padded to the 32-byte minimum.
func NewJWTMiddleware(logger *zap.Logger) (*JWTMiddleware, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	secret := os.Getenv("PIPELINE_JWT_SECRET")
	if secret == "" {
		secret = devSecret
		logger.Warn("Using default JWT secret - set PIPELINE_JWT_SECRET in production")
	}
	if len(secret) < 32 {
		secret = secret + strings.Repeat("x", 32-len(secret))
		logger.Warn("PIPELINE_JWT_SECRET shorter than 32 bytes, padded - set a proper secret in production")
	}
	return &JWTMiddleware{
		secretKey: []byte(secret),
		logger:    logger.Named("api.jwt"),
	}, nil
}

// Middleware wraps a handler with bearer-token validation. Paths on the
// public allowlist pass through anonymously when no token is presented;
// everything else requires a valid HMAC-signed token.
func (m *JWTMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		publicPaths := map[string]bool{
			"/health": true,
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			if publicPaths[r.URL.Path] {
				ctx := context.WithValue(r.Context(), UserIDContextKey, "anonymous")
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secretKey, nil
		})
		if err != nil || !token.Valid {
			m.logger.Warn("Invalid JWT token", zap.Error(err))
			http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			http.Error(w, "Invalid token claims", http.StatusUnauthorized)
			return
		}

		userID, ok := claims["sub"].(string)
		if !ok || userID == "" {
			userID, _ = claims["user_id"].(string)
		}
		if userID == "" {
			http.Error(w, "Token missing user identifier", http.StatusUnauthorized)
			return
		}

		role, _ := claims["role"].(string)
		if role == "" {
			role = "user"
		}

		ctx := context.WithValue(r.Context(), UserIDContextKey, userID)
		ctx = context.WithValue(ctx, UserRoleContextKey, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID extracts the authenticated subject from a request context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(UserIDContextKey).(string); ok {
		return id
	}
	return "anonymous"
}

// GetUserRole extracts the subject's role from a request context.
func GetUserRole(ctx context.Context) string {
	if role, ok := ctx.Value(UserRoleContextKey).(string); ok {
		return role
	}
	return "user"
}

func getJWTSecret() string {
	secret := os.Getenv("PIPELINE_JWT_SECRET")
	if secret == "" {
		return devSecret
	}
	if len(secret) < 32 {
		return secret + strings.Repeat("x", 32-len(secret))
	}
	return secret
}

// GenerateToken issues an HS256 token for subject with the given role,
// valid for 24 hours.
func GenerateToken(subject, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": role,
		"exp":  jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		"iat":  jwt.NewNumericDate(time.Now()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(getJWTSecret()))
}
