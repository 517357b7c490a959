// Package auth - jwt.go verifies the HS256 session tokens minted by the account service.
// A session token is how an interactive user bootstraps their first API key; its user_id claim
// is the owner id every key is bound to.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// EnvJWTSecret names the shared HS256 secret.
	EnvJWTSecret = "CARP_JWT_SECRET"
	// EnvDevMode enables development defaults, including a throwaway session secret.
	EnvDevMode = "CARP_DEV_MODE"

	// DefaultSessionTTL applies when GenerateJWT is given a zero lifetime.
	DefaultSessionTTL = time.Hour
	// minSecretLength is the shortest secret accepted without a warning.
	minSecretLength = 32
	// clockSkew is tolerated on exp and iat between the account service and the registry.
	clockSkew = 30 * time.Second
)

// jwtIssuer is the iss claim on tokens minted by GenerateJWT.
const jwtIssuer = "carp-registry"

var (
	jwtSecret     string
	jwtSecretOnce sync.Once
	jwtSecretErr  error
)

// Claims are the session token claims. UserID is the owner id for API keys.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// isDevMode reads the environment directly; auth sits below config in the import graph.
func isDevMode() bool {
	switch os.Getenv(EnvDevMode) {
	case "true", "1":
		return true
	}
	return os.Getenv("GIN_MODE") == "debug"
}

func randomSecret() string {
	b := make([]byte, minSecretLength)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("dev-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// ValidateJWTSecret loads the session secret once. Outside dev mode a missing secret is fatal;
// in dev mode a random one is generated and sessions do not survive a restart.
// Call it at startup.
func ValidateJWTSecret() error {
	jwtSecretOnce.Do(func() {
		secret := os.Getenv(EnvJWTSecret)
		switch {
		case secret == "" && isDevMode():
			jwtSecret = randomSecret()
			slog.Warn(EnvJWTSecret + " not set, using an auto-generated development secret; sessions will not survive restarts")
		case secret == "":
			jwtSecretErr = errors.New("SECURITY ERROR: " + EnvJWTSecret + " environment variable is required in production. " +
				"Generate a secure secret with: openssl rand -hex 32")
		default:
			if len(secret) < minSecretLength {
				slog.Warn(EnvJWTSecret+" is shorter than the recommended length", "min_length", minSecretLength)
			}
			jwtSecret = secret
		}
	})
	return jwtSecretErr
}

// GetJWTSecret returns the session secret, loading it on first use.
// It panics when no secret can be loaded.
func GetJWTSecret() string {
	if jwtSecret == "" {
		if err := ValidateJWTSecret(); err != nil {
			panic(err)
		}
	}
	return jwtSecret
}

// GenerateJWT mints a session token for userID. The registry runs no login flow of its own;
// this serves the account service integration and tests.
func GenerateJWT(userID, email string, expiresIn time.Duration) (string, error) {
	if expiresIn == 0 {
		expiresIn = DefaultSessionTTL
	}
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(GetJWTSecret()))
}

// ValidateJWT verifies signature, expiry and the user_id claim. Only HMAC-SHA256 is accepted.
func ValidateJWT(tokenString string) (*Claims, error) {
	secret := []byte(GetJWTSecret())
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == "" {
		return nil, errors.New("token has no user_id claim")
	}
	return claims, nil
}
