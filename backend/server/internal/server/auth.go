package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tunnelgate/tunnelgate/shared"
)

var (
	ErrMissingToken = errors.New("missing authorization token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

type contextKey string

const userContextKey contextKey = "user"

// UserClaims is the authenticated identity attached to every user-facing
// request. Tokens are minted by the account service; this backend only
// verifies them.
type UserClaims struct {
	UserId string
	Role   string
}

func (c *UserClaims) IsPremium() bool {
	return c.Role == shared.RolePremium || c.Role == shared.RoleAdmin
}

func validateToken(tokenString string, secret []byte) (*UserClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	userId, _ := claims["user_id"].(string)
	if userId == "" {
		return nil, ErrInvalidToken
	}
	role, _ := claims["role"].(string)
	if role == "" {
		role = shared.RoleUser
	}
	return &UserClaims{UserId: userId, Role: role}, nil
}

// SignToken mints a token for the given identity. Used by tests and by the
// local dev setup; production tokens come from the account service with the
// same secret.
func SignToken(secret []byte, userId, role string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userId,
		"role":    role,
		"iat":     time.Now().Unix(),
		"exp":     time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

// withUserAuth rejects requests without a valid bearer token and attaches
// the verified claims to the request context.
func (s *Server) withUserAuth() Middleware {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "missing authorization header", http.StatusUnauthorized)
				return
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
				return
			}
			claims, err := validateToken(parts[1], s.jwtSecret)
			if err != nil {
				if errors.Is(err, ErrExpiredToken) {
					http.Error(w, "token has expired", http.StatusUnauthorized)
				} else {
					http.Error(w, "invalid token", http.StatusUnauthorized)
				}
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, claims)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getUserClaims(r *http.Request) *UserClaims {
	claims, ok := r.Context().Value(userContextKey).(*UserClaims)
	if !ok {
		panic("request reached an authenticated handler without claims")
	}
	return claims
}

// withBasicAuth guards the /internal/ endpoints. Only the sha256 of the
// admin password is held in memory, and comparison is constant-time.
func (s *Server) withBasicAuth() Middleware {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if ok {
				unencodedHash := sha256.Sum256([]byte(password))
				passwordHash := hex.EncodeToString(unencodedHash[:])

				usernameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(s.adminUsername)) == 1
				passwordMatch := subtle.ConstantTimeCompare([]byte(passwordHash), []byte(s.adminPasswordHash)) == 1

				if usernameMatch && passwordMatch {
					h.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="tunnelgate", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		})
	}
}
