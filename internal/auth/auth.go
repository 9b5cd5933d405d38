// Package auth authenticates collector submissions. Collectors present
// either an API key (hashed at rest, looked up by prefix) or a signed bearer
// token whose claims carry the submitter identity recorded on the run.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/dbpulse/ingest/internal/models"
)

var (
	ErrInvalidAPIKey = errors.New("invalid api key")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrUnauthorized  = errors.New("unauthorized")
)

const apiKeyPrefixLen = 8

// Claims are the collector token claims; they become the submitter identity
// on the stored run.
type Claims struct {
	User        string `json:"user"`
	Hostname    string `json:"hostname"`
	ToolVersion string `json:"tool_version"`
	jwt.RegisteredClaims
}

// Identity is whoever a request authenticated as.
type Identity struct {
	APIKeyID    *int64
	User        string
	Hostname    string
	ToolVersion string
}

type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	Issuer      string
}

type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id int64) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

type Service struct {
	config Config
	keys   KeyStore
}

func NewService(config Config, keys KeyStore) *Service {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = 24 * time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "dbpulse"
	}

	return &Service{config: config, keys: keys}
}

// GenerateAPIKey mints a raw key of the form dbp_<prefix>_<secret>. Only the
// bcrypt hash and the prefix are stored; the raw key is shown once.
func GenerateAPIKey() (raw, prefix string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	secret := base64.RawURLEncoding.EncodeToString(bytes)
	prefix = secret[:apiKeyPrefixLen]
	return fmt.Sprintf("dbp_%s_%s", prefix, secret[apiKeyPrefixLen:]), prefix, nil
}

func HashAPIKey(raw string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing api key: %w", err)
	}
	return string(hash), nil
}

func keyPrefix(raw string) (string, bool) {
	parts := strings.SplitN(raw, "_", 3)
	if len(parts) != 3 || parts[0] != "dbp" || len(parts[1]) != apiKeyPrefixLen {
		return "", false
	}
	return parts[1], true
}

// ValidateAPIKey resolves a raw key to its stored record.
func (s *Service) ValidateAPIKey(ctx context.Context, raw string) (*models.APIKey, error) {
	prefix, ok := keyPrefix(raw)
	if !ok {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.keys.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("looking up api key: %w", err)
	}
	if key == nil || !key.Active {
		return nil, ErrInvalidAPIKey
	}

	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(raw)) != nil {
		return nil, ErrInvalidAPIKey
	}

	_ = s.keys.TouchAPIKey(ctx, key.ID)

	return key, nil
}

// IssueToken signs a collector token carrying the submitter identity.
func (s *Service) IssueToken(user, hostname, toolVersion string) (string, error) {
	now := time.Now()
	claims := &Claims{
		User:        user,
		Hostname:    hostname,
		ToolVersion: toolVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.config.Issuer,
			Subject:   user,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

type contextKey string

const identityContextKey contextKey = "identity"

func GetIdentity(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(*Identity)
	return identity, ok
}

// Middleware accepts either an X-API-Key header or a bearer collector token
// and attaches the resolved identity to the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
			key, err := s.ValidateAPIKey(r.Context(), rawKey)
			if err != nil {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			identity := &Identity{APIKeyID: &key.ID}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), identityContextKey, identity)))
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			http.Error(w, "invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := s.ValidateToken(parts[1])
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		identity := &Identity{
			User:        claims.User,
			Hostname:    claims.Hostname,
			ToolVersion: claims.ToolVersion,
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), identityContextKey, identity)))
	})
}
