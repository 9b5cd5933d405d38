package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dbpulse/ingest/internal/models"
)

type fakeKeyStore struct {
	keys    map[string]*models.APIKey
	touched []int64
}

func (f *fakeKeyStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*models.APIKey, error) {
	return f.keys[prefix], nil
}

func (f *fakeKeyStore) TouchAPIKey(ctx context.Context, id int64) error {
	f.touched = append(f.touched, id)
	return nil
}

func (f *fakeKeyStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return nil
}

func newTestService(keys KeyStore) *Service {
	return NewService(Config{JWTSecret: "test-secret", TokenExpiry: time.Hour}, keys)
}

func TestTokenRoundTrip(t *testing.T) {
	svc := newTestService(nil)

	token, err := svc.IssueToken("alice", "db-host-1", "1.4.2")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims.User != "alice" || claims.Hostname != "db-host-1" || claims.ToolVersion != "1.4.2" {
		t.Errorf("unexpected claims: %+v", claims)
	}
}

func TestValidateToken_WrongSecret(t *testing.T) {
	svc := newTestService(nil)
	other := NewService(Config{JWTSecret: "other-secret"}, nil)

	token, err := svc.IssueToken("alice", "h", "1.0")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateToken_Expired(t *testing.T) {
	svc := NewService(Config{JWTSecret: "test-secret", TokenExpiry: -time.Minute}, nil)

	token, err := svc.IssueToken("alice", "h", "1.0")
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := svc.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestGenerateAPIKeyFormat(t *testing.T) {
	raw, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}

	if !strings.HasPrefix(raw, "dbp_"+prefix+"_") {
		t.Errorf("key %q does not carry prefix %q", raw, prefix)
	}
	if len(prefix) != apiKeyPrefixLen {
		t.Errorf("expected prefix of %d chars, got %d", apiKeyPrefixLen, len(prefix))
	}

	got, ok := keyPrefix(raw)
	if !ok || got != prefix {
		t.Errorf("keyPrefix(%q) = %q, %v", raw, got, ok)
	}
}

func TestValidateAPIKey(t *testing.T) {
	raw, prefix, err := GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey failed: %v", err)
	}
	hash, err := HashAPIKey(raw)
	if err != nil {
		t.Fatalf("HashAPIKey failed: %v", err)
	}

	store := &fakeKeyStore{keys: map[string]*models.APIKey{
		prefix: {ID: 7, KeyHash: hash, KeyPrefix: prefix, Active: true},
	}}
	svc := newTestService(store)
	ctx := context.Background()

	key, err := svc.ValidateAPIKey(ctx, raw)
	if err != nil {
		t.Fatalf("ValidateAPIKey failed: %v", err)
	}
	if key.ID != 7 {
		t.Errorf("expected key id 7, got %d", key.ID)
	}
	if len(store.touched) != 1 || store.touched[0] != 7 {
		t.Errorf("expected last-use touch for key 7, got %v", store.touched)
	}

	tests := []struct {
		name string
		raw  string
	}{
		{"unknown prefix", "dbp_zzzzzzzz_secret"},
		{"malformed", "not-a-key"},
		{"wrong secret", "dbp_" + prefix + "_wrongsecret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateAPIKey(ctx, tt.raw); !errors.Is(err, ErrInvalidAPIKey) {
				t.Errorf("expected ErrInvalidAPIKey, got %v", err)
			}
		})
	}
}

func TestValidateAPIKey_Inactive(t *testing.T) {
	raw, prefix, _ := GenerateAPIKey()
	hash, _ := HashAPIKey(raw)

	store := &fakeKeyStore{keys: map[string]*models.APIKey{
		prefix: {ID: 3, KeyHash: hash, KeyPrefix: prefix, Active: false},
	}}
	svc := newTestService(store)

	if _, err := svc.ValidateAPIKey(context.Background(), raw); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for deactivated key, got %v", err)
	}
}
