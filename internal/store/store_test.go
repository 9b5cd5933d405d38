package store

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"

	"github.com/dbpulse/ingest/internal/encryption"
	"github.com/dbpulse/ingest/internal/models"
)

const testLocalKey = "test-findings-key"

// getTestDSN returns the test database DSN from environment
func getTestDSN() string {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		dsn = "host=localhost port=5432 user=dbpulse password=dbpulse_password dbname=dbpulse_test sslmode=disable"
	}
	return dsn
}

// skipIfNoTestDB skips the test if no test database is available. Tests that
// hit the local encryption path additionally need the pgcrypto extension.
func skipIfNoTestDB(t *testing.T) *Store {
	t.Helper()

	store, err := New(Config{
		DSN:          getTestDSN(),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	})
	if err != nil {
		t.Skipf("Skipping test, database not available: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Skipf("Skipping test, database not reachable: %v", err)
		return nil
	}

	var probe []byte
	if err := store.db.GetContext(ctx, &probe, `SELECT pgp_sym_encrypt('probe', 'k')`); err != nil {
		t.Skipf("Skipping test, pgcrypto not available: %v", err)
		return nil
	}

	return store
}

func sampleRequest(company string) *models.SubmissionRequest {
	findings := models.JSONB{
		"db_metadata": map[string]interface{}{
			"version":      "16.3",
			"cluster_name": "prod-east",
			"infrastructure": map[string]interface{}{
				"provider": "aws",
			},
		},
		"cluster_info": map[string]interface{}{
			"node_count": float64(3),
		},
	}
	raw, _ := json.Marshal(findings)

	return &models.SubmissionRequest{
		TargetInfo: models.TargetInfo{
			CompanyName: company,
			DBType:      "postgres",
			Host:        "db1.internal",
			Port:        5432,
			Database:    "orders",
		},
		FindingsJSON:       string(raw),
		StructuredFindings: findings,
		ADocContent:        "= Health Check Report\n\nAll good.",
		AnalysisResults: models.JSONB{
			"health_score": 81.5,
			"critical_issues": []interface{}{
				map[string]interface{}{
					"rule_config_name": "conn_saturation",
					"metric":           "max_connections",
					"analysis": map[string]interface{}{
						"score":           9.5,
						"reasoning":       "pool exhausted",
						"recommendations": []interface{}{"add a pooler"},
					},
					"data": map[string]interface{}{"used_pct": 98.0},
				},
			},
			"medium_priority_issues": []interface{}{
				map[string]interface{}{
					"rule_config_name": "idx_unused",
					"metric":           "unused_indexes",
				},
			},
		},
		SubmittedBy:   "dba@acme.test",
		SubmittedHost: "bastion-1",
		ToolVersion:   "1.4.2",
	}
}

func TestRunRepository_InsertAndRoundTrip(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	repo := NewRunRepository(encryption.NewLocal(testLocalKey), nil)

	req := sampleRequest("Acme-" + randomSuffix())
	runID, err := repo.Insert(ctx, store.DB(), req)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if runID == 0 {
		t.Fatal("expected generated run id")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run == nil {
		t.Fatal("expected run row to exist after insert")
	}

	if run.EncryptionMode != models.EncryptionModeLocal {
		t.Errorf("expected encryption_mode local, got %s", run.EncryptionMode)
	}
	if run.DBVersion != "16.3" {
		t.Errorf("expected extracted version 16.3, got %q", run.DBVersion)
	}
	if run.VersionMajor == nil || *run.VersionMajor != 16 {
		t.Errorf("expected major 16, got %v", run.VersionMajor)
	}
	if run.VersionMinor == nil || *run.VersionMinor != 3 {
		t.Errorf("expected minor 3, got %v", run.VersionMinor)
	}
	if run.ClusterName != "prod-east" {
		t.Errorf("expected cluster prod-east, got %q", run.ClusterName)
	}
	if run.NodeCount == nil || *run.NodeCount != 3 {
		t.Errorf("expected node count 3, got %v", run.NodeCount)
	}
	if run.HealthScore == nil || *run.HealthScore != 81.5 {
		t.Errorf("expected health score 81.5, got %v", run.HealthScore)
	}

	// Round trip: stored ciphertext must decrypt back to the submitted JSON.
	plaintext, err := repo.DecryptFindings(ctx, store.DB(), run)
	if err != nil {
		t.Fatalf("DecryptFindings failed: %v", err)
	}
	if plaintext != req.FindingsJSON {
		t.Errorf("round trip mismatch:\nwant %s\ngot  %s", req.FindingsJSON, plaintext)
	}

	rules, err := store.ListTriggeredRules(ctx, runID)
	if err != nil {
		t.Fatalf("ListTriggeredRules failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 triggered rules, got %d", len(rules))
	}
	if rules[0].Severity != models.SeverityCritical || rules[0].SeverityScore != 9.5 {
		t.Errorf("unexpected first rule: %+v", rules[0])
	}
	if rules[1].Severity != models.SeverityMedium || rules[1].SeverityScore != 5.0 {
		t.Errorf("expected medium rule with default score, got %+v", rules[1])
	}
}

func TestRunRepository_CompanyIdempotent(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	repo := NewRunRepository(encryption.NewLocal(testLocalKey), nil)

	company := "Idempotent-" + randomSuffix()

	firstID, err := repo.Insert(ctx, store.DB(), sampleRequest(company))
	if err != nil {
		t.Fatalf("first Insert failed: %v", err)
	}
	secondID, err := repo.Insert(ctx, store.DB(), sampleRequest(company))
	if err != nil {
		t.Fatalf("second Insert failed: %v", err)
	}

	first, _ := store.GetRun(ctx, firstID)
	second, _ := store.GetRun(ctx, secondID)
	if first == nil || second == nil {
		t.Fatal("expected both runs to exist")
	}
	if first.CompanyID != second.CompanyID {
		t.Errorf("expected same company id, got %d and %d", first.CompanyID, second.CompanyID)
	}
}

// xorKMS wraps data keys with a fixed XOR pad; enough to exercise the
// envelope path without AWS.
type xorKMS struct{}

func (xorKMS) GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	plaintext := make([]byte, 32)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, err
	}
	return &kms.GenerateDataKeyOutput{Plaintext: plaintext, CiphertextBlob: xorPad(plaintext)}, nil
}

func (xorKMS) Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: xorPad(params.CiphertextBlob)}, nil
}

func xorPad(key []byte) []byte {
	out := make([]byte, len(key))
	for i, b := range key {
		out[i] = b ^ 0x6c
	}
	return out
}

func TestRunRepository_KMSMode(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	repo := NewRunRepository(encryption.NewWithKMSClient(xorKMS{}, "alias/findings"), nil)

	req := sampleRequest("KmsCo-" + randomSuffix())
	runID, err := repo.Insert(ctx, store.DB(), req)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.EncryptionMode != models.EncryptionModeKMS {
		t.Errorf("expected encryption_mode kms, got %s", run.EncryptionMode)
	}
	if len(run.EncryptedDataKey) == 0 {
		t.Error("expected wrapped data key to be stored")
	}

	plaintext, err := repo.DecryptFindings(ctx, store.DB(), run)
	if err != nil {
		t.Fatalf("DecryptFindings failed: %v", err)
	}
	if plaintext != req.FindingsJSON {
		t.Error("kms round trip mismatch")
	}
}

func TestRunRepository_TriggeredRulePartialFailure(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()

	tx, err := store.DB().BeginTxx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTxx failed: %v", err)
	}
	defer tx.Rollback()

	companyID, err := getOrCreateCompany(ctx, tx, "Partial-"+randomSuffix())
	if err != nil {
		t.Fatalf("getOrCreateCompany failed: %v", err)
	}

	var runID int64
	err = tx.GetContext(ctx, &runID, `
		INSERT INTO health_check_runs (company_id, technology, target_host, target_port, target_database, findings, encryption_mode, created_at)
		VALUES ($1, 'postgres', 'h', 5432, 'd', ''::bytea, 'local', NOW())
		RETURNING id
	`, companyID)
	if err != nil {
		t.Fatalf("inserting run failed: %v", err)
	}

	// Severity outside the schema's CHECK constraint must fail this row only.
	bad := models.TriggeredRule{RuleName: "bad", Metric: "m", Severity: "bogus", SeverityScore: 1}
	if err := insertTriggeredRule(ctx, tx, runID, bad); err == nil {
		t.Fatal("expected constraint violation for bogus severity")
	}

	good := models.TriggeredRule{RuleName: "good", Metric: "m", Severity: models.SeverityHigh, SeverityScore: 7}
	if err := insertTriggeredRule(ctx, tx, runID, good); err != nil {
		t.Fatalf("insert after savepoint rollback failed: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("commit after partial failure failed: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil || run == nil {
		t.Fatal("expected run row to survive the failed rule insert")
	}

	rules, err := store.ListTriggeredRules(ctx, runID)
	if err != nil {
		t.Fatalf("ListTriggeredRules failed: %v", err)
	}
	if len(rules) != 1 || rules[0].RuleName != "good" {
		t.Errorf("expected exactly the surviving rule, got %+v", rules)
	}
}

func TestStore_ListRunsAndRetention(t *testing.T) {
	store := skipIfNoTestDB(t)
	if store == nil {
		return
	}
	defer store.Close()

	ctx := context.Background()
	repo := NewRunRepository(encryption.NewLocal(testLocalKey), nil)

	company := "Listed-" + randomSuffix()
	runID, err := repo.Insert(ctx, store.DB(), sampleRequest(company))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	run, _ := store.GetRun(ctx, runID)
	runs, total, err := store.ListRuns(ctx, ListRunFilters{
		CompanyID:  &run.CompanyID,
		Technology: ptrTo("postgres"),
		Limit:      10,
	})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if total == 0 || len(runs) == 0 {
		t.Error("expected at least one run")
	}

	// Nothing this young should be pruned.
	deleted, err := store.DeleteRunsBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteRunsBefore failed: %v", err)
	}
	_ = deleted

	if run, _ := store.GetRun(ctx, runID); run == nil {
		t.Error("retention pruned a run inside the window")
	}
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	const hex = "0123456789abcdef"
	out := make([]byte, 8)
	for i, v := range b {
		out[i*2] = hex[v>>4]
		out[i*2+1] = hex[v&0x0f]
	}
	return string(out)
}

// Helper function
func ptrTo[T any](v T) *T {
	return &v
}
