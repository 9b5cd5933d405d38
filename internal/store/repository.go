package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/dbpulse/ingest/internal/encryption"
	"github.com/dbpulse/ingest/internal/metadata"
	"github.com/dbpulse/ingest/internal/models"
	"github.com/dbpulse/ingest/internal/rulefindings"
)

// TxBeginner is satisfied by *sqlx.DB and *sqlx.Conn, so the same insert path
// serves the direct, pooled and queue-worker callers.
type TxBeginner interface {
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

// RunRepository persists one health-check run and its triggered rules in a
// single transaction.
type RunRepository struct {
	gateway *encryption.Gateway
	logger  *slog.Logger
}

func NewRunRepository(gateway *encryption.Gateway, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRepository{gateway: gateway, logger: logger}
}

// Insert writes the run row and its triggered rules, returning the generated
// run id. Everything happens in one transaction: any failure before commit
// rolls the whole run back, except individual triggered-rule inserts, which
// are logged and skipped behind savepoints so the run record survives them.
func (r *RunRepository) Insert(ctx context.Context, db TxBeginner, req *models.SubmissionRequest) (int64, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	companyID, err := getOrCreateCompany(ctx, tx, req.TargetInfo.CompanyName)
	if err != nil {
		return 0, fmt.Errorf("resolving company: %w", err)
	}

	meta := metadata.Extract(req.StructuredFindings)
	rules := rulefindings.Extract(req.AnalysisResults)
	healthScore := rulefindings.HealthScore(req.AnalysisResults)

	env, err := r.gateway.Encrypt(ctx, tx, req.FindingsJSON)
	if err != nil {
		return 0, fmt.Errorf("encrypting findings: %w", err)
	}

	var runID int64
	err = tx.GetContext(ctx, &runID, `
		INSERT INTO health_check_runs (
			company_id, technology, target_host, target_port, target_database,
			findings, encrypted_data_key, encryption_mode, report_text,
			submitted_by, submitted_host, tool_version, prompt_template, ai_metrics,
			db_version, version_major, version_minor, cluster_name, node_count,
			infra_metadata, health_score, api_key_id, submitted_from_ip, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, NOW()
		)
		RETURNING id
	`,
		companyID, req.TargetInfo.DBType, req.TargetInfo.Host, req.TargetInfo.Port,
		req.TargetInfo.Database, env.Ciphertext, env.EncryptedDataKey, env.Mode,
		req.ADocContent, req.SubmittedBy, req.SubmittedHost, req.ToolVersion,
		req.PromptTemplate, req.AIMetrics, meta.DBVersion, meta.VersionMajor,
		meta.VersionMinor, clusterName(meta, req), meta.NodeCount, meta.InfraMetadata,
		healthScore, req.APIKeyID, req.SubmittedFromIP,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}

	for i, rule := range rules {
		if err := insertTriggeredRule(ctx, tx, runID, rule); err != nil {
			// The run record is the source of truth; a dropped rule row
			// degrades analytics but must not lose the finding payload.
			r.logger.Warn("skipping triggered rule",
				"run_id", runID, "index", i, "rule", rule.RuleName, "error", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing run: %w", err)
	}

	return runID, nil
}

// getOrCreateCompany resolves a company name to an id, creating the row on
// first sight. The upsert keeps the name→id mapping idempotent under
// concurrent submissions.
func getOrCreateCompany(ctx context.Context, tx *sqlx.Tx, name string) (int64, error) {
	var id int64
	err := tx.GetContext(ctx, &id, `
		INSERT INTO companies (name, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, name)
	return id, err
}

// insertTriggeredRule runs behind a savepoint: Postgres aborts the enclosing
// transaction on any failed statement, and the savepoint is what lets one bad
// rule row be rolled back without taking the run with it.
func insertTriggeredRule(ctx context.Context, tx *sqlx.Tx, runID int64, rule models.TriggeredRule) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT triggered_rule`); err != nil {
		return fmt.Errorf("creating savepoint: %w", err)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO triggered_rules (
			run_id, rule_name, metric, severity, severity_score,
			reasoning, recommendations, trigger_data, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
	`,
		runID, rule.RuleName, rule.Metric, rule.Severity, rule.SeverityScore,
		rule.Reasoning, rule.Recommendations, rule.TriggerData,
	)
	if err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT triggered_rule`); rbErr != nil {
			return fmt.Errorf("rolling back savepoint after %v: %w", err, rbErr)
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `RELEASE SAVEPOINT triggered_rule`)
	return err
}

// DecryptFindings opens a stored run's findings payload, dispatching on the
// row's own encryption_mode tag.
func (r *RunRepository) DecryptFindings(ctx context.Context, q sqlx.QueryerContext, run *models.HealthCheckRun) (string, error) {
	return r.gateway.Decrypt(ctx, q, &encryption.Envelope{
		Mode:             run.EncryptionMode,
		Ciphertext:       run.Findings,
		EncryptedDataKey: run.EncryptedDataKey,
	})
}

func clusterName(meta models.RunMetadata, req *models.SubmissionRequest) string {
	if meta.ClusterName != "" {
		return meta.ClusterName
	}
	return req.TargetInfo.ClusterName
}
