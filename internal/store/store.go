package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/dbpulse/ingest/internal/models"
)

type Store struct {
	db *sqlx.DB
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) GetCompanyByName(ctx context.Context, name string) (*models.Company, error) {
	var company models.Company
	query := `SELECT * FROM companies WHERE name = $1`
	err := s.db.GetContext(ctx, &company, query, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &company, err
}

func (s *Store) GetRun(ctx context.Context, id int64) (*models.HealthCheckRun, error) {
	var run models.HealthCheckRun
	query := `SELECT * FROM health_check_runs WHERE id = $1`
	err := s.db.GetContext(ctx, &run, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &run, err
}

type ListRunFilters struct {
	CompanyID  *int64
	Technology *string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

func (s *Store) ListRuns(ctx context.Context, filters ListRunFilters) ([]models.HealthCheckRun, int, error) {
	baseQuery := `FROM health_check_runs WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if filters.CompanyID != nil {
		baseQuery += fmt.Sprintf(" AND company_id = $%d", argIdx)
		args = append(args, *filters.CompanyID)
		argIdx++
	}
	if filters.Technology != nil {
		baseQuery += fmt.Sprintf(" AND technology = $%d", argIdx)
		args = append(args, *filters.Technology)
		argIdx++
	}
	if filters.Since != nil {
		baseQuery += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *filters.Since)
		argIdx++
	}
	if filters.Until != nil {
		baseQuery += fmt.Sprintf(" AND created_at < $%d", argIdx)
		args = append(args, *filters.Until)
	}

	var total int
	countQuery := "SELECT COUNT(*) " + baseQuery
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	selectQuery := "SELECT * " + baseQuery + " ORDER BY created_at DESC"
	if filters.Limit > 0 {
		selectQuery += fmt.Sprintf(" LIMIT %d", filters.Limit)
	}
	if filters.Offset > 0 {
		selectQuery += fmt.Sprintf(" OFFSET %d", filters.Offset)
	}

	var runs []models.HealthCheckRun
	if err := s.db.SelectContext(ctx, &runs, selectQuery, args...); err != nil {
		return nil, 0, err
	}

	return runs, total, nil
}

func (s *Store) ListTriggeredRules(ctx context.Context, runID int64) ([]models.TriggeredRule, error) {
	var rules []models.TriggeredRule
	query := `SELECT * FROM triggered_rules WHERE run_id = $1 ORDER BY id ASC`
	err := s.db.SelectContext(ctx, &rules, query, runID)
	return rules, err
}

// DeleteRunsBefore prunes runs older than the retention cutoff; triggered
// rules go with them via ON DELETE CASCADE.
func (s *Store) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM health_check_runs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return result.RowsAffected()
}

type IngestCounts struct {
	TotalRuns      int `db:"total_runs"`
	RunsLast24h    int `db:"runs_last_24h"`
	TotalCompanies int `db:"total_companies"`
	TriggeredRules int `db:"triggered_rules"`
	CriticalRules  int `db:"critical_rules"`
}

func (s *Store) GetIngestCounts(ctx context.Context) (*IngestCounts, error) {
	counts := &IngestCounts{}

	query := `
		SELECT
			(SELECT COUNT(*) FROM health_check_runs) AS total_runs,
			(SELECT COUNT(*) FROM health_check_runs WHERE created_at > NOW() - INTERVAL '24 hours') AS runs_last_24h,
			(SELECT COUNT(*) FROM companies) AS total_companies,
			(SELECT COUNT(*) FROM triggered_rules) AS triggered_rules,
			(SELECT COUNT(*) FROM triggered_rules WHERE severity = 'critical') AS critical_rules
	`

	err := s.db.GetContext(ctx, counts, query)
	if err != nil {
		return nil, fmt.Errorf("getting ingest counts: %w", err)
	}

	return counts, nil
}
