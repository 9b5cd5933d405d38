package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type EncryptionMode string

const (
	EncryptionModeLocal EncryptionMode = "local"
	EncryptionModeKMS   EncryptionMode = "kms"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

type BackendMode string

const (
	BackendDirect     BackendMode = "direct"
	BackendPooled     BackendMode = "pooled"
	BackendAsyncQueue BackendMode = "async_queue"
	BackendDisabled   BackendMode = "disabled"
)

type SubmitStatus string

const (
	SubmitCompleted SubmitStatus = "completed"
	SubmitAccepted  SubmitStatus = "accepted"
	SubmitRejected  SubmitStatus = "rejected"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

type Company struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// HealthCheckRun is one ingested health-check submission. Rows are written
// exactly once and never updated; the encryption_mode column records how the
// findings column must be decrypted.
type HealthCheckRun struct {
	ID               int64          `json:"id" db:"id"`
	CompanyID        int64          `json:"company_id" db:"company_id"`
	Technology       string         `json:"technology" db:"technology"`
	TargetHost       string         `json:"target_host" db:"target_host"`
	TargetPort       int            `json:"target_port" db:"target_port"`
	TargetDatabase   string         `json:"target_database" db:"target_database"`
	Findings         []byte         `json:"-" db:"findings"`
	EncryptedDataKey []byte         `json:"-" db:"encrypted_data_key"`
	EncryptionMode   EncryptionMode `json:"encryption_mode" db:"encryption_mode"`
	ReportText       string         `json:"report_text,omitempty" db:"report_text"`
	SubmittedBy      string         `json:"submitted_by,omitempty" db:"submitted_by"`
	SubmittedHost    string         `json:"submitted_host,omitempty" db:"submitted_host"`
	ToolVersion      string         `json:"tool_version,omitempty" db:"tool_version"`
	PromptTemplate   string         `json:"prompt_template,omitempty" db:"prompt_template"`
	AIMetrics        JSONB          `json:"ai_metrics,omitempty" db:"ai_metrics"`
	DBVersion        string         `json:"db_version,omitempty" db:"db_version"`
	VersionMajor     *int           `json:"version_major,omitempty" db:"version_major"`
	VersionMinor     *int           `json:"version_minor,omitempty" db:"version_minor"`
	ClusterName      string         `json:"cluster_name,omitempty" db:"cluster_name"`
	NodeCount        *int           `json:"node_count,omitempty" db:"node_count"`
	InfraMetadata    JSONB          `json:"infra_metadata,omitempty" db:"infra_metadata"`
	HealthScore      *float64       `json:"health_score,omitempty" db:"health_score"`
	APIKeyID         *int64         `json:"api_key_id,omitempty" db:"api_key_id"`
	SubmittedFromIP  string         `json:"submitted_from_ip,omitempty" db:"submitted_from_ip"`
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`
}

// TriggeredRule is one severity-flagged issue extracted from a run's analysis
// results. Created in the same transaction as its parent run, cascade-deleted
// with it, never updated.
type TriggeredRule struct {
	ID              int64       `json:"id" db:"id"`
	RunID           int64       `json:"run_id" db:"run_id"`
	RuleName        string      `json:"rule_name" db:"rule_name"`
	Metric          string      `json:"metric" db:"metric"`
	Severity        Severity    `json:"severity" db:"severity"`
	SeverityScore   float64     `json:"severity_score" db:"severity_score"`
	Reasoning       string      `json:"reasoning,omitempty" db:"reasoning"`
	Recommendations StringArray `json:"recommendations" db:"recommendations"`
	TriggerData     JSONB       `json:"trigger_data,omitempty" db:"trigger_data"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

type TargetInfo struct {
	CompanyName string `json:"company_name"`
	DBType      string `json:"db_type"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Database    string `json:"database"`
	ClusterName string `json:"cluster_name,omitempty"`
}

// SubmissionRequest is the transient unit of work handed to a backend. It is
// never persisted as such; the AsyncQueue backend serializes it onto the queue.
type SubmissionRequest struct {
	TargetInfo         TargetInfo `json:"target_info"`
	FindingsJSON       string     `json:"findings_json"`
	StructuredFindings JSONB      `json:"structured_findings"`
	ADocContent        string     `json:"adoc_content"`
	AnalysisResults    JSONB      `json:"analysis_results"`
	SubmittedBy        string     `json:"submitted_by,omitempty"`
	SubmittedHost      string     `json:"submitted_host,omitempty"`
	ToolVersion        string     `json:"tool_version,omitempty"`
	PromptTemplate     string     `json:"prompt_template,omitempty"`
	AIMetrics          JSONB      `json:"ai_metrics,omitempty"`
	APIKeyID           *int64     `json:"api_key_id,omitempty"`
	SubmittedFromIP    string     `json:"submitted_from_ip,omitempty"`
}

// RunMetadata is the cross-cutting metadata lifted out of structured findings
// at insert time. Every field is optional; absence is not an error.
type RunMetadata struct {
	DBVersion     string
	VersionMajor  *int
	VersionMinor  *int
	ClusterName   string
	NodeCount     *int
	InfraMetadata JSONB
}

type APIKey struct {
	ID         int64      `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	CompanyID  *int64     `json:"company_id,omitempty" db:"company_id"`
	Active     bool       `json:"active" db:"active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
