package rulefindings

import (
	"testing"

	"github.com/dbpulse/ingest/internal/models"
)

func issue(name, metric string, analysis map[string]interface{}) map[string]interface{} {
	i := map[string]interface{}{
		"rule_config_name": name,
		"metric":           metric,
	}
	if analysis != nil {
		i["analysis"] = analysis
	}
	return i
}

func TestExtract_Buckets(t *testing.T) {
	results := models.JSONB{
		"critical_issues": []interface{}{
			issue("conn_saturation", "max_connections", map[string]interface{}{
				"score":     9.8,
				"reasoning": "connection pool exhausted",
				"recommendations": []interface{}{
					"raise max_connections",
					"add a pooler",
				},
			}),
		},
		"high_priority_issues": []interface{}{
			issue("bloat", "table_bloat_pct", nil),
		},
		"medium_priority_issues": []interface{}{
			issue("idx_unused", "unused_indexes", map[string]interface{}{}),
		},
	}

	rules := Extract(results)
	if len(rules) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(rules))
	}

	// Bucket order: critical, high, medium.
	if rules[0].Severity != models.SeverityCritical {
		t.Errorf("expected critical first, got %s", rules[0].Severity)
	}
	if rules[1].Severity != models.SeverityHigh {
		t.Errorf("expected high second, got %s", rules[1].Severity)
	}
	if rules[2].Severity != models.SeverityMedium {
		t.Errorf("expected medium third, got %s", rules[2].Severity)
	}

	if rules[0].SeverityScore != 9.8 {
		t.Errorf("expected issue score 9.8, got %v", rules[0].SeverityScore)
	}
	if rules[0].Reasoning != "connection pool exhausted" {
		t.Errorf("unexpected reasoning %q", rules[0].Reasoning)
	}
	if len(rules[0].Recommendations) != 2 {
		t.Errorf("expected 2 recommendations, got %d", len(rules[0].Recommendations))
	}
}

func TestExtract_DefaultScores(t *testing.T) {
	tests := []struct {
		name   string
		bucket string
		want   float64
	}{
		{"critical default", "critical_issues", 9.0},
		{"high default", "high_priority_issues", 7.0},
		{"medium default", "medium_priority_issues", 5.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := Extract(models.JSONB{
				tt.bucket: []interface{}{issue("r", "m", nil)},
			})
			if len(rules) != 1 {
				t.Fatalf("expected 1 rule, got %d", len(rules))
			}
			if rules[0].SeverityScore != tt.want {
				t.Errorf("expected default score %v, got %v", tt.want, rules[0].SeverityScore)
			}
		})
	}
}

func TestExtract_TriggerData(t *testing.T) {
	rules := Extract(models.JSONB{
		"critical_issues": []interface{}{
			map[string]interface{}{
				"rule_config_name": "wal_growth",
				"metric":           "wal_size",
				"data": map[string]interface{}{
					"wal_size_gb": 412.5,
				},
			},
		},
	})

	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	if rules[0].TriggerData["wal_size_gb"] != 412.5 {
		t.Errorf("expected trigger data snapshot, got %v", rules[0].TriggerData)
	}
}

func TestExtract_Empty(t *testing.T) {
	if rules := Extract(nil); len(rules) != 0 {
		t.Errorf("expected no rules for nil results, got %d", len(rules))
	}
	if rules := Extract(models.JSONB{"health_score": 88.0}); len(rules) != 0 {
		t.Errorf("expected no rules for result without buckets, got %d", len(rules))
	}
}

func TestExtract_MalformedEntries(t *testing.T) {
	rules := Extract(models.JSONB{
		"critical_issues":      "not a list",
		"high_priority_issues": []interface{}{"not a map", issue("ok", "m", nil)},
	})

	if len(rules) != 1 {
		t.Fatalf("expected malformed entries skipped, got %d rules", len(rules))
	}
	if rules[0].RuleName != "ok" {
		t.Errorf("expected surviving rule 'ok', got %q", rules[0].RuleName)
	}
}

func TestHealthScore(t *testing.T) {
	if s := HealthScore(models.JSONB{"health_score": 72.5}); s == nil || *s != 72.5 {
		t.Errorf("expected health score 72.5, got %v", s)
	}
	if s := HealthScore(models.JSONB{}); s != nil {
		t.Errorf("expected nil health score, got %v", *s)
	}
	if s := HealthScore(nil); s != nil {
		t.Errorf("expected nil health score for nil results, got %v", *s)
	}
}
