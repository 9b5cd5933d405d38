// Package rulefindings normalizes the severity-bucketed issue lists of an
// analysis result into flat triggered-rule records for the analytics tables.
package rulefindings

import (
	"github.com/dbpulse/ingest/internal/models"
)

// Default severity scores applied when an issue carries no score of its own.
const (
	defaultCriticalScore = 9.0
	defaultHighScore     = 7.0
	defaultMediumScore   = 5.0
)

type bucket struct {
	key          string
	severity     models.Severity
	defaultScore float64
}

// Bucket order fixes insert order; nothing downstream depends on it.
var buckets = []bucket{
	{"critical_issues", models.SeverityCritical, defaultCriticalScore},
	{"high_priority_issues", models.SeverityHigh, defaultHighScore},
	{"medium_priority_issues", models.SeverityMedium, defaultMediumScore},
}

// Extract maps the three issue buckets of an analysis result to triggered-rule
// records. Missing or malformed buckets are skipped; an empty result is valid.
func Extract(analysisResults models.JSONB) []models.TriggeredRule {
	var rules []models.TriggeredRule
	if analysisResults == nil {
		return rules
	}

	for _, b := range buckets {
		issues, ok := analysisResults[b.key].([]interface{})
		if !ok {
			continue
		}

		for _, raw := range issues {
			issue, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			rules = append(rules, extractIssue(issue, b))
		}
	}

	return rules
}

// HealthScore returns the overall health score if the analysis result carries
// one.
func HealthScore(analysisResults models.JSONB) *float64 {
	if analysisResults == nil {
		return nil
	}
	switch v := analysisResults["health_score"].(type) {
	case float64:
		return &v
	case int:
		score := float64(v)
		return &score
	}
	return nil
}

func extractIssue(issue map[string]interface{}, b bucket) models.TriggeredRule {
	rule := models.TriggeredRule{
		RuleName:      stringField(issue, "rule_config_name"),
		Metric:        stringField(issue, "metric"),
		Severity:      b.severity,
		SeverityScore: b.defaultScore,
	}

	if data, ok := issue["data"].(map[string]interface{}); ok {
		rule.TriggerData = models.JSONB(data)
	}

	analysis, ok := issue["analysis"].(map[string]interface{})
	if !ok {
		return rule
	}

	if score, ok := analysis["score"].(float64); ok {
		rule.SeverityScore = score
	}
	rule.Reasoning = stringField(analysis, "reasoning")

	if recs, ok := analysis["recommendations"].([]interface{}); ok {
		for _, r := range recs {
			if s, ok := r.(string); ok {
				rule.Recommendations = append(rule.Recommendations, s)
			}
		}
	}

	return rule
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
