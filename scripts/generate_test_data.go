// Generates randomized health-check submissions and posts them to a running
// ingest server. Useful for seeding a dev database or exercising the queue.
//
// Usage:
//
//	INGEST_URL=http://localhost:8080 INGEST_API_KEY=dbp_... go run scripts/generate_test_data.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

var (
	companies    = []string{"Acme Corp", "TechStart Inc", "Global Systems LLC", "DataFlow Partners", "CloudNine Solutions", "Innovate Labs", "SecureNet Corp", "QuantumLeap Inc"}
	technologies = []string{"postgres", "mysql", "mongodb", "redis"}
	versions     = map[string][]string{
		"postgres": {"14.11", "15.6", "16.3", "17.0"},
		"mysql":    {"8.0.36", "8.3.0"},
		"mongodb":  {"6.0.13", "7.0.5"},
		"redis":    {"7.2.4"},
	}
	criticalRules = []string{"wal_archiving_disabled", "no_superuser_password", "replication_broken"}
	highRules     = []string{"bloated_tables", "idle_in_transaction", "missing_indexes"}
	mediumRules   = []string{"low_cache_hit_ratio", "stale_statistics", "long_running_vacuum"}
)

func main() {
	rand.Seed(time.Now().UnixNano())

	baseURL := os.Getenv("INGEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	apiKey := os.Getenv("INGEST_API_KEY")
	if apiKey == "" {
		fmt.Println("INGEST_API_KEY is required")
		os.Exit(1)
	}

	count := 25
	fmt.Printf("Submitting %d health checks to %s...\n", count, baseURL)

	client := &http.Client{Timeout: 30 * time.Second}
	submitted := 0

	for i := 0; i < count; i++ {
		payload := generateSubmission()
		body, _ := json.Marshal(payload)

		req, err := http.NewRequest("POST", baseURL+"/api/v1/checks", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("  error building request: %v\n", err)
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			fmt.Printf("  error submitting: %v\n", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted {
			submitted++
		} else {
			fmt.Printf("  unexpected status %d\n", resp.StatusCode)
		}
	}

	fmt.Printf("Done: %d/%d submitted\n", submitted, count)
}

func generateSubmission() map[string]interface{} {
	tech := technologies[rand.Intn(len(technologies))]
	version := versions[tech][rand.Intn(len(versions[tech]))]
	company := companies[rand.Intn(len(companies))]

	findings := map[string]interface{}{
		"db_metadata": map[string]interface{}{
			"version":      version,
			"cluster_name": fmt.Sprintf("%s-cluster-%d", tech, rand.Intn(4)+1),
			"node_count":   rand.Intn(5) + 1,
		},
		"connections": map[string]interface{}{
			"active": rand.Intn(200),
			"idle":   rand.Intn(50),
		},
		"infrastructure": map[string]interface{}{
			"cpu_cores": []int{2, 4, 8, 16}[rand.Intn(4)],
			"memory_gb": []int{8, 16, 32, 64}[rand.Intn(4)],
		},
	}
	findingsJSON, _ := json.Marshal(findings)

	return map[string]interface{}{
		"target_info": map[string]interface{}{
			"company_name": company,
			"db_type":      tech,
			"host":         fmt.Sprintf("db-%02d.%s.internal", rand.Intn(20)+1, tech),
			"port":         5432,
			"database":     []string{"orders", "billing", "analytics", "users"}[rand.Intn(4)],
		},
		"findings_json":       string(findingsJSON),
		"structured_findings": findings,
		"analysis_results":    generateAnalysis(),
		"submitted_by":        "test-data-generator",
		"tool_version":        "0.0.0-dev",
	}
}

func generateAnalysis() map[string]interface{} {
	analysis := map[string]interface{}{
		"health_score": 40 + rand.Float64()*60,
	}

	addBucket := func(key string, names []string, max int) {
		n := rand.Intn(max + 1)
		issues := make([]map[string]interface{}, 0, n)
		for i := 0; i < n; i++ {
			issues = append(issues, map[string]interface{}{
				"rule_config_name": names[rand.Intn(len(names))],
				"metric":           fmt.Sprintf("%.2f", rand.Float64()*100),
				"analysis": map[string]interface{}{
					"reasoning":       "synthetic issue for load testing",
					"recommendations": []string{"review configuration", "schedule maintenance"},
				},
			})
		}
		if len(issues) > 0 {
			analysis[key] = issues
		}
	}

	addBucket("critical_issues", criticalRules, 2)
	addBucket("high_priority_issues", highRules, 3)
	addBucket("medium_priority_issues", mediumRules, 4)

	return analysis
}
