// Package metadata lifts cross-cutting fields (database version, cluster
// topology, infrastructure tags) out of the heterogeneous nested findings that
// collector plugins produce. Extraction is deterministic and side-effect-free:
// for each field an ordered list of candidate key paths is probed and the first
// non-empty match wins.
package metadata

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dbpulse/ingest/internal/models"
)

var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)`)

var (
	versionPaths = []string{
		"db_metadata.version",
		"db_version",
		"version_info.version",
		"server_info.version",
		"version",
	}
	clusterNamePaths = []string{
		"db_metadata.cluster_name",
		"cluster_info.cluster_name",
		"cluster_info.name",
		"cluster_name",
	}
	nodeCountPaths = []string{
		"db_metadata.node_count",
		"cluster_info.node_count",
		"node_count",
	}
	infraPaths = []string{
		"db_metadata.infrastructure",
		"infrastructure",
		"infra_metadata",
	}
)

// Extract probes structured findings for run-level metadata. Every output
// field is optional; a findings map that carries none of the candidate paths
// yields a zero-value RunMetadata, not an error.
func Extract(findings models.JSONB) models.RunMetadata {
	meta := models.RunMetadata{}
	if findings == nil {
		return meta
	}

	if version := firstString(findings, versionPaths); version != "" {
		meta.DBVersion = version
		meta.VersionMajor, meta.VersionMinor = ParseVersion(version)
	}

	meta.ClusterName = firstString(findings, clusterNamePaths)

	if n, ok := firstNumber(findings, nodeCountPaths); ok {
		count := int(n)
		meta.NodeCount = &count
	}

	for _, path := range infraPaths {
		if m, ok := lookup(findings, path).(map[string]interface{}); ok && len(m) > 0 {
			meta.InfraMetadata = models.JSONB(m)
			break
		}
	}

	return meta
}

// ParseVersion pulls a major.minor pair out of a raw version string. Strings
// with no such pattern yield (nil, nil); the caller keeps the raw string
// either way.
func ParseVersion(version string) (*int, *int) {
	m := versionPattern.FindStringSubmatch(version)
	if m == nil {
		return nil, nil
	}

	major, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, nil
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, nil
	}

	return &major, &minor
}

// lookup walks a dotted key path through nested maps.
func lookup(findings models.JSONB, path string) interface{} {
	var current interface{} = map[string]interface{}(findings)

	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}

	return current
}

func firstString(findings models.JSONB, paths []string) string {
	for _, path := range paths {
		if s, ok := lookup(findings, path).(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(findings models.JSONB, paths []string) (float64, bool) {
	for _, path := range paths {
		switch v := lookup(findings, path).(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case string:
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
