// Package provider implements the job provider adapters.
//
// Every adapter satisfies domain.Provider: it receives a claimed job,
// performs the provider I/O outside any database transaction and returns
// the provider-side id plus a JSON result. Simulation triggers in the job
// input (force_fail, simulate:"fail") short-circuit before any network
// call so failure paths stay testable without a live provider.
package provider

import (
	"encoding/json"
	"errors"
	"strings"
)

// parseInput decodes the job input into a generic object. Anything that is
// not a JSON object collapses to an empty map.
func parseInput(raw json.RawMessage) map[string]any {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// failTrigger inspects the simulation triggers shared by all adapters.
func failTrigger(input map[string]any) error {
	if truthy(input["force_fail"]) {
		return errors.New("forced failure via input.force_fail")
	}
	if s, ok := input["simulate"].(string); ok && strings.EqualFold(strings.TrimSpace(s), "fail") {
		return errors.New("simulated provider failure")
	}
	return nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max]
	}
	return s
}
