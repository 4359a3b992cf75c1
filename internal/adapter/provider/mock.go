package provider

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// Mock is the offline adapter used in development and as the fallback for
// unknown provider names. It pauses briefly and echoes the job input.
type Mock struct {
	delay time.Duration
}

// NewMock constructs the mock adapter.
func NewMock() *Mock { return &Mock{delay: 200 * time.Millisecond} }

// Name implements domain.Provider.
func (m *Mock) Name() string { return "mock" }

// Run implements domain.Provider. The result reports the job's own provider
// name so a fallback dispatch stays visible in the stored result.
func (m *Mock) Run(ctx domain.Context, j domain.Job) (string, json.RawMessage, error) {
	input := parseInput(j.Input)
	if err := failTrigger(input); err != nil {
		return "", nil, err
	}
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(m.delay):
	}
	name := strings.ToLower(strings.TrimSpace(j.Provider))
	if name == "" {
		name = "mock"
	}
	result, err := json.Marshal(map[string]any{
		"ok":          true,
		"provider":    name,
		"operation":   strings.ToLower(strings.TrimSpace(j.Operation)),
		"mock_result": true,
		"input_echo":  input,
		"finished_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", nil, err
	}
	return "", result, nil
}
