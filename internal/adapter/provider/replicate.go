package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/domain"
)

// Replicate runs predictions on api.replicate.com. A run is one create call
// followed by a 2s poll loop until the prediction leaves
// starting/processing or the poll budget runs out.
type Replicate struct {
	token      string
	pollBudget time.Duration
	pollEvery  time.Duration
	baseURL    string
	hc         *http.Client
}

// NewReplicate constructs the Replicate adapter from configuration.
func NewReplicate(cfg config.Config) *Replicate {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Replicate %s %s", r.Method, r.URL.Path)
		}),
	)
	return &Replicate{
		token:      strings.TrimSpace(cfg.ReplicateAPIToken),
		pollBudget: cfg.ReplicatePollTimeout(),
		pollEvery:  2 * time.Second,
		baseURL:    "https://api.replicate.com",
		hc:         &http.Client{Timeout: 30 * time.Second, Transport: transport},
	}
}

// Name implements domain.Provider.
func (r *Replicate) Name() string { return "replicate" }

type prediction struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Error   any             `json:"error"`
	Output  json.RawMessage `json:"output"`
	Logs    json.RawMessage `json:"logs"`
	Metrics json.RawMessage `json:"metrics"`
}

func (p prediction) errorText() string {
	if s, ok := p.Error.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return "replicate prediction did not succeed"
}

// Run implements domain.Provider.
func (r *Replicate) Run(ctx domain.Context, j domain.Job) (string, json.RawMessage, error) {
	input := parseInput(j.Input)
	if err := failTrigger(input); err != nil {
		return "", nil, err
	}
	if r.token == "" {
		return "", nil, errors.New("REPLICATE_API_TOKEN missing for provider=replicate")
	}
	body, err := createBody(input)
	if err != nil {
		return "", nil, err
	}

	pred, err := r.create(ctx, body)
	if err != nil {
		return "", nil, err
	}
	if pred.ID == "" {
		return "", nil, errors.New("replicate response missing prediction id")
	}

	deadline := time.Now().Add(r.pollBudget)
	for (pred.Status == "starting" || pred.Status == "processing") && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(r.pollEvery):
		}
		pred, err = r.get(ctx, pred.ID)
		if err != nil {
			return "", nil, err
		}
	}
	if pred.Status != "succeeded" {
		return "", nil, errors.New(pred.errorText())
	}

	result, err := json.Marshal(map[string]any{
		"ok":            true,
		"provider":      "replicate",
		"prediction_id": pred.ID,
		"status":        pred.Status,
		"output":        pred.Output,
		"logs":          pred.Logs,
		"metrics":       pred.Metrics,
		"finished_at":   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", nil, err
	}
	return pred.ID, result, nil
}

// createBody shapes the prediction request. The job input either carries an
// explicit "input" object or is itself the prediction input minus the
// model/version selectors.
func createBody(input map[string]any) ([]byte, error) {
	model, _ := input["model"].(string)
	version, _ := input["version"].(string)
	model = strings.TrimSpace(model)
	version = strings.TrimSpace(version)

	var predInput map[string]any
	if raw, ok := input["input"]; ok {
		obj, isObj := raw.(map[string]any)
		if !isObj {
			return nil, errors.New("replicate input must be an object")
		}
		predInput = obj
	} else {
		predInput = make(map[string]any, len(input))
		for k, v := range input {
			if k == "model" || k == "version" {
				continue
			}
			predInput[k] = v
		}
	}
	if version == "" && model == "" {
		return nil, errors.New("replicate requires input.version or input.model")
	}

	payload := map[string]any{"input": predInput}
	if version != "" {
		payload["version"] = version
	} else {
		payload["model"] = model
	}
	return json.Marshal(payload)
}

// create posts the prediction. Transient 5xx responses retry with
// exponential backoff inside a 30s budget; 4xx responses are permanent.
func (r *Replicate) create(ctx domain.Context, body []byte) (prediction, error) {
	var pred prediction
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/predictions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+r.token)
		req.Header.Set("Content-Type", "application/json")
		resp, err := r.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("replicate create failed: %d %s", resp.StatusCode, snippet(raw))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("replicate create failed: %d %s", resp.StatusCode, snippet(raw)))
		}
		if err := json.Unmarshal(raw, &pred); err != nil {
			return backoff.Permanent(fmt.Errorf("replicate create decode: %w", err))
		}
		return nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return prediction{}, err
	}
	return pred, nil
}

func (r *Replicate) get(ctx domain.Context, id string) (prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/predictions/"+id, nil)
	if err != nil {
		return prediction{}, err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	resp, err := r.hc.Do(req)
	if err != nil {
		return prediction{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return prediction{}, err
	}
	if resp.StatusCode >= 300 {
		return prediction{}, fmt.Errorf("replicate poll failed: %d %s", resp.StatusCode, snippet(raw))
	}
	var pred prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return prediction{}, fmt.Errorf("replicate poll decode: %w", err)
	}
	return pred, nil
}
