package address

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/assort-health/intake-agent/pkg/logging"
)

const defaultEndpoint = "https://addressvalidation.googleapis.com/v1:validateAddress"

// Input is the address to validate.
type Input struct {
	Line1   string
	Line2   string
	City    string
	State   string
	ZipCode string
}

// FormatOneLine renders the address the way it is sent to the API and shown
// to the patient.
func (in Input) FormatOneLine() string {
	parts := []string{in.Line1}
	if in.Line2 != "" {
		parts = append(parts, in.Line2)
	}
	parts = append(parts, fmt.Sprintf("%s, %s %s", in.City, in.State, in.ZipCode))
	return strings.Join(parts, ", ")
}

// Result is the typed outcome of a validation call.
type Result struct {
	Valid        bool
	InputAddress string
	// Suggested is the API's formatted address, when one was returned.
	// Present on both valid and invalid outcomes.
	Suggested string
	Issues    []string
}

// Validator calls the Google Address Validation API.
type Validator struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	logger     *logging.Logger
}

// Config configures the validator.
type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// NewValidator builds an API-backed validator.
func NewValidator(cfg Config, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Default()
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		logger:     logger,
	}
}

type validateRequest struct {
	Address struct {
		AddressLines []string `json:"addressLines"`
	} `json:"address"`
}

type validateResponse struct {
	Result struct {
		Verdict struct {
			AddressComplete          bool   `json:"addressComplete"`
			HasUnconfirmedComponents bool   `json:"hasUnconfirmedComponents"`
			HasReplacedComponents    bool   `json:"hasReplacedComponents"`
			PossibleNextAction       string `json:"possibleNextAction"`
		} `json:"verdict"`
		Address struct {
			FormattedAddress string `json:"formattedAddress"`
		} `json:"address"`
	} `json:"result"`
}

// Validate checks an address with the API. The address is valid only when
// the verdict's next action is ACCEPT. Transport, auth, and decode problems
// are returned as errors so the caller can decide how to degrade.
func (v *Validator) Validate(ctx context.Context, in Input) (*Result, error) {
	full := in.FormatOneLine()
	if strings.TrimSpace(in.Line1) == "" {
		return nil, fmt.Errorf("address: address line required")
	}
	if v.apiKey == "" {
		return nil, fmt.Errorf("address: API key not configured")
	}

	var reqBody validateRequest
	reqBody.Address.AddressLines = []string{full}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("address: marshal request: %w", err)
	}

	endpoint := v.endpoint + "?key=" + url.QueryEscape(v.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("address: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("address: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		return nil, fmt.Errorf("address: invalid request format")
	case http.StatusForbidden:
		return nil, fmt.Errorf("address: API key invalid or API not enabled")
	default:
		return nil, fmt.Errorf("address: API error: status %d", resp.StatusCode)
	}

	var decoded validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("address: decode response: %w", err)
	}

	verdict := decoded.Result.Verdict
	var issues []string
	if !verdict.AddressComplete {
		issues = append(issues, "address is incomplete")
	}
	if verdict.HasUnconfirmedComponents {
		issues = append(issues, "some components could not be confirmed")
	}
	if verdict.HasReplacedComponents {
		issues = append(issues, "some components were corrected")
	}

	result := &Result{
		Valid:        verdict.PossibleNextAction == "ACCEPT",
		InputAddress: full,
		Suggested:    decoded.Result.Address.FormattedAddress,
		Issues:       issues,
	}

	v.logger.Debug("address: validation verdict",
		"input", full,
		"valid", result.Valid,
		"next_action", verdict.PossibleNextAction,
	)
	return result, nil
}
