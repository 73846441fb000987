package address

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, handler http.HandlerFunc) *Validator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewValidator(Config{APIKey: "test-key", Endpoint: srv.URL}, nil)
}

func TestValidateAccept(t *testing.T) {
	var gotBody map[string]any
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"verdict": map[string]any{
					"addressComplete":    true,
					"possibleNextAction": "ACCEPT",
				},
				"address": map[string]any{
					"formattedAddress": "1 Main St, Oakland, CA 94607, USA",
				},
			},
		})
	})

	result, err := v.Validate(context.Background(), Input{
		Line1: "1 Main St", City: "Oakland", State: "CA", ZipCode: "94607",
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, "1 Main St, Oakland, CA 94607", result.InputAddress)
	assert.Equal(t, "1 Main St, Oakland, CA 94607, USA", result.Suggested)
	assert.Empty(t, result.Issues)

	addr := gotBody["address"].(map[string]any)
	lines := addr["addressLines"].([]any)
	require.Len(t, lines, 1)
	assert.Equal(t, "1 Main St, Oakland, CA 94607", lines[0])
}

func TestValidateFixNeeded(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{
				"verdict": map[string]any{
					"addressComplete":          false,
					"hasUnconfirmedComponents": true,
					"possibleNextAction":       "FIX",
				},
				"address": map[string]any{
					"formattedAddress": "1 Main Street, Oakland, CA 94607, USA",
				},
			},
		})
	})

	result, err := v.Validate(context.Background(), Input{
		Line1: "1 Main St", City: "Oakland", State: "CA", ZipCode: "94607",
	})
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "1 Main Street, Oakland, CA 94607, USA", result.Suggested)
	assert.NotEmpty(t, result.Issues)
}

func TestValidateAuthError(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := v.Validate(context.Background(), Input{
		Line1: "1 Main St", City: "Oakland", State: "CA", ZipCode: "94607",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key")
}

func TestValidateServerError(t *testing.T) {
	v := newTestValidator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := v.Validate(context.Background(), Input{
		Line1: "1 Main St", City: "Oakland", State: "CA", ZipCode: "94607",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestValidateRequiresLine1(t *testing.T) {
	v := NewValidator(Config{APIKey: "test-key"}, nil)
	_, err := v.Validate(context.Background(), Input{City: "Oakland"})
	assert.Error(t, err)
}

func TestValidateRequiresAPIKey(t *testing.T) {
	v := NewValidator(Config{}, nil)
	_, err := v.Validate(context.Background(), Input{Line1: "1 Main St"})
	assert.Error(t, err)
}

func TestValidateTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	v := NewValidator(Config{APIKey: "test-key", Endpoint: srv.URL, Timeout: 20 * time.Millisecond}, nil)
	_, err := v.Validate(context.Background(), Input{
		Line1: "1 Main St", City: "Oakland", State: "CA", ZipCode: "94607",
	})
	assert.Error(t, err)
}

func TestFormatOneLine(t *testing.T) {
	in := Input{Line1: "1 Main St", Line2: "Apt 4", City: "Oakland", State: "CA", ZipCode: "94607"}
	assert.Equal(t, "1 Main St, Apt 4, Oakland, CA 94607", in.FormatOneLine())
}
