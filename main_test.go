package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"change-events/internal/config"
	"change-events/internal/eventbridge"
)

const insertEvent = `{
  "Records": [
    {
      "eventID": "1",
      "eventName": "INSERT",
      "dynamodb": {
        "Keys": {"id": {"S": "customer-1"}},
        "NewImage": {"id": {"S": "customer-1"}, "name": {"S": "Ann"}}
      }
    }
  ]
}`

// loadTestConfig writes a file source config publishing to an EventBridge
// endpoint served by handler
func loadTestConfig(t *testing.T, handler http.HandlerFunc) *config.Config {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	dir := t.TempDir()
	records := filepath.Join(dir, "records.json")
	require.NoError(t, os.WriteFile(records, []byte(insertEvent), 0o644))

	path := filepath.Join(dir, "config.yaml")
	yaml := fmt.Sprintf(`
source:
  kind: file
  files: [%q]
bus:
  kind: eventbridge
  source: shop
eventbridge:
  region: us-east-1
  endpoint: %q
publish:
  max_retries: 1
  retry_initial: 1ms
`, records, server.URL)
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func putEventsResponse(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-amz-json-1.1")
		fmt.Fprint(w, body)
	}
}

func TestRunReturnsDeliveryError(t *testing.T) {
	var calls atomic.Int32
	cfg := loadTestConfig(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		putEventsResponse(`{"FailedEntryCount":1,"Entries":[{"ErrorCode":"InternalFailure","ErrorMessage":"boom"}]}`)(w, r)
	})
	logger, _ := test.NewNullLogger()

	err := run(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.ErrorIs(t, err, eventbridge.ErrPartialFailure)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunStopsAtEndOfSource(t *testing.T) {
	var calls atomic.Int32
	cfg := loadTestConfig(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		putEventsResponse(`{"FailedEntryCount":0,"Entries":[{"EventId":"e-1"}]}`)(w, r)
	})
	logger, _ := test.NewNullLogger()

	require.NoError(t, run(context.Background(), cfg, logger))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunRejectsMissingScript(t *testing.T) {
	cfg := loadTestConfig(t, putEventsResponse(`{}`))
	cfg.Processor = &config.ProcessorConfig{Enabled: true, Script: filepath.Join(t.TempDir(), "missing.js")}
	logger, _ := test.NewNullLogger()

	err := run(context.Background(), cfg, logger)
	assert.ErrorContains(t, err, "failed to create transformer")
}
