package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveHTTPRequestCountsServerErrors(t *testing.T) {
	ObserveHTTPRequest("/api/v1/queries", "POST", 201, 20*time.Millisecond)
	ObserveHTTPRequest("/api/v1/queries", "POST", 503, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(httpRequests.WithLabelValues("/api/v1/queries", "POST", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(httpErrors.WithLabelValues("/api/v1/queries", "POST")))
}

func TestObserveToolCallAndCache(t *testing.T) {
	ObserveToolCall("pdf_search_tool", nil, time.Second)
	ObserveToolCall("pdf_search_tool", errors.New("boom"), time.Second)
	ObserveCacheLookup("fda", true)
	ObserveCacheLookup("fda", false)
	ObserveCacheLookup("fda", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(toolCalls.WithLabelValues("pdf_search_tool", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(toolCalls.WithLabelValues("pdf_search_tool", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(cacheLookups.WithLabelValues("fda", "miss")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveAgentRun(nil, 2)
	ObserveLLMRequest("gpt-4", nil, time.Second, 12, 3)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, "pharmassist_agent_runs_total"), "agent runs missing")
	assert.True(t, strings.Contains(text, `pharmassist_llm_tokens_total{model="gpt-4",type="prompt"} 12`), "token counter missing")
	assert.True(t, strings.Contains(text, "go_goroutines"), "runtime collectors missing")
}
