package fda

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmassist/internal/cache"
	xerrors "pharmassist/internal/errors"
)

const sampleResponse = `{
  "meta": {"results": {"total": 2}},
  "results": [
    {
      "receivedate": "20240105",
      "safetyreportid": "100",
      "patient": {
        "drug": [
          {"medicinalproduct": "TRAMADOL HYDROCHLORIDE"},
          {"medicinalproduct": "PARACETAMOL"},
          {}
        ],
        "reaction": [
          {"reactionmeddrapt": "Nausea", "reactionoutcome": "1"},
          {"reactionmeddrapt": "Seizure"}
        ]
      }
    },
    {
      "safetyreportid": "101"
    }
  ]
}`

func TestAdverseEventsExtractsFields(t *testing.T) {
	var query map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drug/event.json", r.URL.Path)
		query = map[string]string{
			"search": r.URL.Query().Get("search"),
			"limit":  r.URL.Query().Get("limit"),
			"sort":   r.URL.Query().Get("sort"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL})
	events, err := client.AdverseEvents(context.Background(), "tramadol", 0)
	require.NoError(t, err)

	assert.Equal(t, `patient.drug.medicinalproduct:"tramadol"`, query["search"])
	assert.Equal(t, "10", query["limit"])
	assert.Equal(t, "receivedate:desc", query["sort"])

	require.Len(t, events, 2)
	assert.Equal(t, Event{
		ReceiveDate:    "20240105",
		SafetyReportID: "100",
		DrugNames:      []string{"TRAMADOL HYDROCHLORIDE"},
		Reactions:      []string{"Nausea", "Seizure"},
		Outcomes:       []string{"1", "N/A"},
	}, events[0])
	assert.Equal(t, "N/A", events[1].ReceiveDate)
	assert.Empty(t, events[1].DrugNames)
}

func TestAdverseEventsClampsLimit(t *testing.T) {
	var limit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).AdverseEvents(context.Background(), "aspirin", 500)
	require.NoError(t, err)
	assert.Equal(t, "100", limit)
}

func TestAdverseEventsNotFoundIsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"No matches found!"}}`))
	}))
	defer srv.Close()

	events, err := NewClient(Config{BaseURL: srv.URL}).AdverseEvents(context.Background(), "unobtainium", 5)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAdverseEventsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"BAD_REQUEST","message":"Syntax error"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(Config{BaseURL: srv.URL}).AdverseEvents(context.Background(), "aspirin", 5)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeUpstreamUnavailable, xerrors.CodeOf(err))
	assert.False(t, xerrors.RetryableError(err))
	assert.Contains(t, err.Error(), "Syntax error")
}

func TestAdverseEventsRequiresDrug(t *testing.T) {
	_, err := NewClient(Config{}).AdverseEvents(context.Background(), "  ", 5)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestAdverseEventsUsesCache(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Cache: cache.NewMemory(), CacheTTL: time.Minute, RateLimit: 100})
	for i := 0; i < 3; i++ {
		events, err := client.AdverseEvents(context.Background(), "Tramadol", 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleResponse))
	}))
	defer srv.Close()

	tool := NewTool(NewClient(Config{BaseURL: srv.URL}))
	assert.Equal(t, ToolName, tool.Definition().Name)

	out, err := tool.Call(context.Background(), json.RawMessage(`{"drug_name":"tramadol","limit":2}`))
	require.NoError(t, err)

	var decoded []Event
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Len(t, decoded, 2)
	assert.Equal(t, "100", decoded[0].SafetyReportID)
}
