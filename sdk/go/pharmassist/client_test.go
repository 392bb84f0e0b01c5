package pharmassist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitQuerySendsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/queries" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body Submission
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("unexpected body: %v", err)
		}
		if body.Credentials.OpenAIKey != "sk-test" || body.Question != "aspirin?" {
			t.Errorf("unexpected submission: %+v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Query{ID: "q1", Question: body.Question, Status: StatusPending})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	q, err := client.SubmitQuery(context.Background(), Submission{
		Question:    "aspirin?",
		Credentials: Credentials{OpenAIKey: "sk-test"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if q.ID != "q1" || q.Status != StatusPending {
		t.Fatalf("unexpected query: %+v", q)
	}
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"task not found"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetQuery(context.Background(), "missing")
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" || apiErr.Message != "task not found" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Fatalf("IsNotFound must match 404")
	}
}

func TestListQueriesEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "pending,running" || q.Get("session") != "s1" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Query{{ID: "a"}, {ID: "b"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	queries, err := client.ListQueries(context.Background(), ListOptions{
		Limit:     5,
		Statuses:  []string{StatusPending, StatusRunning},
		SessionID: "s1",
		Ascending: true,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queries) != 2 {
		t.Fatalf("unexpected queries: %+v", queries)
	}
}

func TestWaitForQueryPollsUntilDone(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/queries/q1" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		n := polls.Add(1)
		q := Query{ID: "q1", Status: StatusRunning, Steps: make([]Step, n)}
		if n >= 3 {
			q.Status = StatusSucceeded
			q.Result = &Result{Answer: "done"}
		}
		_ = json.NewEncoder(w).Encode(q)
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var updates int
	q, err := client.WaitForQuery(ctx, "q1", 10*time.Millisecond, func(Query) { updates++ })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !q.Done() || q.Result.Answer != "done" || updates != 3 {
		t.Fatalf("unexpected result: %+v after %d updates", q, updates)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost", nil); err == nil {
		t.Fatalf("expected error for relative url")
	}
}
