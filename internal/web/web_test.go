package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmassist/internal/agent"
	"pharmassist/internal/storage/mysql"
	"pharmassist/internal/task"
)

type countingResetter struct {
	calls int
}

func (c *countingResetter) Reset() error {
	c.calls++
	return nil
}

type fixture struct {
	mux      *http.ServeMux
	store    *task.MemoryStore
	history  *mysql.FileConversationRepository
	resetter *countingResetter
	cookie   *http.Cookie
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(16)
	history, err := mysql.NewFileConversationRepository("")
	require.NoError(t, err)
	service := task.NewService(store, queue, 3, task.WithSubmissionHistory(history))

	resetter := &countingResetter{}
	handler, err := New(service, history, WithResetter(resetter), WithRefreshInterval(1))
	require.NoError(t, err)
	mux := http.NewServeMux()
	handler.Register(mux)
	return &fixture{mux: mux, store: store, history: history, resetter: resetter}
}

func (f *fixture) do(t *testing.T, method, target string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if f.cookie != nil {
		req.AddCookie(f.cookie)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name == SessionCookie {
			f.cookie = c
		}
	}
	return rec
}

func (f *fixture) configure(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/config", url.Values{
		"openai_api_key": {"sk-test"},
		"neo4j_uri":      {"bolt://localhost:7687"},
		"neo4j_username": {"neo4j"},
		"neo4j_password": {"secret"},
	})
	require.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestIndexRequiresConfiguration(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.cookie)

	body := rec.Body.String()
	assert.Contains(t, body, "💊 Pharmaceutical AI Assistant")
	assert.Contains(t, body, "Configuration Required")
	assert.Contains(t, body, "🔒 Chat is disabled until all configuration fields are filled in the sidebar.")
	assert.Contains(t, body, "What adverse events are reported for TRAMADOL?")
	assert.NotContains(t, body, `name="question"`)

	f.configure(t)
	body = f.do(t, http.MethodGet, "/", nil).Body.String()
	assert.NotContains(t, body, "Configuration Required")
	assert.Contains(t, body, `name="question"`)
	assert.Contains(t, body, `value="bolt://localhost:7687"`)
}

func TestAskWithoutConfigurationShowsError(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/", nil)

	rec := f.do(t, http.MethodPost, "/ask", url.Values{"question": {"aspirin?"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	body := f.do(t, http.MethodGet, "/", nil).Body.String()
	assert.Contains(t, body, "Error: Agent not initialized. Please provide all configuration parameters.")
}

func TestAskFlowRendersStepsAndAnswer(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/", nil)
	f.configure(t)

	rec := f.do(t, http.MethodPost, "/ask", url.Values{"question": {"What adverse events are reported for TRAMADOL?"}})
	require.Equal(t, http.StatusSeeOther, rec.Code)
	location := rec.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/tasks/"))
	id := strings.TrimPrefix(location, "/tasks/")

	page := f.do(t, http.MethodGet, location, nil)
	require.Equal(t, http.StatusOK, page.Code)
	assert.Contains(t, page.Body.String(), `http-equiv="refresh" content="1"`)
	assert.Contains(t, page.Body.String(), "TRAMADOL")

	index := f.do(t, http.MethodGet, "/", nil).Body.String()
	assert.Contains(t, index, "/tasks/"+id)

	ctx := context.Background()
	_, err := f.store.Claim(ctx, id)
	require.NoError(t, err)
	steps := []agent.Step{
		{Index: 1, TaskName: agent.TaskCallModel, Type: agent.StepToolDecision, Content: "Tool: fda_adverse_events"},
		{Index: 2, TaskName: agent.TaskCallTool, Type: agent.StepToolExecution, Content: "Result: nausea"},
		{Index: 3, TaskName: agent.TaskCallModel, Type: agent.StepFinalAnswer, Content: "**Nausea** is common.", IsFinal: true},
	}
	for _, step := range steps {
		require.NoError(t, f.store.AppendStep(ctx, id, step))
	}

	page = f.do(t, http.MethodGet, location, nil)
	assert.Contains(t, page.Body.String(), "🔧 Step 2: Call Tool")
	assert.Contains(t, page.Body.String(), "<strong>Type:</strong> Tool Execution")

	raw, err := json.Marshal(steps)
	require.NoError(t, err)
	require.NoError(t, f.history.Append(ctx, &mysql.Message{
		SessionID: f.cookie.Value,
		Role:      mysql.RoleAssistant,
		Content:   "**Nausea** is common.",
		TaskID:    id,
		Steps:     raw,
	}))
	require.NoError(t, f.store.MarkSucceeded(ctx, id, task.ExecutionResult{Answer: "**Nausea** is common."}))

	done := f.do(t, http.MethodGet, location, nil)
	require.Equal(t, http.StatusSeeOther, done.Code)
	assert.Equal(t, "/", done.Header().Get("Location"))

	index = f.do(t, http.MethodGet, "/", nil).Body.String()
	assert.Contains(t, index, "<strong>Nausea</strong> is common.")
	assert.Contains(t, index, "🔍 Processing Steps:")
	assert.Contains(t, index, "🤔 Step 1: Call Model")
	assert.Contains(t, index, "🔧 Step 2: Call Tool")
	assert.Contains(t, index, "<strong>Type:</strong> Tool Decision")
	assert.NotContains(t, index, "Step 3:")
	assert.NotContains(t, index, "/tasks/"+id)
}

func TestTaskPageIsScopedToSession(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/", nil)
	f.configure(t)
	location := f.do(t, http.MethodPost, "/ask", url.Values{"question": {"aspirin"}}).Header().Get("Location")

	f.cookie = nil
	rec := f.do(t, http.MethodGet, location, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/tasks/missing", nil).Code)
}

func TestClearAndReset(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/", nil)
	f.configure(t)
	f.do(t, http.MethodPost, "/ask", url.Values{"question": {"aspirin"}})

	messages, err := f.history.List(context.Background(), f.cookie.Value, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	require.Equal(t, http.StatusSeeOther, f.do(t, http.MethodPost, "/clear", nil).Code)
	messages, err = f.history.List(context.Background(), f.cookie.Value, 0)
	require.NoError(t, err)
	assert.Empty(t, messages)

	require.Equal(t, http.StatusSeeOther, f.do(t, http.MethodPost, "/reset", nil).Code)
	assert.Equal(t, 1, f.resetter.calls)

	body := f.do(t, http.MethodGet, "/", nil).Body.String()
	assert.Contains(t, body, ResetFlash)
	assert.NotContains(t, f.do(t, http.MethodGet, "/", nil).Body.String(), ResetFlash)
}

func TestRenderMarkdownSanitizes(t *testing.T) {
	out := string(renderMarkdown("hello <script>alert(1)</script> | a |\n|---|\n| b |"))
	assert.NotContains(t, out, "<script>")
	assert.Contains(t, out, "hello")
}

func TestBuildStepViewsHidesSingleStep(t *testing.T) {
	assert.Nil(t, buildStepViews([]agent.Step{{Type: agent.StepFinalAnswer}}))
	views := buildStepViews([]agent.Step{
		{TaskName: "call_model", Type: agent.StepToolDecision},
		{TaskName: "error", Type: agent.StepError},
		{TaskName: "call_model", Type: agent.StepFinalAnswer},
	})
	require.Len(t, views, 2)
	assert.Equal(t, "Tool Decision", views[0].Type)
	assert.Equal(t, "📝", views[1].Icon)
	assert.Equal(t, "Error", views[1].Title)
	assert.Equal(t, 2, views[1].Number)
}
