package task

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"pharmassist/internal/agent"
)

var taskRowColumns = []string{"id", "session_id", "question", "status", "attempts", "max_retries", "last_error", "error_code", "steps", "answer", "created_at", "updated_at"}

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db), mock
}

func TestMySQLStoreCreateAndConflict(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO query_tasks")).
		WithArgs("t1", "s1", "aspirin", "pending", 0, 3, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO query_tasks")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	task := &Task{ID: "t1", SessionID: "s1", Question: "aspirin", Status: StatusPending, MaxRetries: 3}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.CreatedAt == 0 || task.UpdatedAt == 0 {
		t.Fatalf("timestamps must be set: %+v", task)
	}
	if err := store.Create(ctx, task); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreGetDecodesStepsAndAnswer(t *testing.T) {
	store, mock := newMockStore(t)

	steps := `[{"index":1,"task_name":"call_model","type":"final_answer","content":"done","is_final":true,"created_at":"2024-01-01T00:00:00Z"}]`
	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE id = ?")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("t1", "s1", "aspirin", "succeeded", 1, 3, nil, "", []byte(steps), "Aspirin answer", 10, 20))
	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	task, err := store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != StatusSucceeded || task.Result == nil || task.Result.Answer != "Aspirin answer" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if len(task.Steps) != 1 || task.Steps[0].Type != agent.StepFinalAnswer || !task.Steps[0].IsFinal {
		t.Fatalf("unexpected steps: %+v", task.Steps)
	}
	if _, err := store.Get(context.Background(), "missing"); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreClaim(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE query_tasks SET status = ?, attempts = attempts + 1")).
		WithArgs("running", sqlmock.AnyArg(), "t1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("t1", "s1", "q", "running", 1, 3, "", "", []byte("[]"), nil, 10, 20))

	task, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task.Status != StatusRunning || task.Attempts != 1 || len(task.Steps) != 0 || task.Result != nil {
		t.Fatalf("unexpected claimed task: %+v", task)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE query_tasks SET status = ?, attempts = attempts + 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("t2", "s1", "q", "succeeded", 1, 3, "", "", nil, "done", 10, 20))
	if _, err := store.Claim(ctx, "t2"); !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed, got %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE query_tasks SET status = ?, attempts = attempts + 1")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE id = ?")).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("t3", "s1", "q", "failed", 3, 3, "boom", "TIMEOUT", nil, nil, 10, 20))
	if _, err := store.Claim(ctx, "t3"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreStateTransitions(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("JSON_ARRAY_APPEND(COALESCE(steps, JSON_ARRAY()), '$', CAST(? AS JSON))")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE query_tasks SET status = ?, answer = ?")).
		WithArgs("succeeded", "final", sqlmock.AnyArg(), "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE query_tasks SET status = ?, last_error = ?, error_code = ?")).
		WithArgs("pending", "retry", "TIMEOUT", sqlmock.AnyArg(), "t2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE query_tasks SET status = ?, last_error = ?, error_code = ?")).
		WithArgs("failed", "boom", "TIMEOUT", sqlmock.AnyArg(), "t3").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.AppendStep(ctx, "t1", agent.Step{Index: 1, Type: agent.StepToolDecision}); err != nil {
		t.Fatalf("append step: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t1", ExecutionResult{Answer: "final"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkFailed(ctx, "t2", "TIMEOUT", "retry", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkFailed(ctx, "t3", "TIMEOUT", "boom", true); !IsTaskError(err, CodeTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreListAndStats(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	opts := buildListOptions([]ListOption{
		WithStatuses(StatusSucceeded),
		WithSession("s1"),
		WithQuery("aspirin"),
		WithLimit(5),
	})

	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE status IN (?) AND session_id = ? AND (id LIKE ? OR question LIKE ? OR answer LIKE ? OR last_error LIKE ?) ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT ? OFFSET ?")).
		WithArgs("succeeded", "s1", "%aspirin%", "%aspirin%", "%aspirin%", "%aspirin%", 5, 0).
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow("t1", "s1", "aspirin?", "succeeded", 1, 3, "", "", nil, "yes", 10, 20))

	tasks, err := store.List(ctx, opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Result.Answer != "yes" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM query_tasks WHERE (answer IS NOT NULL AND answer <> '')")).
		WithArgs("pending", "running", "succeeded", "failed").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "running", "succeeded", "failed", "oldest", "newest"}).
			AddRow(2, 0, 0, 2, 0, 100, 200))

	stats, err := store.Stats(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Succeeded != 2 || stats.OldestUpdatedAt != 100 || stats.NewestUpdatedAt != 200 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
