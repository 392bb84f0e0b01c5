package mysql

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestFileConversationRepositoryPersists(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "history.jsonl")
	repo, err := NewFileConversationRepository(path)
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	ctx := context.Background()

	for _, msg := range []*Message{
		{SessionID: "s1", Role: RoleUser, Content: "first"},
		{SessionID: "s1", Role: RoleAssistant, Content: "answer", TaskID: "t1", Steps: json.RawMessage(`[{"index":1}]`)},
		{SessionID: "s1", Role: RoleUser, Content: "second"},
		{SessionID: "s2", Role: RoleUser, Content: "other"},
	} {
		if err := repo.Append(ctx, msg); err != nil {
			t.Fatalf("append: %v", err)
		}
		if msg.ID == "" || msg.CreatedAt == 0 {
			t.Fatalf("expected id and timestamp to be assigned: %+v", msg)
		}
	}
	if err := repo.Append(ctx, &Message{SessionID: "s1", Role: "system", Content: "x"}); err == nil {
		t.Fatalf("expected role validation error")
	}

	last, err := repo.List(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(last) != 2 || last[0].Content != "answer" || last[1].Content != "second" {
		t.Fatalf("unexpected tail: %+v", last)
	}

	if err := repo.Clear(ctx, "s2"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	reopened, err := NewFileConversationRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	all, _ := reopened.List(ctx, "s1", 0)
	if len(all) != 3 {
		t.Fatalf("expected 3 restored messages, got %d", len(all))
	}
	if string(all[1].Steps) != `[{"index":1}]` || all[1].TaskID != "t1" {
		t.Fatalf("steps not restored: %+v", all[1])
	}
	if cleared, _ := reopened.List(ctx, "s2", 0); len(cleared) != 0 {
		t.Fatalf("cleared session restored: %+v", cleared)
	}
}

func TestSQLConversationRepository(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	repo := NewSQLConversationRepository(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversation_messages")).
		WithArgs("m1", "s1", RoleUser, "hello", "", nil, int64(100)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := repo.Append(ctx, &Message{ID: "m1", SessionID: "s1", Role: RoleUser, Content: "hello", CreatedAt: 100}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "session_id", "role", "content", "task_id", "steps", "created_at"}).
		AddRow("m2", "s1", RoleAssistant, "hi", "t1", `[{"index":1}]`, int64(101)).
		AddRow("m1", "s1", RoleUser, "hello", "", nil, int64(100))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?")).
		WithArgs("s1", 2).
		WillReturnRows(rows)
	messages, err := repo.List(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "m1" || messages[1].TaskID != "t1" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
	if string(messages[1].Steps) != `[{"index":1}]` {
		t.Fatalf("unexpected steps: %s", messages[1].Steps)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM conversation_messages WHERE session_id = ?")).
		WithArgs("s1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	if err := repo.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	mock.ExpectClose()
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"0001_init.sql":  {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"0002_extra.sql": {Data: []byte("CREATE TABLE c (id INT);")},
		"README.md":      {Data: []byte("ignored")},
	}

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS schema_migrations")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version FROM schema_migrations")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("0001"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE c (id INT)")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)")).
		WithArgs("0002", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := runMigrations(context.Background(), db, files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(files))
	}
	if files[0].version != "0001" || files[1].version != "0002" {
		t.Fatalf("unexpected order: %s, %s", files[0].version, files[1].version)
	}
	for _, file := range files {
		if len(file.statements) != 1 {
			t.Fatalf("%s: expected a single statement, got %d", file.name, len(file.statements))
		}
	}
}
