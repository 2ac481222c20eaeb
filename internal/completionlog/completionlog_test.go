package completionlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	dbpkg "distasks/internal/db"
	"distasks/internal/dispatch"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", "file:completionlog_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := dbpkg.Init(db); err != nil {
		t.Fatalf("init db: %v", err)
	}
	if err := dbpkg.Migrate(db); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	return db
}

func TestAppendAndCount(t *testing.T) {
	l := New(testDB(t), zerolog.Nop())
	ctx := context.Background()
	if err := l.Append(ctx, 7, 1, json.RawMessage(`{"ok":true}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	n, err := l.Count(ctx, 7)
	if err != nil || n != 1 {
		t.Fatalf("count: %d %v", n, err)
	}
	n, err = l.Count(ctx, 8)
	if err != nil || n != 0 {
		t.Fatalf("count missing: %d %v", n, err)
	}
}

func TestOnComplete_RecordsAndDoesNotRepeat(t *testing.T) {
	l := New(testDB(t), zerolog.Nop())
	onComplete := l.OnComplete(nil)
	repeat, err := onComplete(dispatch.Task{Num: 3, Runs: 1}, json.RawMessage(`"done"`))
	if err != nil || repeat {
		t.Fatalf("expected no repeat, got %v %v", repeat, err)
	}
	n, err := l.Count(context.Background(), 3)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 record, got %d %v", n, err)
	}
}

func TestOnComplete_ValidationFailureStillRecords(t *testing.T) {
	l := New(testDB(t), zerolog.Nop())
	validateErr := errors.New("bad shape")
	onComplete := l.OnComplete(func(json.RawMessage) error { return validateErr })
	repeat, err := onComplete(dispatch.Task{Num: 5}, json.RawMessage(`{}`))
	if err != nil || repeat {
		t.Fatalf("expected record despite validation warning, got %v %v", repeat, err)
	}
	n, _ := l.Count(context.Background(), 5)
	if n != 1 {
		t.Fatalf("expected recorded despite validation warning, got %d", n)
	}
}
