package migrate

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  int
	}{
		{"plain", "create table a(x int); create table b(y int);", 2},
		{"semicolon in string", "insert into t(v) values ('a;b'); select 1;", 2},
		{"trailing without semicolon", "select 1", 1},
		{"dollar quoted body", "create function f() returns trigger as $body$ begin return new; end; $body$ language plpgsql; select 1;", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitStatements(tc.input)
			if len(got) != tc.want {
				t.Fatalf("got %d statements, want %d: %#v", len(got), tc.want, got)
			}
		})
	}
}

func TestUpAppliesPendingInOrder(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("0002_changes.up.sql", "create table delegation_changes(id text);")
	write("0001_policies.up.sql", "create table delegated_policies(doc jsonb);")

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists applied_sql").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from applied_sql").
		WithArgs(kindMigration).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_policies.up.sql"))

	// Only the unapplied file runs, inside one transaction with its record.
	mock.ExpectBegin()
	mock.ExpectExec("create table delegation_changes").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into applied_sql").
		WithArgs(kindMigration, "0002_changes.up.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := NewManager(db, dir, "")
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPendingListsUnapplied(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0001_a.up.sql", "0002_b.up.sql"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists applied_sql").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from applied_sql").
		WithArgs(kindMigration).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))

	m := NewManager(db, dir, "")
	pending, err := m.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != "0002_b.up.sql" {
		t.Fatalf("pending = %v", pending)
	}
}

func TestDownRequiresAppliedMigration(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("create table if not exists applied_sql").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from applied_sql").
		WithArgs(kindMigration).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	m := NewManager(db, t.TempDir(), "")
	err = m.Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no migrations applied") {
		t.Fatalf("expected no-migrations error, got %v", err)
	}
}
