package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultTable = "applied_sql"

const (
	kindMigration = "migration"
	kindSeed      = "seed"
)

// Manager executes SQL migrations and seed files stored on disk. Bookkeeping
// lives in one table keyed by (kind, name); the record is inserted inside the
// same transaction as the file's statements, so a crash can never leave a
// file half-recorded.
type Manager struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
	table         string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the default bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, migrationsDir, seedsDir string, opts ...Option) *Manager {
	m := &Manager{
		db:            db,
		migrationsDir: migrationsDir,
		seedsDir:      seedsDir,
		table:         defaultTable,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies all pending migrations in filename order.
func (m *Manager) Up(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	return m.applyPending(ctx, kindMigration, m.migrationsDir, ".up.sql")
}

// Down rolls back the most recently applied migration.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.applied(ctx, kindMigration)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("no migrations applied")
	}
	last := applied[len(applied)-1]
	downPath := strings.TrimSuffix(filepath.Join(m.migrationsDir, last), ".up.sql") + ".down.sql"
	if _, err := os.Stat(downPath); err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execFile(ctx, tx, downPath); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where kind=$1 and name=$2`, m.table), kindMigration, last); err != nil {
		return err
	}
	return tx.Commit()
}

// Status returns applied migrations in apply order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	return m.applied(ctx, kindMigration)
}

// Pending returns migrations on disk that have not been applied.
func (m *Manager) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	done, err := m.appliedSet(ctx, kindMigration)
	if err != nil {
		return nil, err
	}
	files, err := collectSQL(m.migrationsDir, ".up.sql")
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, f := range files {
		if !done[f.base] {
			pending = append(pending, f.base)
		}
	}
	return pending, nil
}

// Seed applies seed files idempotently.
func (m *Manager) Seed(ctx context.Context) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	return m.applyPending(ctx, kindSeed, m.seedsDir, ".sql")
}

func (m *Manager) applyPending(ctx context.Context, kind, dir, suffix string) error {
	done, err := m.appliedSet(ctx, kind)
	if err != nil {
		return err
	}
	files, err := collectSQL(dir, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.base] {
			continue
		}
		if err := m.applyOne(ctx, kind, f); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.base, err)
		}
	}
	return nil
}

func (m *Manager) applyOne(ctx context.Context, kind string, f sqlFile) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := execFile(ctx, tx, f.path); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`insert into %s(kind, name) values ($1, $2)`, m.table), kind, f.base); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		);`, m.table)
	_, err := m.db.ExecContext(ctx, ddl)
	return err
}

func (m *Manager) applied(ctx context.Context, kind string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name from %s where kind=$1 order by applied_at asc, name asc`, m.table), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res = append(res, name)
	}
	return res, rows.Err()
}

func (m *Manager) appliedSet(ctx context.Context, kind string) (map[string]bool, error) {
	names, err := m.applied(ctx, kind)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set, nil
}

func execFile(ctx context.Context, tx *sql.Tx, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

type sqlFile struct {
	base string
	path string
}

func collectSQL(dir, suffix string) ([]sqlFile, error) {
	if dir == "" {
		return nil, nil
	}
	var files []sqlFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{base: d.Name(), path: path})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].base < files[j].base })
	return files, nil
}

// splitStatements splits SQL on semicolons outside single-quoted strings and
// dollar-quoted bodies.
func splitStatements(input string) []string {
	var stmts []string
	var current strings.Builder
	inString := false
	dollarTag := ""

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if inString {
			if r == '\'' {
				inString = false
			}
			continue
		}
		if dollarTag != "" {
			if r == '$' && strings.HasSuffix(current.String(), dollarTag) {
				dollarTag = ""
			}
			continue
		}
		switch r {
		case '\'':
			inString = true
		case '$':
			if tag, ok := dollarQuoteAt(runes, i); ok {
				dollarTag = tag
				for j := 1; j < len(tag); j++ {
					i++
					current.WriteRune(runes[i])
				}
			}
		case ';':
			stmts = append(stmts, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}

// dollarQuoteAt reports whether a dollar-quote opener like $$ or $body$
// starts at position i.
func dollarQuoteAt(runes []rune, i int) (string, bool) {
	j := i + 1
	for j < len(runes) && (runes[j] == '_' || isAlnum(runes[j])) {
		j++
	}
	if j < len(runes) && runes[j] == '$' {
		return string(runes[i : j+1]), true
	}
	return "", false
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
