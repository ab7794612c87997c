package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps the local history of finished searches and chat exchanges.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database in dataDir and applies
// pending migrations. Pass ":memory:" for an in-memory database.
func Open(dataDir string) (*Store, error) {
	dsn := ":memory:"
	if dataDir != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "crossdisc.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: an in-memory database is per-connection, and SQLite
	// serializes writers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		if err := s.applyMigration(entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(name string) error {
	version, err := parseMigrationVersion(name)
	if err != nil {
		return err
	}

	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	return tx.Commit()
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Searches ---

// SaveSearch records a finished search. A second record for the same task
// replaces the first, so a late results fetch can upgrade the counts.
func (s *Store) SaveSearch(r SearchRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Disciplines == "" {
		r.Disciplines = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO searches (id, task_id, concept, disciplines, status, total_chunks, validated_chunks, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			total_chunks = excluded.total_chunks,
			validated_chunks = excluded.validated_chunks,
			error = excluded.error`,
		r.ID, r.TaskID, r.Concept, r.Disciplines, r.Status, r.TotalChunks, r.ValidatedChunks, r.Error,
		r.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

const searchColumns = `id, task_id, concept, disciplines, status, total_chunks, validated_chunks, error, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSearch(row scanner) (SearchRecord, error) {
	var r SearchRecord
	var createdAt string
	if err := row.Scan(&r.ID, &r.TaskID, &r.Concept, &r.Disciplines, &r.Status, &r.TotalChunks, &r.ValidatedChunks, &r.Error, &createdAt); err != nil {
		return SearchRecord{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return SearchRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	r.CreatedAt = t
	return r, nil
}

// GetSearchByTask returns the record for a task id.
func (s *Store) GetSearchByTask(taskID string) (SearchRecord, error) {
	r, err := scanSearch(s.db.QueryRow(`SELECT `+searchColumns+` FROM searches WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return SearchRecord{}, ErrNotFound
	}
	return r, err
}

// RecentSearches returns up to limit records, newest first.
func (s *Store) RecentSearches(limit int) ([]SearchRecord, error) {
	rows, err := s.db.Query(`SELECT `+searchColumns+` FROM searches ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchRecord
	for rows.Next() {
		r, err := scanSearch(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Exchanges ---

// SaveExchange records one finished question/answer pair.
func (s *Store) SaveExchange(e Exchange) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	status := e.Status
	if status == "" {
		status = "completed"
	}
	_, err := s.db.Exec(`
		INSERT INTO exchanges (id, created_at, concept, source, target, question, answer, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CreatedAt.UTC().Format(time.RFC3339), e.Concept, e.Source, e.Target, e.Question, e.Answer, status,
	)
	return err
}

// RecentExchanges returns up to limit exchanges, newest first.
func (s *Store) RecentExchanges(limit int) ([]Exchange, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, concept, source, target, question, answer, status
		FROM exchanges ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Exchange
	for rows.Next() {
		var e Exchange
		var createdAt string
		if err := rows.Scan(&e.ID, &createdAt, &e.Concept, &e.Source, &e.Target, &e.Question, &e.Answer, &e.Status); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}

// Purge deletes all recorded searches and exchanges.
func (s *Store) Purge() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"searches", "exchanges"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("purging %s: %w", table, err)
		}
	}
	return tx.Commit()
}
