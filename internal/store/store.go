// Package store persists students, their face embeddings and the attendance
// ledger. SQLite is the default backend (file path in DATABASE_URL); a
// postgres:// URL switches to Postgres via pgx.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateStudent indicates a roll number or RFID UID collision.
	ErrDuplicateStudent = errors.New("store: duplicate roll number or rfid uid")
	// ErrEmbeddingExists indicates the student already has an embedding.
	ErrEmbeddingExists = errors.New("store: embedding already exists")
	// ErrDuplicateDay indicates the student already has a ledger entry for
	// that UTC calendar day.
	ErrDuplicateDay = errors.New("store: attendance already logged for day")
)

// Student is an enrolled student. Records are immutable after enrollment.
type Student struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	RollNumber string    `json:"roll_number"`
	RFIDUID    string    `json:"rfid_uid"`
	CreatedAt  time.Time `json:"created_at"`
}

// Log is one attendance ledger entry, joined with student identity for
// display.
type Log struct {
	ID         string    `json:"id"`
	StudentID  string    `json:"student_id"`
	Name       string    `json:"student_name"`
	RollNumber string    `json:"student_roll_number"`
	Timestamp  time.Time `json:"timestamp"`
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Store wraps the relational backend.
type Store struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the database named by databaseURL and runs migrations.
// Anything that is not a postgres URL is treated as a SQLite file path.
func Open(databaseURL string) (*Store, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		d = dialectPostgres
		db, err = sql.Open("pgx", databaseURL)
	} else {
		d = dialectSQLite
		if dir := filepath.Dir(databaseURL); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		db, err = sql.Open("sqlite3", databaseURL+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, dialect: d}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	timestampType := "DATETIME"
	if s.dialect == dialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}

	// One statement per Exec: pgx's extended protocol rejects batches.
	schema := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			roll_number TEXT UNIQUE NOT NULL,
			rfid_uid    TEXT UNIQUE NOT NULL,
			created_at  ` + timestampType + ` NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS face_embeddings (
			student_id  TEXT PRIMARY KEY REFERENCES students(id) ON DELETE CASCADE,
			vector      TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attendance_logs (
			id          TEXT PRIMARY KEY,
			student_id  TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			timestamp   ` + timestampType + ` NOT NULL,
			day         TEXT NOT NULL,
			UNIQUE (student_id, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_time ON attendance_logs(timestamp)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy verifies database connectivity.
func (s *Store) Healthy(ctx context.Context) bool {
	return s != nil && s.db.PingContext(ctx) == nil
}

// DayKey returns the UTC calendar day a timestamp falls on. It is the unit
// of the one-entry-per-day constraint.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// rebind rewrites ? placeholders to $n for Postgres. Queries are written
// SQLite-style throughout.
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

// -------- Students --------

// CreateStudent inserts a student and its face embedding in one transaction
// so a failure cannot leave a student without a stored face. vector is the
// serialized embedding. The uniqueness constraints on roll_number and
// rfid_uid are the authoritative duplicate guard.
func (s *Store) CreateStudent(ctx context.Context, st *Student, vector string) error {
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO students (id, name, roll_number, rfid_uid, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), st.ID, st.Name, st.RollNumber, st.RFIDUID, st.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateStudent
		}
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO face_embeddings (student_id, vector)
		VALUES (?, ?)
	`), st.ID, vector)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmbeddingExists
		}
		return err
	}

	return tx.Commit()
}

// StudentByRFID looks a student up by normalized RFID UID.
func (s *Store) StudentByRFID(ctx context.Context, uid string) (*Student, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, roll_number, rfid_uid, created_at
		FROM students WHERE rfid_uid = ?
	`), uid)
	var st Student
	if err := row.Scan(&st.ID, &st.Name, &st.RollNumber, &st.RFIDUID, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &st, nil
}

// StudentExists reports whether any student already uses the roll number or
// RFID UID. Fast-path pre-check only; CreateStudent remains the guard.
func (s *Store) StudentExists(ctx context.Context, rollNumber, uid string) (bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(1) FROM students WHERE roll_number = ? OR rfid_uid = ?
	`), rollNumber, uid)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListStudents returns all students ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, roll_number, rfid_uid, created_at
		FROM students ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Name, &st.RollNumber, &st.RFIDUID, &st.CreatedAt); err != nil {
			return nil, err
		}
		students = append(students, st)
	}
	return students, rows.Err()
}

// CountStudents returns the number of enrolled students.
func (s *Store) CountStudents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM students`).Scan(&n)
	return n, err
}

// -------- Embeddings --------

// Embedding returns the stored serialized embedding for a student.
func (s *Store) Embedding(ctx context.Context, studentID string) (string, error) {
	var vector string
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT vector FROM face_embeddings WHERE student_id = ?
	`), studentID).Scan(&vector)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return vector, err
}

// -------- Attendance ledger --------

// AppendLog inserts a ledger entry for the student at ts. The UNIQUE
// (student_id, day) constraint converts a concurrent same-day duplicate
// into ErrDuplicateDay instead of a silent double record.
func (s *Store) AppendLog(ctx context.Context, studentID string, ts time.Time) (*Log, error) {
	ts = ts.UTC()
	entry := &Log{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Timestamp: ts,
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO attendance_logs (id, student_id, timestamp, day)
		VALUES (?, ?, ?, ?)
	`), entry.ID, entry.StudentID, entry.Timestamp, DayKey(ts))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateDay
		}
		return nil, err
	}
	return entry, nil
}

// HasLoggedOn reports whether the student already has an entry for the
// given day key.
func (s *Store) HasLoggedOn(ctx context.Context, studentID, day string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(1) FROM attendance_logs WHERE student_id = ? AND day = ?
	`), studentID, day).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PresentOn counts distinct students with an entry for the given day key.
func (s *Store) PresentOn(ctx context.Context, day string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(DISTINCT student_id) FROM attendance_logs WHERE day = ?
	`), day).Scan(&n)
	return n, err
}

// ListLogs returns all ledger entries newest first, joined with student
// identity.
func (s *Store) ListLogs(ctx context.Context) ([]Log, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.student_id, s.name, s.roll_number, l.timestamp
		FROM attendance_logs l
		JOIN students s ON s.id = l.student_id
		ORDER BY l.timestamp DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.StudentID, &l.Name, &l.RollNumber, &l.Timestamp); err != nil {
			return nil, err
		}
		l.Timestamp = l.Timestamp.UTC()
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
