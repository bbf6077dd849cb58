package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	logx "timerquiz/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage"))}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- schedules ----

func (s *sqliteStore) SaveSchedule(ctx context.Context, r Schedule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("schedule id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = SchedulePending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, content_ref, owner, target_chat_id, scheduled_at, created_at, status, timer_seconds, last_error)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   content_ref=excluded.content_ref,
		   owner=excluded.owner,
		   target_chat_id=excluded.target_chat_id,
		   scheduled_at=excluded.scheduled_at,
		   status=excluded.status,
		   timer_seconds=excluded.timer_seconds,
		   last_error=excluded.last_error
		 WHERE schedules.status = 'pending' OR schedules.status = excluded.status`,
		r.ID, r.ContentRef, r.Owner, r.TargetChatID, fmtTime(r.ScheduledAt), fmtTime(r.CreatedAt),
		string(r.Status), r.TimerSeconds, nullStr(r.LastError),
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", r.ID, err)
	}
	// A settled schedule never goes back to pending, even from a stale copy.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("save schedule %s: %w: settled -> %s", r.ID, ErrInvalidTransition, r.Status)
	}
	return nil
}

const scheduleCols = `id, content_ref, owner, target_chat_id, scheduled_at, created_at, status, timer_seconds, last_error`

func (s *sqliteStore) LoadSchedule(ctx context.Context, id string) (Schedule, error) {
	if s == nil || s.db == nil {
		return Schedule{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	r, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if f.Owner != 0 {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Before.IsZero() {
		where = append(where, "scheduled_at <= ?")
		args = append(args, fmtTime(f.Before))
	}
	q := `SELECT ` + scheduleCols + ` FROM schedules`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		r, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}

// UpdateScheduleStatus moves a pending schedule to a terminal status.
// Repeating the same terminal status is a no-op.
func (s *sqliteStore) UpdateScheduleStatus(ctx context.Context, id string, status ScheduleStatus, lastErr string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !status.Terminal() {
		return fmt.Errorf("%w: pending -> %s", ErrInvalidTransition, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(status), nullStr(lastErr), id, string(SchedulePending),
	)
	if err != nil {
		return fmt.Errorf("update schedule %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var cur string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM schedules WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if ScheduleStatus(cur) == status {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		r           Schedule
		at, created string
		status      string
		lastErr     sql.NullString
	)
	if err := row.Scan(&r.ID, &r.ContentRef, &r.Owner, &r.TargetChatID, &at, &created, &status, &r.TimerSeconds, &lastErr); err != nil {
		return Schedule{}, err
	}
	r.ScheduledAt = parseTime(at)
	r.CreatedAt = parseTime(created)
	r.Status = ScheduleStatus(status)
	r.LastError = lastErr.String
	return r, nil
}

// ---- sequences ----

func (s *sqliteStore) SaveSequence(ctx context.Context, r Sequence) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("sequence id is required")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = SequenceScheduled
	}
	quizzes, err := json.Marshal(nonNilQuizzes(r.Quizzes))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sequences(id, owner, name, target_chat_id, scheduled_at, created_at, status, current_index, quizzes)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner=excluded.owner,
		   name=excluded.name,
		   target_chat_id=excluded.target_chat_id,
		   scheduled_at=excluded.scheduled_at,
		   status=excluded.status,
		   current_index=excluded.current_index,
		   quizzes=excluded.quizzes`,
		r.ID, r.Owner, r.Name, r.TargetChatID, fmtTime(r.ScheduledAt), fmtTime(r.CreatedAt),
		string(r.Status), r.CurrentIndex, string(quizzes),
	)
	if err != nil {
		return fmt.Errorf("save sequence %s: %w", r.ID, err)
	}
	return nil
}

const sequenceCols = `id, owner, name, target_chat_id, scheduled_at, created_at, status, current_index, quizzes`

func (s *sqliteStore) LoadSequence(ctx context.Context, id string) (Sequence, error) {
	if s == nil || s.db == nil {
		return Sequence{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sequenceCols+` FROM sequences WHERE id = ?`, id)
	r, err := scanSequence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Sequence{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) ListSequences(ctx context.Context, f SequenceFilter) ([]Sequence, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		where []string
		args  []any
	)
	if f.Owner != 0 {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	q := `SELECT ` + sequenceCols + ` FROM sequences`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY scheduled_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sequence
	for rows.Next() {
		r, err := scanSequence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteSequence(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sequences WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) UpdateSequenceStatus(ctx context.Context, id string, status SequenceStatus) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sequences WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if SequenceStatus(cur) == status && !status.Terminal() {
		return nil
	}
	if !CanTransition(SequenceStatus(cur), status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sequences SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("update sequence %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *sqliteStore) UpdateSequenceProgress(ctx context.Context, id string, currentIndex int, quizzes []SequenceQuiz) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(nonNilQuizzes(quizzes))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sequences SET current_index = ?, quizzes = ? WHERE id = ?`,
		currentIndex, string(b), id,
	)
	if err != nil {
		return fmt.Errorf("update sequence %s progress: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSequence(row rowScanner) (Sequence, error) {
	var (
		r           Sequence
		at, created string
		status      string
		quizzes     string
	)
	if err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.TargetChatID, &at, &created, &status, &r.CurrentIndex, &quizzes); err != nil {
		return Sequence{}, err
	}
	r.ScheduledAt = parseTime(at)
	r.CreatedAt = parseTime(created)
	r.Status = SequenceStatus(status)
	if strings.TrimSpace(quizzes) != "" {
		if err := json.Unmarshal([]byte(quizzes), &r.Quizzes); err != nil {
			return Sequence{}, fmt.Errorf("sequence %s: decode quizzes: %w", r.ID, err)
		}
	}
	return r, nil
}

func nonNilQuizzes(q []SequenceQuiz) []SequenceQuiz {
	if q == nil {
		return []SequenceQuiz{}
	}
	return q
}

// ---- dead letters ----

func (s *sqliteStore) AppendDeadLetter(ctx context.Context, d DeadLetter) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.FailedAt.IsZero() {
		d.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(schedule_id, target, content_ref, intended_at, failed_at, attempts, reason)
		 VALUES(?,?,?,?,?,?,?)`,
		d.ScheduleID, d.Target, d.ContentRef, fmtTime(d.IntendedAt), fmtTime(d.FailedAt), d.Attempts, nullStr(d.Reason),
	)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id, schedule_id, target, content_ref, intended_at, failed_at, attempts, reason FROM dead_letters`
	var args []any
	if !f.Since.IsZero() {
		q += " WHERE failed_at >= ?"
		args = append(args, fmtTime(f.Since))
	}
	q += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			d        DeadLetter
			intended string
			failed   string
			reason   sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.ScheduleID, &d.Target, &d.ContentRef, &intended, &failed, &d.Attempts, &reason); err != nil {
			return nil, err
		}
		d.IntendedAt = parseTime(intended)
		d.FailedAt = parseTime(failed)
		d.Reason = reason.String
		out = append(out, d)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
