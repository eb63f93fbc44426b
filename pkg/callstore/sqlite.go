package callstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/callpilot/pkg/conversation"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite call store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DSNForFile returns a DSN with WAL and a busy timeout for the given path.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite call store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS calls (
			call_sid TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			intent TEXT NOT NULL DEFAULT '',
			voice_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			end_reason TEXT NOT NULL DEFAULT '',
			transcript TEXT NOT NULL DEFAULT '',
			history_json TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			ended_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_calls_user_created ON calls(user_id, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS user_voice_settings (
			user_id TEXT PRIMARY KEY,
			voice_id TEXT NOT NULL,
			preset TEXT NOT NULL DEFAULT '',
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite call store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateCall(ctx context.Context, rec CallRecord) error {
	if rec.CallSid == "" {
		return errors.New("sqlite call store: empty call sid")
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_sid, user_id, phone, intent, voice_id, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_sid) DO UPDATE SET
			user_id = CASE WHEN excluded.user_id != '' THEN excluded.user_id ELSE calls.user_id END,
			phone = CASE WHEN excluded.phone != '' THEN excluded.phone ELSE calls.phone END,
			intent = CASE WHEN excluded.intent != '' THEN excluded.intent ELSE calls.intent END,
			voice_id = CASE WHEN excluded.voice_id != '' THEN excluded.voice_id ELSE calls.voice_id END,
			updated_at_ms = excluded.updated_at_ms
	`, rec.CallSid, rec.UserID, rec.Phone, rec.Intent, rec.VoiceID, rec.Status, rec.CreatedAt.UnixMilli(), now.UnixMilli())
	return errors.Wrap(err, "sqlite call store: create call")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, callSid, status string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_sid, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(call_sid) DO UPDATE SET status = excluded.status, updated_at_ms = excluded.updated_at_ms
	`, callSid, status, at.UnixMilli(), at.UnixMilli())
	return errors.Wrap(err, "sqlite call store: update status")
}

func (s *SQLiteStore) SaveOutcome(ctx context.Context, callSid string, o Outcome) error {
	if o.EndedAt.IsZero() {
		o.EndedAt = time.Now()
	}
	history := o.History
	if history == nil {
		history = []conversation.Entry{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return errors.Wrap(err, "sqlite call store: marshal history")
	}
	transcript := conversation.Format(history, conversation.TranscriptLabels)
	ms := o.EndedAt.UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO calls (call_sid, status, end_reason, transcript, history_json, created_at_ms, updated_at_ms, ended_at_ms)
		VALUES (?, 'completed', ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_sid) DO UPDATE SET
			status = 'completed',
			end_reason = excluded.end_reason,
			transcript = excluded.transcript,
			history_json = excluded.history_json,
			updated_at_ms = excluded.updated_at_ms,
			ended_at_ms = excluded.ended_at_ms
	`, callSid, o.EndReason, transcript, string(historyJSON), ms, ms, ms)
	return errors.Wrap(err, "sqlite call store: save outcome")
}

func (s *SQLiteStore) SaveSummary(ctx context.Context, callSid, summary string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_sid, summary, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(call_sid) DO UPDATE SET summary = excluded.summary, updated_at_ms = excluded.updated_at_ms
	`, callSid, summary, now, now)
	return errors.Wrap(err, "sqlite call store: save summary")
}

const callColumns = `call_sid, user_id, phone, intent, voice_id, status, end_reason, transcript, history_json, summary, created_at_ms, updated_at_ms, ended_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var (
		rec                      CallRecord
		historyJSON              string
		createdMs, updatedMs, ms int64
	)
	if err := row.Scan(&rec.CallSid, &rec.UserID, &rec.Phone, &rec.Intent, &rec.VoiceID, &rec.Status,
		&rec.EndReason, &rec.Transcript, &historyJSON, &rec.Summary, &createdMs, &updatedMs, &ms); err != nil {
		return CallRecord{}, err
	}
	if historyJSON != "" {
		if err := json.Unmarshal([]byte(historyJSON), &rec.History); err != nil {
			return CallRecord{}, errors.Wrap(err, "decode history")
		}
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	rec.UpdatedAt = time.UnixMilli(updatedMs)
	if ms > 0 {
		rec.EndedAt = time.UnixMilli(ms)
	}
	return rec, nil
}

func (s *SQLiteStore) GetCall(ctx context.Context, callSid string) (CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE call_sid = ?`, callSid)
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CallRecord{}, errors.Wrap(ErrNotFound, callSid)
	}
	if err != nil {
		return CallRecord{}, errors.Wrap(err, "sqlite call store: get call")
	}
	return rec, nil
}

func (s *SQLiteStore) ListCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM calls ORDER BY created_at_ms DESC, call_sid LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite call store: list calls")
	}
	defer func() { _ = rows.Close() }()
	var out []CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) VoicePreference(ctx context.Context, userID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT voice_id FROM user_voice_settings WHERE user_id = ?`, userID)
	var voiceID string
	switch err := row.Scan(&voiceID); err {
	case nil:
		return voiceID, nil
	case sql.ErrNoRows:
		return "", nil
	default:
		return "", errors.Wrap(err, "sqlite call store: voice preference")
	}
}

func (s *SQLiteStore) SetVoicePreference(ctx context.Context, userID, voiceID, preset string) error {
	if userID == "" || voiceID == "" {
		return errors.New("sqlite call store: user id and voice id are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_voice_settings (user_id, voice_id, preset, updated_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET voice_id = excluded.voice_id, preset = excluded.preset, updated_at_ms = excluded.updated_at_ms
	`, userID, voiceID, preset, time.Now().UnixMilli())
	return errors.Wrap(err, "sqlite call store: set voice preference")
}
