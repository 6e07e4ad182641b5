// Package storage implements the sqlite-backed storage collaborator
// described in spec.md §6: one active dialog per (external_user_id,
// channel_type), its full utterance/hypothesis history, and the
// rating endpoints channels use to record user feedback.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/dp-orchestrator/internal/dialog"
)

const (
	schemaVersion  = 1
	schemaChecksum = "dp-v1-dialog-store"
)

// Store is a sqlite-backed implementation of dialog.Repository plus
// the broader storage collaborator spec.md §6 describes
// (GetOrCreateDialog, DropActiveDialog, rating endpoints).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite database at dsn and
// applies the schema migration ledger.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN()
	}
	if dir := filepath.Dir(dsn); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create db directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DefaultDSN returns the default sqlite file path under the user's
// home directory.
func DefaultDSN() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dp-orchestrator", "dialogs.db")
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("storage: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin schema tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version   INTEGER PRIMARY KEY,
			checksum  TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("storage: read schema version: %w", err)
	}
	if maxVersion > schemaVersion {
		return fmt.Errorf("storage: db schema version %d is newer than supported %d", maxVersion, schemaVersion)
	}
	if maxVersion == schemaVersion {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("storage: read schema checksum: %w", err)
		}
		if checksum != schemaChecksum {
			return fmt.Errorf("storage: schema checksum mismatch: got %q want %q", checksum, schemaChecksum)
		}
		return tx.Commit()
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS dialogs (
			id               TEXT PRIMARY KEY,
			external_user_id TEXT NOT NULL,
			channel_type     TEXT NOT NULL,
			active           INTEGER NOT NULL DEFAULT 1,
			rating           REAL,
			created_at       TEXT NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_dialogs_active_owner
			ON dialogs(external_user_id, channel_type) WHERE active = 1;`,
		`CREATE TABLE IF NOT EXISTS utterances (
			utt_id        TEXT PRIMARY KEY,
			dialog_id     TEXT NOT NULL REFERENCES dialogs(id),
			in_dialog_id  INTEGER NOT NULL,
			role          TEXT NOT NULL,
			text          TEXT NOT NULL,
			orig_text     TEXT,
			active_skill  TEXT,
			confidence    REAL,
			rating        REAL,
			date_time     TEXT NOT NULL,
			annotations   TEXT NOT NULL DEFAULT '{}',
			attributes    TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_utterances_dialog ON utterances(dialog_id, in_dialog_id);`,
		`CREATE TABLE IF NOT EXISTS hypotheses (
			utt_id      TEXT NOT NULL REFERENCES utterances(utt_id),
			idx         INTEGER NOT NULL,
			skill_name  TEXT NOT NULL,
			text        TEXT NOT NULL,
			confidence  REAL NOT NULL,
			annotations TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (utt_id, idx)
		);`,
	}
	for _, stmt := range ddl {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);`,
		schemaVersion, schemaChecksum, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("storage: record schema version: %w", err)
	}
	return tx.Commit()
}

// retryOnBusy retries f with bounded exponential backoff when sqlite
// reports the database as busy or locked — the single-writer-process
// assumption (db.SetMaxOpenConns(1)) still leaves room for a slow
// checkpoint to collide with a concurrent read.
func retryOnBusy(ctx context.Context, f func() error) error {
	const maxRetries = 5
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// GetOrCreateDialog returns the active dialog for (externalUserID,
// channelType), or creates a fresh one if none is active or reset is
// true (spec.md §6 "Storage collaborator").
func (s *Store) GetOrCreateDialog(ctx context.Context, externalUserID, channelType string, reset bool) (*dialog.Dialog, error) {
	if reset {
		if err := s.DropActiveDialog(ctx, externalUserID, channelType); err != nil {
			return nil, err
		}
	} else if d, err := s.loadActiveDialog(ctx, externalUserID, channelType); err != nil {
		return nil, err
	} else if d != nil {
		return d, nil
	}

	d := dialog.New(externalUserID, channelType)
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO dialogs (id, external_user_id, channel_type, active, created_at) VALUES (?, ?, ?, 1, ?);`,
			d.ID, externalUserID, channelType, time.Now().UTC().Format(time.RFC3339))
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create dialog: %w", err)
	}
	return d, nil
}

func (s *Store) loadActiveDialog(ctx context.Context, externalUserID, channelType string) (*dialog.Dialog, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM dialogs WHERE external_user_id = ? AND channel_type = ? AND active = 1;`,
		externalUserID, channelType).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: query active dialog: %w", err)
	}
	return s.loadDialog(ctx, id, externalUserID, channelType)
}

func (s *Store) loadDialog(ctx context.Context, id, externalUserID, channelType string) (*dialog.Dialog, error) {
	d := &dialog.Dialog{ID: id, ExternalUserID: externalUserID, ChannelType: channelType}

	rows, err := s.db.QueryContext(ctx, `
		SELECT utt_id, in_dialog_id, role, text, orig_text, active_skill, confidence, date_time, annotations, attributes
		FROM utterances WHERE dialog_id = ? ORDER BY in_dialog_id ASC;`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: query utterances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u dialog.Utterance
		var origText, activeSkill sql.NullString
		var confidence sql.NullFloat64
		var dateTime, annotationsJSON, attrsJSON string
		if err := rows.Scan(&u.UttID, &u.InDialogID, &u.Role, &u.Text, &origText, &activeSkill, &confidence, &dateTime, &annotationsJSON, &attrsJSON); err != nil {
			return nil, fmt.Errorf("storage: scan utterance: %w", err)
		}
		u.OrigText = origText.String
		u.ActiveSkill = activeSkill.String
		u.Confidence = confidence.Float64
		if t, err := time.Parse(time.RFC3339, dateTime); err == nil {
			u.DateTime = t
		}
		u.Annotations = decodeJSONMap(annotationsJSON)
		u.Attributes = decodeJSONMap(attrsJSON)
		u.ServiceResponses = map[string]any{}
		d.Utterances = append(d.Utterances, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range d.Utterances {
		if d.Utterances[i].Role != dialog.RoleHuman {
			continue
		}
		hyps, err := s.loadHypotheses(ctx, d.Utterances[i].UttID)
		if err != nil {
			return nil, err
		}
		d.Utterances[i].Hypotheses = hyps
	}
	return d, nil
}

func (s *Store) loadHypotheses(ctx context.Context, uttID string) ([]dialog.Hypothesis, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT skill_name, text, confidence, annotations FROM hypotheses WHERE utt_id = ? ORDER BY idx ASC;`, uttID)
	if err != nil {
		return nil, fmt.Errorf("storage: query hypotheses: %w", err)
	}
	defer rows.Close()

	var out []dialog.Hypothesis
	for rows.Next() {
		var h dialog.Hypothesis
		var annotationsJSON string
		if err := rows.Scan(&h.SkillName, &h.Text, &h.Confidence, &annotationsJSON); err != nil {
			return nil, fmt.Errorf("storage: scan hypothesis: %w", err)
		}
		h.Annotations = decodeJSONMap(annotationsJSON)
		out = append(out, h)
	}
	return out, rows.Err()
}

// DropActiveDialog marks the active dialog for (externalUserID,
// channelType) inactive without deleting its history, so a later reset
// still leaves the prior conversation queryable for audit/rating.
func (s *Store) DropActiveDialog(ctx context.Context, externalUserID, channelType string) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE dialogs SET active = 0 WHERE external_user_id = ? AND channel_type = ? AND active = 1;`,
			externalUserID, channelType)
		return err
	})
}

// SaveDialog persists the full current state of d, replacing whatever
// utterance/hypothesis rows previously existed for it. This
// implements dialog.Repository and is the collaborator behind the
// save_dialog state hook.
func (s *Store) SaveDialog(ctx context.Context, d *dialog.Dialog) error {
	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin save_dialog tx: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dialogs (id, external_user_id, channel_type, active, created_at)
			 VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT(id) DO NOTHING;`,
			d.ID, d.ExternalUserID, d.ChannelType, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("storage: upsert dialog: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM hypotheses WHERE utt_id IN (SELECT utt_id FROM utterances WHERE dialog_id = ?);`, d.ID); err != nil {
			return fmt.Errorf("storage: clear hypotheses: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM utterances WHERE dialog_id = ?;`, d.ID); err != nil {
			return fmt.Errorf("storage: clear utterances: %w", err)
		}

		for _, u := range d.Utterances {
			annotationsJSON, err := json.Marshal(u.Annotations)
			if err != nil {
				return fmt.Errorf("storage: marshal annotations: %w", err)
			}
			attrsJSON, err := json.Marshal(u.Attributes)
			if err != nil {
				return fmt.Errorf("storage: marshal attributes: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO utterances (utt_id, dialog_id, in_dialog_id, role, text, orig_text, active_skill, confidence, date_time, annotations, attributes)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				u.UttID, d.ID, u.InDialogID, string(u.Role), u.Text, u.OrigText, u.ActiveSkill, u.Confidence,
				u.DateTime.UTC().Format(time.RFC3339), string(annotationsJSON), string(attrsJSON)); err != nil {
				return fmt.Errorf("storage: insert utterance: %w", err)
			}
			for i, h := range u.Hypotheses {
				hAnnotationsJSON, err := json.Marshal(h.Annotations)
				if err != nil {
					return fmt.Errorf("storage: marshal hypothesis annotations: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO hypotheses (utt_id, idx, skill_name, text, confidence, annotations)
					VALUES (?, ?, ?, ?, ?, ?);`,
					u.UttID, i, h.SkillName, h.Text, h.Confidence, string(hAnnotationsJSON)); err != nil {
					return fmt.Errorf("storage: insert hypothesis: %w", err)
				}
			}
		}
		return tx.Commit()
	})
}

// SetRatingDialog records a user-facing dialog rating (spec.md §6).
func (s *Store) SetRatingDialog(ctx context.Context, dialogID string, rating float64) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE dialogs SET rating = ? WHERE id = ?;`, rating, dialogID)
		if err != nil {
			return err
		}
		return checkRowAffected(res, "dialog", dialogID)
	})
}

// SetRatingUtterance records a rating for one bot utterance.
func (s *Store) SetRatingUtterance(ctx context.Context, uttID string, rating float64) error {
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE utterances SET rating = ? WHERE utt_id = ?;`, rating, uttID)
		if err != nil {
			return err
		}
		return checkRowAffected(res, "utterance", uttID)
	})
}

// ListDialogIDs returns every dialog id ever created for
// externalUserID on channelType, most recent first.
func (s *Store) ListDialogIDs(ctx context.Context, externalUserID, channelType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM dialogs WHERE external_user_id = ? AND channel_type = ? ORDER BY created_at DESC;`,
		externalUserID, channelType)
	if err != nil {
		return nil, fmt.Errorf("storage: list dialog ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func checkRowAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: no such %s %q", kind, id)
	}
	return nil
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{}
	}
	return m
}
