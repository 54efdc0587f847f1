package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Forward-only migrations gated by the schema_version row in meta. Each
// migration runs in its own transaction; nothing here is ever destructive.
var migrations = []string{
	// v1: core tables
	`
	CREATE TABLE IF NOT EXISTS channel_watermarks (
		channel_id TEXT PRIMARY KEY,
		channel_name TEXT NOT NULL DEFAULT '',
		last_ts TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		channel_name TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		thread_parent TEXT,
		is_mention INTEGER NOT NULL DEFAULT 0,
		is_dm INTEGER NOT NULL DEFAULT 0,
		matched_keywords TEXT NOT NULL DEFAULT '[]',
		raw_payload TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at INTEGER NOT NULL,
		processed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_pending_status ON pending_messages(status);
	CREATE INDEX IF NOT EXISTS idx_pending_channel ON pending_messages(channel_id, created_at);

	CREATE TABLE IF NOT EXISTS cached_channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		topic TEXT NOT NULL DEFAULT '',
		member_count INTEGER NOT NULL DEFAULT 0,
		is_dm INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_channels_name ON cached_channels(name);

	CREATE TABLE IF NOT EXISTS cached_users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		real_name TEXT NOT NULL DEFAULT '',
		display_name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		is_bot INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_name ON cached_users(name);

	CREATE TABLE IF NOT EXISTS cached_groups (
		id TEXT PRIMARY KEY,
		handle TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		members TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notified_messages (
		message_ts TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		notified_at INTEGER NOT NULL,
		PRIMARY KEY (message_ts, channel_id)
	);
	`,
	// v2: meeting scheduler tables
	`
	CREATE TABLE IF NOT EXISTS meetings (
		event_id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		meet_url TEXT NOT NULL,
		scheduled_start INTEGER NOT NULL,
		scheduled_end INTEGER,
		organizer TEXT NOT NULL DEFAULT '',
		calendar_id TEXT NOT NULL DEFAULT '',
		calendar_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'scheduled',
		bot_mode TEXT NOT NULL DEFAULT 'notes',
		video_enabled INTEGER NOT NULL DEFAULT 0,
		approved_by TEXT NOT NULL DEFAULT '',
		actual_end INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_meetings_status ON meetings(status, scheduled_start);

	CREATE TABLE IF NOT EXISTS transcripts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		meeting_id TEXT NOT NULL,
		speaker TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		ts INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transcripts_meeting ON transcripts(meeting_id, id);

	CREATE TABLE IF NOT EXISTS calendars (
		calendar_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		auto_join INTEGER NOT NULL DEFAULT 0,
		bot_mode TEXT NOT NULL DEFAULT 'notes',
		added_at INTEGER NOT NULL
	);
	`,
	// v3: approval audit trail
	`
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT,
		result TEXT NOT NULL,
		details TEXT,
		created_at INTEGER NOT NULL
	);
	`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", i+1, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO meta (key, value) VALUES ('schema_version', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			fmt.Sprintf("%d", i+1),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record schema v%d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", i+1, err)
		}
		s.logger.Info().Int("version", i+1).Msg("applied schema migration")
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed schema version %q: %w", raw, err)
	}
	return v, nil
}
