package avatarstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS avatar_definitions (
    id            TEXT PRIMARY KEY,
    scene_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL DEFAULT '',
    archetype     TEXT NOT NULL DEFAULT 'wander',
    spawn         TEXT NOT NULL DEFAULT '{}',
    walk_speed    REAL NOT NULL DEFAULT 0,
    run_threshold REAL NOT NULL DEFAULT 0,
    clips         TEXT NOT NULL DEFAULT '[]',
    actions       TEXT NOT NULL DEFAULT '{}',
    idle_variants TEXT NOT NULL DEFAULT '[]',
    attributes    TEXT NOT NULL DEFAULT '{}',
    created_at    TEXT NOT NULL,
    updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_avatar_definitions_scene ON avatar_definitions(scene_id);
`

// SQLiteStore is a [Store] backed by a local SQLite database file. Structured
// sub-fields are stored as JSON text.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
// The special path ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("avatarstore: empty sqlite path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("avatarstore: sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("avatarstore: open sqlite: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		sqliteSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("avatarstore: sqlite init: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("avatarstore: ping: %w", err)
	}
	return nil
}

// Create implements [Store].
func (s *SQLiteStore) Create(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e, err := encode(def)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	const query = `
		INSERT INTO avatar_definitions (
			id, scene_id, name, archetype, spawn, walk_speed, run_threshold,
			clips, actions, idle_variants, attributes, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, append(s.args(def, e), formatTime(now), formatTime(now))...)
	if err != nil {
		return fmt.Errorf("avatarstore: create: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %q", ErrExists, def.ID)
	}
	def.CreatedAt, def.UpdatedAt = now, now
	return nil
}

// Get implements [Store].
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Definition, error) {
	query := `SELECT ` + selectColumns + ` FROM avatar_definitions WHERE id = ?`

	def, err := scanSQLite(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("avatarstore: get %q: %w", id, err)
	}
	return def, nil
}

// Update implements [Store].
func (s *SQLiteStore) Update(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e, err := encode(def)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	const query = `
		UPDATE avatar_definitions SET
			scene_id = ?2, name = ?3, archetype = ?4, spawn = ?5,
			walk_speed = ?6, run_threshold = ?7, clips = ?8, actions = ?9,
			idle_variants = ?10, attributes = ?11, updated_at = ?12
		WHERE id = ?1
		RETURNING created_at`

	var created string
	err = s.db.QueryRowContext(ctx, query, append(s.args(def, e), formatTime(now))...).Scan(&created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrNotFound, def.ID)
		}
		return fmt.Errorf("avatarstore: update: %w", err)
	}
	if def.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	def.UpdatedAt = now
	return nil
}

// Delete implements [Store].
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM avatar_definitions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("avatarstore: delete %q: %w", id, err)
	}
	return nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, sceneID string) ([]Definition, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sceneID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM avatar_definitions ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM avatar_definitions WHERE scene_id = ? ORDER BY id`, sceneID)
	}
	if err != nil {
		return nil, fmt.Errorf("avatarstore: list: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		def, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("avatarstore: list scan: %w", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("avatarstore: list: %w", err)
	}
	return defs, nil
}

// Upsert implements [Store].
func (s *SQLiteStore) Upsert(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e, err := encode(def)
	if err != nil {
		return err
	}
	now := s.now().UTC()

	const query = `
		INSERT INTO avatar_definitions (
			id, scene_id, name, archetype, spawn, walk_speed, run_threshold,
			clips, actions, idle_variants, attributes, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			scene_id = excluded.scene_id,
			name = excluded.name,
			archetype = excluded.archetype,
			spawn = excluded.spawn,
			walk_speed = excluded.walk_speed,
			run_threshold = excluded.run_threshold,
			clips = excluded.clips,
			actions = excluded.actions,
			idle_variants = excluded.idle_variants,
			attributes = excluded.attributes,
			updated_at = excluded.updated_at
		RETURNING created_at`

	var created string
	err = s.db.QueryRowContext(ctx, query, append(s.args(def, e), formatTime(now), formatTime(now))...).Scan(&created)
	if err != nil {
		return fmt.Errorf("avatarstore: upsert: %w", err)
	}
	if def.CreatedAt, err = parseTime(created); err != nil {
		return err
	}
	def.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) args(def *Definition, e encoded) []any {
	return []any{
		def.ID, def.SceneID, def.Name, defaultArchetype(def), string(e.spawn),
		def.WalkSpeed, def.RunThreshold, string(e.clips), string(e.actions),
		string(e.idleVariants), string(e.attributes),
	}
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row sqlScanner) (*Definition, error) {
	var (
		def              Definition
		e                encoded
		created, updated string
	)
	if err := row.Scan(
		&def.ID, &def.SceneID, &def.Name, (*string)(&def.Archetype), &e.spawn,
		&def.WalkSpeed, &def.RunThreshold, &e.clips, &e.actions, &e.idleVariants,
		&e.attributes, &created, &updated,
	); err != nil {
		return nil, err
	}
	if err := e.decode(&def); err != nil {
		return nil, err
	}
	var err error
	if def.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if def.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &def, nil
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("avatarstore: parse timestamp %q: %w", s, err)
	}
	return t, nil
}
