package avatarstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the avatar_definitions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS avatar_definitions (
    id            TEXT PRIMARY KEY,
    scene_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL DEFAULT '',
    archetype     TEXT NOT NULL DEFAULT 'wander',
    spawn         JSONB NOT NULL DEFAULT '{}',
    walk_speed    DOUBLE PRECISION NOT NULL DEFAULT 0,
    run_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
    clips         JSONB NOT NULL DEFAULT '[]',
    actions       JSONB NOT NULL DEFAULT '{}',
    idle_variants JSONB NOT NULL DEFAULT '[]',
    attributes    JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_avatar_definitions_scene ON avatar_definitions(scene_id);
`

const selectColumns = `id, scene_id, name, archetype, spawn, walk_speed, run_threshold,
		       clips, actions, idle_variants, attributes, created_at, updated_at`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on db. The caller is responsible for
// calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("avatarstore: migrate: %w", err)
	}
	return nil
}

// Ping runs a trivial query. It backs the store readiness check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("avatarstore: ping: %w", err)
	}
	return nil
}

// Create implements [Store].
func (s *PostgresStore) Create(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e, err := encode(def)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO avatar_definitions (
			id, scene_id, name, archetype, spawn, walk_speed, run_threshold,
			clips, actions, idle_variants, attributes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query, s.args(def, e)...).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %q", ErrExists, def.ID)
		}
		return fmt.Errorf("avatarstore: create: %w", err)
	}
	return nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, id string) (*Definition, error) {
	query := `SELECT ` + selectColumns + ` FROM avatar_definitions WHERE id = $1`

	def, err := scanDefinition(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("avatarstore: get %q: %w", id, err)
	}
	return def, nil
}

// Update implements [Store].
func (s *PostgresStore) Update(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e, err := encode(def)
	if err != nil {
		return err
	}

	const query = `
		UPDATE avatar_definitions SET
			scene_id = $2, name = $3, archetype = $4, spawn = $5,
			walk_speed = $6, run_threshold = $7, clips = $8, actions = $9,
			idle_variants = $10, attributes = $11, updated_at = now()
		WHERE id = $1
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query, s.args(def, e)...).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrNotFound, def.ID)
		}
		return fmt.Errorf("avatarstore: update: %w", err)
	}
	return nil
}

// Delete implements [Store].
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM avatar_definitions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("avatarstore: delete %q: %w", id, err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sceneID string) ([]Definition, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if sceneID == "" {
		rows, err = s.db.Query(ctx, `SELECT `+selectColumns+` FROM avatar_definitions ORDER BY id`)
	} else {
		rows, err = s.db.Query(ctx, `SELECT `+selectColumns+` FROM avatar_definitions WHERE scene_id = $1 ORDER BY id`, sceneID)
	}
	if err != nil {
		return nil, fmt.Errorf("avatarstore: list: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
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
func (s *PostgresStore) Upsert(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e, err := encode(def)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO avatar_definitions (
			id, scene_id, name, archetype, spawn, walk_speed, run_threshold,
			clips, actions, idle_variants, attributes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			scene_id = EXCLUDED.scene_id,
			name = EXCLUDED.name,
			archetype = EXCLUDED.archetype,
			spawn = EXCLUDED.spawn,
			walk_speed = EXCLUDED.walk_speed,
			run_threshold = EXCLUDED.run_threshold,
			clips = EXCLUDED.clips,
			actions = EXCLUDED.actions,
			idle_variants = EXCLUDED.idle_variants,
			attributes = EXCLUDED.attributes,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query, s.args(def, e)...).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("avatarstore: upsert: %w", err)
	}
	return nil
}

func (s *PostgresStore) args(def *Definition, e encoded) []any {
	return []any{
		def.ID, def.SceneID, def.Name, defaultArchetype(def), e.spawn,
		def.WalkSpeed, def.RunThreshold, e.clips, e.actions, e.idleVariants,
		e.attributes,
	}
}

// scanDefinition reads one row in selectColumns order.
func scanDefinition(row pgx.Row) (*Definition, error) {
	var (
		def Definition
		e   encoded
	)
	if err := row.Scan(
		&def.ID, &def.SceneID, &def.Name, (*string)(&def.Archetype), &e.spawn,
		&def.WalkSpeed, &def.RunThreshold, &e.clips, &e.actions, &e.idleVariants,
		&e.attributes, &def.CreatedAt, &def.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := e.decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
