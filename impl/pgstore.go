package impl

import (
	"context"
	"fmt"

	"collabsync/realtime/internal/protocol"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const schema = `
CREATE TABLE IF NOT EXISTS collabs (
	object_id    TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	owner_uid    BIGINT NOT NULL,
	collab_type  SMALLINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// DB is the part of *pgxpool.Pool the collab store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore records which collab objects exist, and who created them.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate collabs: %w", err)
	}
	return nil
}

func (s *PGStore) CollabExists(ctx context.Context, objectID string) (bool, error) {
	exists := false
	err := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM collabs WHERE object_id = $1)`, objectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("collab %v exists: %w", objectID, err)
	}
	return exists, nil
}

// InsertCollab creates the collab row. Creating an existing object is not an
// error, another instance may have won the race.
func (s *PGStore) InsertCollab(ctx context.Context, uid int64, workspaceID, objectID string, collabType protocol.CollabType) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO collabs (object_id, workspace_id, owner_uid, collab_type) VALUES ($1, $2, $3, $4) ON CONFLICT (object_id) DO NOTHING`,
		objectID, workspaceID, uid, int16(collabType),
	)
	if err != nil {
		return fmt.Errorf("insert collab %v: %w", objectID, err)
	}
	return nil
}
