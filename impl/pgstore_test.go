package impl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"collabsync/realtime/internal/protocol"
	"github.com/go-playground/assert/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type row struct {
	value bool
	err   error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*bool) = r.value
	return nil
}

// fakeDB understands just enough of the collabs queries.
type fakeDB struct {
	mu      sync.Mutex
	rows    map[string][]any
	execs   []string
	failing error
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.failing != nil {
		return pgconn.CommandTag{}, db.failing
	}

	db.execs = append(db.execs, sql)
	if strings.HasPrefix(sql, "INSERT") {
		id := args[0].(string)
		if _, ok := db.rows[id]; ok {
			return pgconn.NewCommandTag("INSERT 0 0"), nil
		}
		db.rows[id] = args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (db *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.failing != nil {
		return row{err: db.failing}
	}

	_, ok := db.rows[args[0].(string)]
	return row{value: ok}
}

func TestPGStore(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{rows: map[string][]any{}}
	store := NewPGStore(db)

	if err := store.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	exists, err := store.CollabExists(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, exists, false)

	if err := store.InsertCollab(ctx, 7, "workspace", "doc1", protocol.CollabTypeFolder); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertCollab(ctx, 8, "workspace", "doc1", protocol.CollabTypeDocument); err != nil {
		t.Fatal(err)
	}

	exists, err = store.CollabExists(ctx, "doc1")
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, exists, true)

	// the first writer owns the object
	assert.Equal(t, db.rows["doc1"][2], int64(7))
	assert.Equal(t, db.rows["doc1"][3], int16(protocol.CollabTypeFolder))

	db.failing = errors.New("connection refused")
	if _, err := store.CollabExists(ctx, "doc1"); !errors.Is(err, db.failing) {
		t.Fatalf("unexpected error %v", err)
	}
	if err := store.InsertCollab(ctx, 7, "workspace", "doc2", protocol.CollabTypeDocument); !errors.Is(err, db.failing) {
		t.Fatalf("unexpected error %v", err)
	}
}
