package impl

import (
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/redis/go-redis/v9"
)

func TestTLSStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := newStorage(rdb)

	ctx := context.Background()
	domain := "collab.example.com"
	key := []byte("key value")

	if err := s.Lock(ctx, domain); err != nil {
		t.Fatalf("failed to lock %v", err)
	}

	if err := s.Unlock(ctx, domain); err != nil {
		t.Fatalf("failed to unlock %v", err)
	}

	if err := s.Unlock(ctx, domain); err == nil {
		t.Error("unlocked twice")
	}

	if s.Exists(ctx, domain) {
		t.Error("key exists before store")
	}

	if _, err := s.Load(ctx, domain); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("unexpected load error %v", err)
	}

	if _, err := s.Stat(ctx, domain); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("unexpected stat error %v", err)
	}

	if err := s.Store(ctx, domain, key); err != nil {
		t.Fatalf("failed to store %v", err)
	}

	assert.Equal(t, s.Exists(ctx, domain), true)

	b, err := s.Load(ctx, domain)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, b, key)

	info, err := s.Stat(ctx, domain)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, info.Key, domain)
	assert.Equal(t, info.Size, int64(len(key)))

	keys, err := s.List(ctx, "collab.", true)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, keys, []string{domain})

	if err := s.Delete(ctx, domain); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, s.Exists(ctx, domain), false)
}
