package internal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"collabsync/realtime/internal/client"
	"collabsync/realtime/internal/collab"
	"collabsync/realtime/internal/crdt"
	"collabsync/realtime/internal/protocol"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-playground/assert/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
)

const defaultWaitTime = 100 * time.Millisecond

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

type memStorage struct {
	mu      sync.Mutex
	collabs map[string]protocol.CollabType
}

func (s *memStorage) CollabExists(_ context.Context, objectID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.collabs[objectID]
	return ok, nil
}

func (s *memStorage) InsertCollab(_ context.Context, _ int64, _, objectID string, collabType protocol.CollabType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.collabs[objectID] = collabType
	return nil
}

type allowAll struct{}

func (allowAll) CanReceiveUpdate(context.Context, int64, string) (bool, error) {
	return true, nil
}

func (allowAll) CanSendUpdate(context.Context, int64, string) (bool, error) {
	return true, nil
}

func eventually(t *testing.T, what string, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(20 * defaultWaitTime)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(defaultWaitTime / 10)
	}
	t.Fatalf("timed out waiting for %v", what)
}

func dialClient(t *testing.T, ctx context.Context, url string, tokens TokenSigner, uid int64, device string) (*client.Client, chan error) {
	t.Helper()

	token, err := tokens(uid, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	cl, err := client.Dial(ctx, testLogger, client.Options{
		URL:      url,
		Token:    token,
		UID:      uid,
		DeviceID: device,
		Sink:     client.DefaultSinkConfig(),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cl.Run(ctx)
	}()
	return cl, done
}

func waitAck(t *testing.T, ch <-chan protocol.MsgID) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(20 * defaultWaitTime):
		t.Fatal("message was not acknowledged")
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

type instance struct {
	id     string
	server *collab.Server
	http   *httptest.Server
}

func startInstance(t *testing.T, ctx context.Context, rdb *redis.Client, id string, secret []byte, adminKey ed25519.PublicKey) *instance {
	t.Helper()

	registry := prometheus.NewRegistry()
	server := collab.NewServer(testLogger, collab.DefaultConfig(), collab.NewMetrics(registry), &memStorage{collabs: map[string]protocol.CollabType{}}, allowAll{})
	t.Cleanup(server.Close)

	router, err := Main(testLogger, ctx, rdb, server, Options{
		InstanceID:     id,
		JWTSecret:      secret,
		AdminPublicKey: adminKey,
		OriginPatterns: []string{"*"},
		Registry:       registry,
	})
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &instance{id: id, server: server, http: ts}
}

func TestE2E(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	secret := []byte("secret")
	tokens := NewTokenSigner(secret)

	adminPublicKey, adminPrivateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	admin := NewRequestSigner(adminPrivateKey)

	first := startInstance(t, ctx, rdb, "instance-1", secret, adminPublicKey)
	second := startInstance(t, ctx, rdb, "instance-2", secret, adminPublicKey)

	c := first.http.Client()
	url := wsURL(first.http)

	// plain requests are rejected

	resp, err := c.Get(first.http.URL)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)
	assert.Equal(t, resp.Header.Get("Instance-ID"), "instance-1")

	tokenA, err := tokens(1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodGet, first.http.URL+"?device_id=a", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+tokenA)

	resp, err = c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUpgradeRequired)

	// two clients edit the same document

	dial := func(uid int64, device string) (*client.Client, chan error) {
		return dialClient(t, ctx, url, tokens, uid, device)
	}

	wait := func(ch <-chan protocol.MsgID) {
		t.Helper()
		waitAck(t, ch)
	}

	a, _ := dial(1, "a")
	docA, opened := a.Open("doc1", "workspace", protocol.CollabTypeDocument)
	wait(opened)

	ids, err := rdb.SMembers(ctx, userKey(1)).Result()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(ids), 1)

	inst, err := rdb.HGet(ctx, registryKey(ids[0]), "inst").Result()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, inst, "instance-1")

	if err := a.Set("doc1", "title", []byte("draft")); err != nil {
		t.Fatal(err)
	}

	// acked after the update it is queued behind
	presence, err := a.SetAwareness("doc1", []byte("cursor:0"))
	if err != nil {
		t.Fatal(err)
	}
	wait(presence)

	b, bDone := dial(2, "b")
	docB, opened := b.Open("doc1", "workspace", protocol.CollabTypeDocument)
	wait(opened)

	// the init ack carries what B was missing
	title, _ := docB.Get("title")
	assert.Equal(t, string(title), "draft")

	if err := a.Set("doc1", "title", []byte("final")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "broadcast to b", func() bool {
		v, _ := docB.Get("title")
		return string(v) == "final"
	})

	presence, err = b.SetAwareness("doc1", []byte("cursor:7"))
	if err != nil {
		t.Fatal(err)
	}
	wait(presence)

	keyB := crdt.AwarenessClient(b.Origin())
	eventually(t, "awareness of b", func() bool {
		return string(docA.Awareness()[keyB]) == "cursor:7"
	})

	// dropping b through the other instance goes over redis pub/sub

	ids, err = rdb.SMembers(ctx, userKey(2)).Result()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, len(ids), 1)

	req, err = http.NewRequest(http.MethodDelete, fmt.Sprintf("%v/connections/%v", second.http.URL, ids[0]), nil)
	if err != nil {
		t.Fatal(err)
	}

	resp, err = c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusUnauthorized)

	if err := admin(req, ids[0]); err != nil {
		t.Fatal(err)
	}

	resp, err = c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusAccepted)

	select {
	case err := <-bDone:
		if err == nil {
			t.Error("dropped client did not fail")
		}
	case <-time.After(20 * defaultWaitTime):
		t.Fatal("client was not dropped")
	}

	eventually(t, "awareness removal", func() bool {
		_, ok := docA.Awareness()[keyB]
		return !ok
	})

	eventually(t, "registry cleanup", func() bool {
		n, err := rdb.Exists(ctx, registryKey(ids[0])).Result()
		return err == nil && n == 0
	})

	_ = a.Close()
	eventually(t, "group cleanup", func() bool {
		return !first.server.Groups().ContainsGroup("doc1")
	})

	// metrics are served

	resp, err = c.Get(first.http.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	assert.Equal(t, resp.StatusCode, http.StatusOK)
}

func TestE2ECrossInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	secret := []byte("secret")
	tokens := NewTokenSigner(secret)

	adminPublicKey, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	first := startInstance(t, ctx, rdb, "instance-1", secret, adminPublicKey)
	second := startInstance(t, ctx, rdb, "instance-2", secret, adminPublicKey)

	a, _ := dialClient(t, ctx, wsURL(first.http), tokens, 1, "a")
	docA, opened := a.Open("doc1", "workspace", protocol.CollabTypeDocument)
	waitAck(t, opened)

	if err := a.Set("doc1", "title", []byte("draft")); err != nil {
		t.Fatal(err)
	}
	presence, err := a.SetAwareness("doc1", []byte("cursor:0"))
	if err != nil {
		t.Fatal(err)
	}
	waitAck(t, presence)

	b, _ := dialClient(t, ctx, wsURL(second.http), tokens, 2, "b")
	docB, opened := b.Open("doc1", "workspace", protocol.CollabTypeDocument)
	waitAck(t, opened)

	// the second instance catches up with the state held by the first
	eventually(t, "state of the first instance", func() bool {
		v, _ := docB.Get("title")
		return string(v) == "draft"
	})

	if err := a.Set("doc1", "title", []byte("final")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "write relayed to the second instance", func() bool {
		v, _ := docB.Get("title")
		return string(v) == "final"
	})

	if err := b.Set("doc1", "body", []byte("text")); err != nil {
		t.Fatal(err)
	}
	eventually(t, "write relayed to the first instance", func() bool {
		v, _ := docA.Get("body")
		return string(v) == "text"
	})

	presence, err = b.SetAwareness("doc1", []byte("cursor:7"))
	if err != nil {
		t.Fatal(err)
	}
	waitAck(t, presence)

	keyB := crdt.AwarenessClient(b.Origin())
	eventually(t, "awareness relayed", func() bool {
		return string(docA.Awareness()[keyB]) == "cursor:7"
	})

	_ = b.Close()

	eventually(t, "awareness removal relayed", func() bool {
		_, ok := docA.Awareness()[keyB]
		return !ok
	})
	eventually(t, "idle group closed", func() bool {
		return !second.server.Groups().ContainsGroup("doc1")
	})
	assert.Equal(t, first.server.Groups().ContainsGroup("doc1"), true)
}
