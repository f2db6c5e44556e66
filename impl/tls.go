package impl

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/caddyserver/certmagic"
	"github.com/libdns/porkbun"
	"github.com/redis/go-redis/v9"
)

const tlsPrefix = "collab:tls:"

// storage keeps certmagic state in redis so every instance serves the same
// certificates.
type storage struct {
	rdb    *redis.Client
	locker *redislock.Client
	locks  sync.Map
}

func newStorage(rdb *redis.Client) *storage {
	return &storage{
		rdb:    rdb,
		locker: redislock.New(rdb),
	}
}

func tlsKey(key string) string {
	return tlsPrefix + key
}

func (s *storage) Lock(ctx context.Context, name string) error {
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(1 * time.Second),
	}

	lock, err := s.locker.Obtain(ctx, tlsKey("lock:"+name), 1*time.Minute, opts)
	if err != nil {
		return err
	}

	s.locks.Store(name, lock)
	return nil
}

func (s *storage) Unlock(ctx context.Context, name string) error {
	lock, ok := s.locks.LoadAndDelete(name)
	if !ok {
		return fmt.Errorf("no lock for %v", name)
	}

	return lock.(*redislock.Lock).Release(ctx)
}

func (s *storage) Store(ctx context.Context, key string, value []byte) error {
	hashmap := map[string]any{
		"modified": time.Now().Unix(),
		"data":     base64.RawURLEncoding.EncodeToString(value),
		"size":     len(value),
	}

	return s.rdb.HSet(ctx, tlsKey(key), hashmap).Err()
}

func (s *storage) Load(ctx context.Context, key string) ([]byte, error) {
	res, err := s.rdb.HGet(ctx, tlsKey(key), "data").Result()
	if err == redis.Nil {
		return nil, fs.ErrNotExist
	} else if err != nil {
		return nil, err
	}

	return base64.RawURLEncoding.DecodeString(res)
}

func (s *storage) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, tlsKey(key)).Err()
}

func (s *storage) Exists(ctx context.Context, key string) bool {
	res, err := s.rdb.Exists(ctx, tlsKey(key)).Result()
	return err == nil && res > 0
}

func (s *storage) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	pattern := tlsKey(prefix)
	if recursive {
		pattern = fmt.Sprintf("%v*", pattern)
	}

	keys, err := s.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}

	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, tlsPrefix)
	}

	return keys, nil
}

func (s *storage) Stat(ctx context.Context, key string) (certmagic.KeyInfo, error) {
	info := certmagic.KeyInfo{}

	res, err := s.rdb.HMGet(ctx, tlsKey(key), "modified", "size").Result()
	if err != nil {
		return info, err
	}

	if res[0] == nil || res[1] == nil {
		return info, fs.ErrNotExist
	}

	modified, err := strconv.ParseInt(res[0].(string), 10, 64)
	if err != nil {
		return info, err
	}

	size, err := strconv.ParseInt(res[1].(string), 10, 64)
	if err != nil {
		return info, err
	}

	info.Key = key
	info.Modified = time.Unix(modified, 0)
	info.Size = size
	info.IsTerminal = true

	return info, nil
}

// TLSConfig obtains certificates for domain through a porkbun DNS challenge.
func TLSConfig(domain, porkbunKey, porkbunSecret string, rdb *redis.Client) (*tls.Config, error) {
	certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
		DNSProvider: &porkbun.Provider{
			APIKey:       porkbunKey,
			APISecretKey: porkbunSecret,
		},
	}

	certmagic.Default.Storage = newStorage(rdb)

	return certmagic.TLS([]string{domain})
}
