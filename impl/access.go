package impl

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

type Permission string

const (
	PermissionRead      Permission = "r"
	PermissionReadWrite Permission = "rw"
)

func aclKey(objectID string) string {
	return "collab:acl:" + objectID
}

// RedisACL keeps per object permissions in a redis hash of uid -> permission.
// Objects without any entry are governed by the open flag.
type RedisACL struct {
	rdb  *redis.Client
	open bool
}

func NewRedisACL(rdb *redis.Client, open bool) *RedisACL {
	return &RedisACL{rdb: rdb, open: open}
}

func (a *RedisACL) Grant(ctx context.Context, objectID string, uid int64, perm Permission) error {
	return a.rdb.HSet(ctx, aclKey(objectID), strconv.FormatInt(uid, 10), string(perm)).Err()
}

func (a *RedisACL) Revoke(ctx context.Context, objectID string, uid int64) error {
	return a.rdb.HDel(ctx, aclKey(objectID), strconv.FormatInt(uid, 10)).Err()
}

func (a *RedisACL) permission(ctx context.Context, uid int64, objectID string) (Permission, bool, error) {
	key := aclKey(objectID)

	perm, err := a.rdb.HGet(ctx, key, strconv.FormatInt(uid, 10)).Result()
	if err == nil {
		return Permission(perm), true, nil
	} else if err != redis.Nil {
		return "", false, fmt.Errorf("acl %v: %w", objectID, err)
	}

	n, err := a.rdb.Exists(ctx, key).Result()
	if err != nil {
		return "", false, fmt.Errorf("acl %v: %w", objectID, err)
	}

	return "", n > 0, nil
}

func (a *RedisACL) CanReceiveUpdate(ctx context.Context, uid int64, objectID string) (bool, error) {
	perm, restricted, err := a.permission(ctx, uid, objectID)
	if err != nil {
		return false, err
	}

	if !restricted {
		return a.open, nil
	}

	return perm == PermissionRead || perm == PermissionReadWrite, nil
}

func (a *RedisACL) CanSendUpdate(ctx context.Context, uid int64, objectID string) (bool, error) {
	perm, restricted, err := a.permission(ctx, uid, objectID)
	if err != nil {
		return false, err
	}

	if !restricted {
		return a.open, nil
	}

	return perm == PermissionReadWrite, nil
}
