package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "relay:conn:user:"
	connKeyPrefix = "relay:conn:id:"
)

// Registers the new connection as the user's live session, atomically
// superseding the previous one. Returns the superseded connectionId ("" if
// none). KEYS[1]=user key, KEYS[2]=new reverse key; ARGV: connId, userId,
// ttlSeconds, reverse-key prefix.
const luaConnect = `
local prev = redis.call("GET", KEYS[1])
if prev and prev ~= ARGV[1] then
  redis.call("DEL", ARGV[4] .. prev)
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[3])
redis.call("SET", KEYS[2], ARGV[2], "EX", ARGV[3])
if prev and prev ~= ARGV[1] then
  return prev
end
return ""
`

// Removes the mapping only while this connection is still the current one
// for its owner. A disconnect for an already-superseded connection deletes
// just its reverse key and reports 0 (stale no-op).
// KEYS[1]=reverse key; ARGV: user-key prefix, connId.
const luaDisconnect = `
local user = redis.call("GET", KEYS[1])
if not user then
  return {"", 0}
end
redis.call("DEL", KEYS[1])
local cur = redis.call("GET", ARGV[1] .. user)
if cur == ARGV[2] then
  redis.call("DEL", ARGV[1] .. user)
  return {user, 1}
end
return {user, 0}
`

// Renews both keys while the connection is still current.
// KEYS[1]=user key, KEYS[2]=reverse key; ARGV: connId, ttlSeconds.
const luaHeartbeat = `
local cur = redis.call("GET", KEYS[1])
if cur ~= ARGV[1] then
  return 0
end
redis.call("EXPIRE", KEYS[1], ARGV[2])
redis.call("EXPIRE", KEYS[2], ARGV[2])
return 1
`

// Registry maps each user to at most one live transport session. State
// lives in redis so every service instance sees the same mapping; all
// mutations run as single Lua scripts, never read-modify-write from Go.
// The TTL is a liveness bound: a crashed gateway stops heartbeating and the
// mapping ages out instead of pinning the user online forever.
type Registry struct {
	rdb *redis.Client
	ttl time.Duration

	connect    *redis.Script
	disconnect *redis.Script
	heartbeat  *redis.Script
}

func New(rdb *redis.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Registry{
		rdb:        rdb,
		ttl:        ttl,
		connect:    redis.NewScript(luaConnect),
		disconnect: redis.NewScript(luaDisconnect),
		heartbeat:  redis.NewScript(luaHeartbeat),
	}
}

func userKey(userID string) string { return userKeyPrefix + userID }
func connKey(connID string) string { return connKeyPrefix + connID }

// Connect registers connID as the live session for userID and returns the
// superseded connectionId, if any. Two concurrent connects cannot both win:
// the script is atomic, so the later one replaces the earlier.
func (r *Registry) Connect(ctx context.Context, userID, connID string) (string, error) {
	ttlSec := int64(r.ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	superseded, err := r.connect.Run(ctx, r.rdb,
		[]string{userKey(userID), connKey(connID)},
		connID, userID, ttlSec, connKeyPrefix,
	).Text()
	if err != nil {
		return "", err
	}
	return superseded, nil
}

// Disconnect removes the mapping if connID is still current for its owner.
// It returns the owning userID and whether the live mapping was removed;
// (_, false) means the disconnect was stale and nothing changed.
func (r *Registry) Disconnect(ctx context.Context, connID string) (string, bool, error) {
	vals, err := r.disconnect.Run(ctx, r.rdb,
		[]string{connKey(connID)},
		userKeyPrefix, connID,
	).Slice()
	if err != nil {
		return "", false, err
	}
	if len(vals) != 2 {
		return "", false, errors.New("registry: unexpected disconnect reply")
	}
	user, _ := vals[0].(string)
	removed, _ := vals[1].(int64)
	return user, removed == 1, nil
}

// Lookup returns the user's current live connectionId. A connection that is
// concurrently being torn down may still be returned; callers must treat a
// subsequent send failure as "recipient offline" and leave messages queued.
func (r *Registry) Lookup(ctx context.Context, userID string) (string, bool, error) {
	connID, err := r.rdb.Get(ctx, userKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

// Heartbeat renews the session TTL. Returns false when the connection is no
// longer current (superseded or expired), which the gateway treats as a
// signal to close the socket.
func (r *Registry) Heartbeat(ctx context.Context, userID, connID string) (bool, error) {
	ttlSec := int64(r.ttl / time.Second)
	if ttlSec < 1 {
		ttlSec = 1
	}
	rc, err := r.heartbeat.Run(ctx, r.rdb,
		[]string{userKey(userID), connKey(connID)},
		connID, ttlSec,
	).Int64()
	if err != nil {
		return false, err
	}
	return rc == 1, nil
}

// ActiveUsers lists users that currently have a registered connection.
// Used by the periodic rescan as a safety net against missed drains.
func (r *Registry) ActiveUsers(ctx context.Context) ([]string, error) {
	iter := r.rdb.Scan(ctx, 0, userKeyPrefix+"*", 100).Iterator()
	var users []string
	for iter.Next(ctx) {
		users = append(users, strings.TrimPrefix(iter.Val(), userKeyPrefix))
	}
	return users, iter.Err()
}
