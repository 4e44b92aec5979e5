package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	userKeyPrefix = "presence:user:"
	connKeyPrefix = "presence:conn:"
)

// addConnScript adds a connection to the user's set and returns 1 when it
// is the only member afterwards.
var addConnScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[2])
if added == 1 and redis.call('SCARD', KEYS[1]) == 1 then
	return 1
end
return 0
`)

// removeConnScript resolves the owner of a connection, removes it and
// returns {user id, connections left}. Unknown connections yield {0, 0}.
var removeConnScript = redis.NewScript(`
local uid = redis.call('GET', KEYS[1])
if not uid then
	return {0, 0}
end
redis.call('DEL', KEYS[1])
local key = ARGV[2] .. uid
redis.call('SREM', key, ARGV[1])
local left = redis.call('SCARD', key)
if left == 0 then
	redis.call('DEL', key)
end
return {tonumber(uid), left}
`)

// PresenceStore keeps connection sets in Redis so that concurrent connects
// and disconnects of one user are serialized by the server.
type PresenceStore struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*PresenceStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &PresenceStore{cli: cli}, nil
}

func (s *PresenceStore) Close() error {
	return s.cli.Close()
}

func userKey(userID int64) string {
	return userKeyPrefix + strconv.FormatInt(userID, 10)
}

func (s *PresenceStore) Add(ctx context.Context, userID int64, connID string) (bool, error) {
	n, err := addConnScript.Run(ctx, s.cli, []string{userKey(userID), connKeyPrefix + connID},
		connID, userID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PresenceStore) Remove(ctx context.Context, connID string) (int64, bool, error) {
	res, err := removeConnScript.Run(ctx, s.cli, []string{connKeyPrefix + connID},
		connID, userKeyPrefix).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 || res[0] == 0 {
		return 0, false, nil
	}
	return res[0], res[1] == 0, nil
}

func (s *PresenceStore) Count(ctx context.Context, userID int64) (int64, error) {
	return s.cli.SCard(ctx, userKey(userID)).Result()
}
