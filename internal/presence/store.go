// Package presence mirrors a server's live connections into Redis so that
// processes other than the host can see who is connected to which instance.
// The host writes entries as it polls Connected and Disconnected events.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for all presence keys.
	Prefix = "rws:presence:"

	// TTL bounds how long entries of a crashed instance linger.
	TTL = 1 * time.Hour
)

// Entry describes one live connection.
type Entry struct {
	ConnID      uint64 `redis:"conn_id" json:"conn_id"`
	Instance    string `redis:"instance" json:"instance"`
	RemoteAddr  string `redis:"remote" json:"remote"`
	Subprotocol string `redis:"subprotocol" json:"subprotocol,omitempty"`
	ConnectedAt int64  `redis:"connected_at" json:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active" json:"last_active"`   // unix timestamp
}

// Store manages presence entries in Redis.
type Store struct {
	client   redis.Cmdable
	instance string
}

// NewStore creates a Store that writes entries for instance.
func NewStore(client redis.Cmdable, instance string) *Store {
	return &Store{client: client, instance: instance}
}

// Dial connects to Redis at addr and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}
	return client, nil
}

func (s *Store) setKey() string {
	return Prefix + s.instance
}

func (s *Store) entryKey(id uint64) string {
	return Prefix + s.instance + ":" + strconv.FormatUint(id, 10)
}

// Add records a new connection.
func (s *Store) Add(ctx context.Context, e Entry) error {
	now := time.Now().Unix()
	if e.ConnectedAt == 0 {
		e.ConnectedAt = now
	}
	e.Instance = s.instance
	e.LastActive = now

	key := s.entryKey(e.ConnID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"conn_id":      e.ConnID,
		"instance":     e.Instance,
		"remote":       e.RemoteAddr,
		"subprotocol":  e.Subprotocol,
		"connected_at": e.ConnectedAt,
		"last_active":  e.LastActive,
	})
	pipe.Expire(ctx, key, TTL)
	pipe.SAdd(ctx, s.setKey(), e.ConnID)
	pipe.Expire(ctx, s.setKey(), TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch updates the entry's activity time and refreshes its TTL.
func (s *Store) Touch(ctx context.Context, id uint64) error {
	key := s.entryKey(id)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	pipe.Expire(ctx, s.setKey(), TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the entry for id, or nil if there is none.
func (s *Store) Get(ctx context.Context, id uint64) (*Entry, error) {
	var e Entry
	if err := s.client.HGetAll(ctx, s.entryKey(id)).Scan(&e); err != nil {
		return nil, err
	}
	if e.Instance == "" {
		return nil, nil // not found
	}
	return &e, nil
}

// Remove deletes the entry for id.
func (s *Store) Remove(ctx context.Context, id uint64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.entryKey(id))
	pipe.SRem(ctx, s.setKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Count returns the number of live connections recorded for the instance.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, s.setKey()).Result()
}

// List returns every recorded entry ordered by connection id.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		e, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ConnID < entries[j].ConnID })
	return entries, nil
}

// Clear removes every entry of the instance. The host calls it once the
// events produced by Stop have been drained.
func (s *Store) Clear(ctx context.Context) error {
	members, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, Prefix+s.instance+":"+m)
	}
	keys = append(keys, s.setKey())
	return s.client.Del(ctx, keys...).Err()
}
