package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "session:"

// Redis hash field names. These are the wire format shared by all three
// components; renaming one requires a coordinated rollout.
const (
	fieldStatus     = "status"
	fieldAddr       = "addr"
	fieldLastActive = "last_active"
	fieldCreatedAt  = "created_at"
)

// Store is the typed adapter over the Redis session hash entries.
// Every write is a single HSET so concurrent writers degrade to
// last-writer-wins at field granularity; there are no transactions.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a session store client. It does not verify connectivity;
// call WaitReady at startup to block until the store is reachable.
func NewStore(addr, password string) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	return &Store{rdb: rdb}
}

// NewStoreFromClient wraps an existing Redis client. Used by tests.
func NewStoreFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// WaitReady pings the store until it answers, retrying every 5s.
// It returns early only if ctx is cancelled.
func (s *Store) WaitReady(ctx context.Context) error {
	for {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := s.rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return nil
		}
		log.Printf("session: store not ready, retrying in 5s... (%v)", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the session record for a user, or nil if no record exists.
func (s *Store) Get(ctx context.Context, userID string) (*Record, error) {
	fields, err := s.rdb.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil {
		return nil, wrapStoreErr("hgetall", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	rec := &Record{
		Status: fields[fieldStatus],
		Addr:   fields[fieldAddr],
	}
	if v, ok := fields[fieldLastActive]; ok {
		rec.LastActive, _ = strconv.ParseInt(v, 10, 64)
	}
	if v, ok := fields[fieldCreatedAt]; ok {
		rec.CreatedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return rec, nil
}

// GetStatus reads only the status field. The gateway long-poll calls this
// twice a second per waiting request, so it avoids the full hash read.
// Returns "" if the record does not exist.
func (s *Store) GetStatus(ctx context.Context, userID string) (string, error) {
	status, err := s.rdb.HGet(ctx, keyPrefix+userID, fieldStatus).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", wrapStoreErr("hget", err)
	}
	return status, nil
}

// PutInitiating creates the record in the "initiating" state, stamping
// created_at so a crashed worker cannot strand the record forever.
func (s *Store) PutInitiating(ctx context.Context, userID string, now time.Time) error {
	err := s.rdb.HSet(ctx, keyPrefix+userID,
		fieldStatus, StatusInitiating,
		fieldCreatedAt, now.Unix(),
	).Err()
	return wrapStoreErr("hset", err)
}

// PutStatus overwrites the status field only.
func (s *Store) PutStatus(ctx context.Context, userID, status string) error {
	err := s.rdb.HSet(ctx, keyPrefix+userID, fieldStatus, status).Err()
	return wrapStoreErr("hset", err)
}

// PutReady transitions the record to "ready" with the pod address and an
// initial last_active stamp, as one atomic multi-field write.
func (s *Store) PutReady(ctx context.Context, userID, addr string, now time.Time) error {
	err := s.rdb.HSet(ctx, keyPrefix+userID,
		fieldStatus, StatusReady,
		fieldAddr, addr,
		fieldLastActive, now.Unix(),
	).Err()
	return wrapStoreErr("hset", err)
}

// Touch advances last_active. Concurrent touches may reorder; the reaper
// tolerates the skew.
func (s *Store) Touch(ctx context.Context, userID string, now time.Time) error {
	err := s.rdb.HSet(ctx, keyPrefix+userID, fieldLastActive, now.Unix()).Err()
	return wrapStoreErr("hset", err)
}

// Delete removes the session record. Deleting an absent record is not an
// error.
func (s *Store) Delete(ctx context.Context, userID string) error {
	err := s.rdb.Del(ctx, keyPrefix+userID).Err()
	return wrapStoreErr("del", err)
}

// ScanSessions enumerates the user IDs of all session records via SCAN.
func (s *Store) ScanSessions(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, wrapStoreErr("scan", err)
		}
		for _, key := range keys {
			ids = append(ids, strings.TrimPrefix(key, keyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func wrapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
