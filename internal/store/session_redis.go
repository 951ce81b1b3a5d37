package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallIntake/internal/models"
	"github.com/redis/go-redis/v9"
)

// Compile-time check that RedisSessionStore implements SessionStore.
var _ SessionStore = (*RedisSessionStore)(nil)

const (
	// DefaultSessionTTL bounds how long an idle session survives in Redis.
	DefaultSessionTTL = 2 * time.Hour
	// redisSessionPrefix namespaces session keys.
	redisSessionPrefix = "callintake:session:"
	// redisMaxUpdateRetries caps optimistic-lock retries for one Update.
	redisMaxUpdateRetries = 10
)

// ErrSessionContention is returned when an Update keeps losing optimistic-lock races.
var ErrSessionContention = errors.New("call session update contention")

// RedisOpts configures a RedisSessionStore.
type RedisOpts struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisOption configures a RedisSessionStore.
type RedisOption func(*RedisOpts)

// WithRedisAddr sets the Redis server address (host:port).
func WithRedisAddr(addr string) RedisOption {
	return func(o *RedisOpts) { o.Addr = addr }
}

// WithRedisPassword sets the Redis password.
func WithRedisPassword(password string) RedisOption {
	return func(o *RedisOpts) { o.Password = password }
}

// WithRedisDB selects the Redis logical database.
func WithRedisDB(db int) RedisOption {
	return func(o *RedisOpts) { o.DB = db }
}

// WithSessionTTL sets the idle expiry applied on every write.
func WithSessionTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// RedisSessionStore keeps live sessions in Redis so several replicas can share calls.
// Updates use WATCH/MULTI on the session key, so only callbacks for the same call contend.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSessionStore connects to Redis and verifies the connection with PING.
func NewRedisSessionStore(ctx context.Context, opts ...RedisOption) (*RedisSessionStore, error) {
	cfg := RedisOpts{TTL: DefaultSessionTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSessionTTL
	}

	slog.Info("RedisSessionStore: connecting", "addr", cfg.Addr, "db", cfg.DB, "ttl", cfg.TTL)
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		slog.Error("RedisSessionStore: ping failed", "addr", cfg.Addr, "error", err)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisSessionStore{client: client, ttl: cfg.TTL}, nil
}

func sessionKey(callID string) string {
	return redisSessionPrefix + callID
}

func (s *RedisSessionStore) Create(ctx context.Context, callID string, now time.Time) (models.CallSession, error) {
	if callID == "" {
		return models.CallSession{}, models.ErrEmptyCallID
	}
	session := models.NewCallSession(callID, now)
	data, err := json.Marshal(session)
	if err != nil {
		return models.CallSession{}, fmt.Errorf("failed to encode session %s: %w", callID, err)
	}
	created, err := s.client.SetNX(ctx, sessionKey(callID), data, s.ttl).Result()
	if err != nil {
		slog.Error("RedisSessionStore.Create: SETNX failed", "call_id", callID, "error", err)
		return models.CallSession{}, fmt.Errorf("failed to create session %s: %w", callID, err)
	}
	if !created {
		return models.CallSession{}, ErrSessionExists
	}
	slog.Debug("RedisSessionStore.Create: session created", "call_id", callID)
	return session, nil
}

func (s *RedisSessionStore) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	data, err := s.client.Get(ctx, sessionKey(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisSessionStore.Get: GET failed", "call_id", callID, "error", err)
		return nil, fmt.Errorf("failed to read session %s: %w", callID, err)
	}
	session, err := decodeSession(data)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *RedisSessionStore) Update(ctx context.Context, callID string, fn Mutator) (models.CallSession, error) {
	key := sessionKey(callID)
	var committed models.CallSession

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		working, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(&working); err != nil {
			return err
		}
		encoded, err := json.Marshal(working)
		if err != nil {
			return fmt.Errorf("failed to encode session %s: %w", callID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err == nil {
			committed = working
		}
		return err
	}

	for attempt := 0; attempt < redisMaxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			slog.Debug("RedisSessionStore.Update: optimistic lock lost, retrying", "call_id", callID, "attempt", attempt+1)
			continue
		}
		return models.CallSession{}, err
	}
	slog.Warn("RedisSessionStore.Update: giving up after retries", "call_id", callID, "retries", redisMaxUpdateRetries)
	return models.CallSession{}, ErrSessionContention
}

func (s *RedisSessionStore) Delete(ctx context.Context, callID string) error {
	if err := s.client.Del(ctx, sessionKey(callID)).Err(); err != nil {
		slog.Error("RedisSessionStore.Delete: DEL failed", "call_id", callID, "error", err)
		return fmt.Errorf("failed to delete session %s: %w", callID, err)
	}
	slog.Debug("RedisSessionStore.Delete: session removed", "call_id", callID)
	return nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

func decodeSession(data []byte) (models.CallSession, error) {
	var session models.CallSession
	if err := json.Unmarshal(data, &session); err != nil {
		return models.CallSession{}, fmt.Errorf("failed to decode session: %w", err)
	}
	// Normalize the map so mutators can write to it.
	return session.Clone(), nil
}
