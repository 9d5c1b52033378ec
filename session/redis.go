package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	redisv8 "github.com/go-redis/redis/v8"

	"github.com/uitsmijter/uitsmijter/pkg/log"
)

const (
	loginPrefix = "loginid~"

	defaultStoreTimeout = 5 * time.Second
)

// RedisConfig configures the external session store backend.
type RedisConfig struct {
	Addrs            []string `json:"addrs" yaml:"addrs"`
	Password         string   `json:"password" yaml:"password"`
	SentinelPassword string   `json:"sentinel_password" yaml:"sentinel_password"`
	MasterName       string   `json:"master_name" yaml:"master_name"`
}

// Open connects the redis backend.
func (c *RedisConfig) Open(logger log.Logger) (Store, error) {
	opts := &redisv8.UniversalOptions{
		Addrs:            c.Addrs,
		Password:         c.Password,
		SentinelPassword: c.SentinelPassword,
		MasterName:       c.MasterName,
	}
	return &redisStore{
		db:     redisv8.NewUniversalClient(opts),
		logger: logger,
	}, nil
}

var _ Store = (*redisStore)(nil)

// redisStore keeps sessions under "<type>~<code>" and login sessions under
// "loginid~<uuid>"; the key TTL equals the session TTL, so redis expires
// entries on its own.
type redisStore struct {
	db     redisv8.UniversalClient
	logger log.Logger
}

func sessionKeyFor(typ Type, code string) string {
	return fmt.Sprintf("%s~%s", typ, code)
}

func (r *redisStore) Set(ctx context.Context, s AuthSession) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := time.Until(s.ExpiresAt())
	if ttl <= 0 {
		return nil
	}
	ok, err := r.db.SetNX(ctx, sessionKeyFor(s.Type, s.Code), string(val), ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeTaken
	}
	return nil
}

func (r *redisStore) Get(ctx context.Context, typ Type, code string, remove bool) (AuthSession, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	var cmd *redisv8.StringCmd
	if remove {
		cmd = r.db.GetDel(ctx, sessionKeyFor(typ, code))
	} else {
		cmd = r.db.Get(ctx, sessionKeyFor(typ, code))
	}
	val, err := cmd.Result()
	if err != nil {
		if err == redisv8.Nil {
			return AuthSession{}, ErrNotFound
		}
		return AuthSession{}, err
	}
	var s AuthSession
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return AuthSession{}, err
	}
	return s, nil
}

func (r *redisStore) Delete(ctx context.Context, typ Type, code string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	n, err := r.db.Del(ctx, sessionKeyFor(typ, code)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *redisStore) Push(ctx context.Context, ls LoginSession) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	val, err := json.Marshal(ls)
	if err != nil {
		return err
	}
	return r.db.Set(ctx, loginPrefix+ls.ID, string(val), LoginSessionTTL).Err()
}

func (r *redisStore) Pull(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	_, err := r.db.GetDel(ctx, loginPrefix+id).Result()
	if err != nil {
		if err == redisv8.Nil {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *redisStore) Wipe(ctx context.Context, tenant, subject string) error {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	return r.scanSessions(ctx, func(key string, s AuthSession) error {
		if s.Payload == nil {
			return nil
		}
		if s.Payload.Tenant == tenant && s.Payload.Subject == subject {
			return r.db.Del(ctx, key).Err()
		}
		return nil
	})
}

func (r *redisStore) Count(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	keys, err := r.db.Keys(ctx, "*").Result()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *redisStore) CountForTenant(ctx context.Context, tenant string, typ Type) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	count := 0
	err := r.scanSessions(ctx, func(key string, s AuthSession) error {
		if s.Type == typ && s.Payload != nil && s.Payload.Tenant == tenant {
			count++
		}
		return nil
	})
	return count, err
}

func (r *redisStore) CountForClient(ctx context.Context, clientName string, typ Type) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()

	count := 0
	err := r.scanSessions(ctx, func(key string, s AuthSession) error {
		if s.Type == typ && s.Payload != nil && s.Payload.Audience.Contains(clientName) {
			count++
		}
		return nil
	})
	return count, err
}

func (r *redisStore) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, defaultStoreTimeout)
	defer cancel()
	return r.db.Ping(ctx).Err() == nil
}

func (r *redisStore) Close() error {
	return r.db.Close()
}

// scanSessions walks every non-login key and hands the decoded session to
// fn. Malformed values are logged and skipped.
func (r *redisStore) scanSessions(ctx context.Context, fn func(key string, s AuthSession) error) error {
	keys, err := r.db.Keys(ctx, "*").Result()
	if err != nil {
		return err
	}
	var sessionKeys []string
	for _, key := range keys {
		if strings.HasPrefix(key, loginPrefix) {
			continue
		}
		sessionKeys = append(sessionKeys, key)
	}
	if len(sessionKeys) == 0 {
		return nil
	}
	vals, err := r.db.MGet(ctx, sessionKeys...).Result()
	if err != nil {
		return err
	}
	for i, val := range vals {
		if val == nil {
			continue
		}
		str, ok := val.(string)
		if !ok {
			continue
		}
		var s AuthSession
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			r.logger.Warnf("skipping malformed session at %s: %v", sessionKeys[i], err)
			continue
		}
		if err := fn(sessionKeys[i], s); err != nil {
			return err
		}
	}
	return nil
}
