// Package config reads server settings from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Persistence string

const (
	PersistNone   Persistence = "none"
	PersistRedis  Persistence = "redis"
	PersistTables Persistence = "tables"
)

type Config struct {
	Debug           bool
	ListenAddr      string
	MailboxSize     int
	IntentBuffer    int
	StreamKeepalive time.Duration

	RedisConn   string
	DeduperTTL  time.Duration
	Persistence Persistence
	RedisKey    string

	StorageConn string
	TasksTable  string
	IntentQueue string
}

// Load reads the environment. Unset variables fall back to defaults; set but
// invalid ones are errors.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Config{
		ListenAddr:  ":5000",
		Persistence: PersistNone,
	}
	var err error
	if v, ok := lookup("DEBUG"); ok {
		cfg.Debug, _ = strconv.ParseBool(v)
	}
	if v, ok := lookup("TASKSYNC_PORT"); ok && v != "" {
		cfg.ListenAddr = ":" + v
	}
	if cfg.MailboxSize, err = envInt(lookup, "SESSION_MAILBOX", 256); err != nil {
		return Config{}, err
	}
	if cfg.IntentBuffer, err = envInt(lookup, "INTENT_BUFFER", 1024); err != nil {
		return Config{}, err
	}
	if cfg.StreamKeepalive, err = envDuration(lookup, "STREAM_KEEPALIVE", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DeduperTTL, err = envDuration(lookup, "DEDUPER_TTL", 24*time.Hour); err != nil {
		return Config{}, err
	}
	cfg.RedisConn, _ = lookup("REDIS_CONNECTION_STRING")
	cfg.RedisKey, _ = lookup("REDIS_TASKS_KEY")
	cfg.StorageConn, _ = lookup("STORAGE_CONNECTION_STRING")
	cfg.TasksTable, _ = lookup("TASKS_TABLE")
	cfg.IntentQueue, _ = lookup("INTENT_QUEUE")

	if v, ok := lookup("PERSISTENCE"); ok && v != "" {
		cfg.Persistence = Persistence(strings.ToLower(v))
	}
	switch cfg.Persistence {
	case PersistNone:
	case PersistRedis:
		if cfg.RedisConn == "" {
			return Config{}, fmt.Errorf("PERSISTENCE=redis requires REDIS_CONNECTION_STRING")
		}
	case PersistTables:
		if cfg.StorageConn == "" || cfg.TasksTable == "" {
			return Config{}, fmt.Errorf("PERSISTENCE=tables requires STORAGE_CONNECTION_STRING and TASKS_TABLE")
		}
	default:
		return Config{}, fmt.Errorf("invalid PERSISTENCE %q", cfg.Persistence)
	}
	if cfg.IntentQueue != "" && cfg.StorageConn == "" {
		return Config{}, fmt.Errorf("INTENT_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	return cfg, nil
}

func envInt(lookup func(string) (string, bool), name string, def int) (int, error) {
	v, ok := lookup(name)
	if !ok || v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return n, nil
}

func envDuration(lookup func(string) (string, bool), name string, def time.Duration) (time.Duration, error) {
	v, ok := lookup(name)
	if !ok || v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be greater than zero", name)
	}
	return d, nil
}

// RedisOptions accepts a redis:// URL or the "host:port,password=...,ssl=true"
// form used by Azure Cache for Redis.
func RedisOptions(conn string) (*redis.Options, error) {
	if conn == "" {
		return nil, fmt.Errorf("empty redis connection string")
	}
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts, nil
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
