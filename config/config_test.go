package config

import (
	"testing"
	"time"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(env(nil))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":5000" || cfg.MailboxSize != 256 || cfg.IntentBuffer != 1024 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.StreamKeepalive != 30*time.Second || cfg.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.Persistence != PersistNone || cfg.Debug {
		t.Fatalf("unexpected persistence/debug: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := load(env(map[string]string{
		"DEBUG":                     "true",
		"TASKSYNC_PORT":             "7000",
		"SESSION_MAILBOX":           "8",
		"STREAM_KEEPALIVE":          "5s",
		"PERSISTENCE":               "Tables",
		"STORAGE_CONNECTION_STRING": "UseDevelopmentStorage=true",
		"TASKS_TABLE":               "tasks",
		"INTENT_QUEUE":              "intents",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Debug || cfg.ListenAddr != ":7000" || cfg.MailboxSize != 8 || cfg.StreamKeepalive != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Persistence != PersistTables || cfg.IntentQueue != "intents" {
		t.Fatalf("storage config: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"mailbox not a number": {"SESSION_MAILBOX": "lots"},
		"mailbox zero":         {"SESSION_MAILBOX": "0"},
		"negative ttl":         {"DEDUPER_TTL": "-1h"},
		"bad keepalive":        {"STREAM_KEEPALIVE": "soon"},
		"unknown persistence":  {"PERSISTENCE": "postgres"},
		"redis without conn":   {"PERSISTENCE": "redis"},
		"tables without table": {"PERSISTENCE": "tables", "STORAGE_CONNECTION_STRING": "x"},
		"queue without conn":   {"INTENT_QUEUE": "intents"},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := load(env(vars)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRedisOptions(t *testing.T) {
	opts, err := RedisOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("url opts = %+v", opts)
	}

	opts, err = RedisOptions("cache.example.net:6380,password=pw,ssl=True,abortConnect=False")
	if err != nil {
		t.Fatalf("azure form: %v", err)
	}
	if opts.Addr != "cache.example.net:6380" || opts.Password != "pw" || opts.TLSConfig == nil {
		t.Fatalf("azure opts = %+v", opts)
	}

	if _, err := RedisOptions(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}
