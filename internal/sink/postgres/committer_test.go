package postgres

import (
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	if err := (Config{}).Validate(); err == nil {
		t.Fatal("empty dsn must be rejected")
	}
	if err := (Config{DSN: "   "}).Validate(); err == nil {
		t.Fatal("blank dsn must be rejected")
	}
	if err := (Config{DSN: "postgres://localhost/streamsink?sslmode=disable"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{DSN: "postgres://localhost/streamsink"}
	cfg.withDefaults()
	if cfg.MaxOpenConns != 8 {
		t.Fatalf("max open conns not defaulted: %d", cfg.MaxOpenConns)
	}
	if cfg.ConnTimeout != 10*time.Second {
		t.Fatalf("conn timeout not defaulted: %v", cfg.ConnTimeout)
	}
}
