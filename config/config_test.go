package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GatewayAddr != ":8080" {
		t.Fatalf("GatewayAddr = %q", cfg.GatewayAddr)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
	if cfg.AggThrottle() != time.Second {
		t.Fatalf("AggThrottle = %v", cfg.AggThrottle())
	}
	if cfg.AggFlushEvery() != 500*time.Millisecond {
		t.Fatalf("AggFlushEvery = %v", cfg.AggFlushEvery())
	}
	if cfg.SnapshotTTL() != 5*time.Minute {
		t.Fatalf("SnapshotTTL = %v", cfg.SnapshotTTL())
	}
	if cfg.SendBuffer != 256 || cfg.AggBufferCap != 10000 {
		t.Fatalf("buffers = %d/%d", cfg.SendBuffer, cfg.AggBufferCap)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWKS_URL", "https://issuer.example/jwks.json")
	t.Setenv("AGG_THROTTLE_MS", "250")
	t.Setenv("GATEWAY_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GatewayAddr != ":9090" {
		t.Fatalf("GatewayAddr = %q", cfg.GatewayAddr)
	}
	if cfg.AggThrottle() != 250*time.Millisecond {
		t.Fatalf("AggThrottle = %v", cfg.AggThrottle())
	}
}

func TestValidateAuthRequiresJWKS(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWKS_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("auth without JWKS_URL must fail validation")
	}
}

func TestValidateRejectsBadTunables(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "false")
	t.Setenv("AGG_THROTTLE_MS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("zero throttle must fail validation")
	}

	t.Setenv("AGG_THROTTLE_MS", "1000")
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("unknown log level must fail validation")
	}
}
