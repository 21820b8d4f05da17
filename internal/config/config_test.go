package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFromYAMLDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("auth:\n  dev_jwt_secret: hunter2\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != ":8787" || cfg.Server.BasePath != "/rpc" {
		t.Fatalf("expected defaults for unset fields, got %+v", cfg.Server)
	}
	if cfg.Auth.DevJWTSecret != "hunter2" {
		t.Fatalf("expected secret carried through, got %q", cfg.Auth.DevJWTSecret)
	}
}

func TestFromYAMLRejectsBadBasePath(t *testing.T) {
	_, err := FromYAML([]byte("server:\n  base_path: rpc\n"))
	if err == nil {
		t.Fatalf("expected error for base path without leading slash")
	}
}

func TestLoadMissingFileFallsBack(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8787" {
		t.Fatalf("expected defaults, got %+v", cfg.Server)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "kwilt.yml"), []byte("server:\n  addr: \":9999\"\n"), 0o644)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected addr from file, got %q", cfg.Server.Addr)
	}
}
