package config

import "testing"

func TestLoadArgs_Defaults(t *testing.T) {
	t.Setenv("CACHE_DIR", "")
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("ALLOWED_UPSTREAMS", "")

	cfg, err := LoadArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.CacheDir != "/var/cache/git" {
		t.Errorf("CacheDir = %q, want /var/cache/git", cfg.CacheDir)
	}
	if len(cfg.AllowedUpstreams) != 1 || cfg.AllowedUpstreams[0] != "github.com" {
		t.Errorf("AllowedUpstreams = %v, want [github.com]", cfg.AllowedUpstreams)
	}
	if cfg.GitUploadPackTimeoutSeconds != 600 {
		t.Errorf("GitUploadPackTimeoutSeconds = %d, want 600", cfg.GitUploadPackTimeoutSeconds)
	}
	if cfg.EnablePackCache {
		t.Error("EnablePackCache should default to false")
	}
}

func TestLoadArgs_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("CACHE_DIR", "/env/cache")

	cfg, err := LoadArgs([]string{"--cache-dir=/flag/cache"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheDir != "/flag/cache" {
		t.Errorf("CacheDir = %q, want /flag/cache (flag should win over env)", cfg.CacheDir)
	}
}

func TestLoadArgs_EnvFallback(t *testing.T) {
	t.Setenv("CACHE_DIR", "/env/cache")

	cfg, err := LoadArgs(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.CacheDir != "/env/cache" {
		t.Errorf("CacheDir = %q, want /env/cache", cfg.CacheDir)
	}
}

func TestLoadArgs_AllowedUpstreamsParsed(t *testing.T) {
	cfg, err := LoadArgs([]string{"--allowed-upstreams= github.com ,gitlab.example.com ,"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"github.com", "gitlab.example.com"}
	if len(cfg.AllowedUpstreams) != len(want) {
		t.Fatalf("AllowedUpstreams = %v, want %v", cfg.AllowedUpstreams, want)
	}
	for i := range want {
		if cfg.AllowedUpstreams[i] != want[i] {
			t.Fatalf("AllowedUpstreams = %v, want %v", cfg.AllowedUpstreams, want)
		}
	}
}

func TestLoadArgs_RejectsEmptyAllowedUpstreams(t *testing.T) {
	if _, err := LoadArgs([]string{"--allowed-upstreams="}); err == nil {
		t.Fatal("expected error for empty allowed-upstreams")
	}
}

func TestLoadArgs_RejectsNonPositiveTimeout(t *testing.T) {
	if _, err := LoadArgs([]string{"--upload-pack-timeout=0"}); err == nil {
		t.Fatal("expected error for non-positive timeout")
	}
}

func TestLoadArgs_RejectsUnknownFlag(t *testing.T) {
	if _, err := LoadArgs([]string{"--not-a-flag"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
