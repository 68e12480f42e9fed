package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/odvcencio/jjsync/internal/auth"
	"github.com/odvcencio/jjsync/internal/config"
)

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), err
}

func TestParseRepoArg(t *testing.T) {
	owner, repo, err := parseRepoArg("alice/demo")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "alice" || repo != "demo" {
		t.Fatalf("parseRepoArg = %q, %q", owner, repo)
	}
	for _, bad := range []string{"", "alice", "alice/", "/demo", "alice/demo/extra"} {
		if _, _, err := parseRepoArg(bad); err == nil {
			t.Fatalf("parseRepoArg(%q) succeeded, want error", bad)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "jjsync.log")
	var fallback bytes.Buffer
	logger, closeLog := newLogger(config.LogConfig{File: path, MaxSizeMB: 1, Level: "debug"}, &fallback)
	logger.Debug("detector tick", "repositories", 2)
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"detector tick"`) {
		t.Fatalf("log file = %q, want detector tick entry", data)
	}
	if fallback.Len() != 0 {
		t.Fatalf("fallback writer received %q", fallback.String())
	}
}

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "mysql"
	if _, err := openDB(cfg); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestInitTracingWithoutEndpointIsNoop(t *testing.T) {
	t.Setenv("JJSYNC_OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := initTracing(context.Background(), tracingSettingsFromEnv())
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTracingSettingsFromEnv(t *testing.T) {
	t.Setenv("JJSYNC_OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318/v1/traces")
	t.Setenv("JJSYNC_OTEL_EXPORTER_OTLP_INSECURE", "")
	t.Setenv("JJSYNC_OTEL_SERVICE_NAME", "")

	s := tracingSettingsFromEnv()
	if s.ServiceName != "jjsync" {
		t.Fatalf("service name = %q, want jjsync", s.ServiceName)
	}
	// endpoint, url path and insecure (from the http scheme)
	if got := len(s.exporterOptions()); got != 3 {
		t.Fatalf("exporter options = %d, want 3", got)
	}

	bare := tracingSettings{Endpoint: "collector:4318"}
	if got := len(bare.exporterOptions()); got != 1 {
		t.Fatalf("bare endpoint options = %d, want 1", got)
	}
}

func TestValidateServeConfigRejectsShortSecret(t *testing.T) {
	cfg := config.Default()
	if err := validateServeConfig(cfg); err != nil {
		t.Fatalf("empty secret should be allowed: %v", err)
	}
	cfg.Auth.JWTSecret = "short"
	if err := validateServeConfig(cfg); err == nil {
		t.Fatal("expected short secret to be rejected")
	}
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	const secret = "0123456789abcdef0123"
	t.Setenv("JJSYNC_JWT_SECRET", secret)

	out, err := runRoot(t, "token", "--subject", "ci")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.NewService(secret, 0).ValidateToken(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Subject != "ci" {
		t.Fatalf("subject = %q, want ci", claims.Subject)
	}
}

func TestTokenCommandRequiresSecret(t *testing.T) {
	t.Setenv("JJSYNC_JWT_SECRET", "")
	if _, err := runRoot(t, "token"); err == nil {
		t.Fatal("expected missing secret error")
	}
}

func TestMigrateAndSyncUnknownRepository(t *testing.T) {
	t.Setenv("JJSYNC_DB_DRIVER", "sqlite")
	t.Setenv("JJSYNC_DB_DSN", filepath.Join(t.TempDir(), "jjsync.db"))
	t.Setenv("JJSYNC_LOG_FILE", "")

	if _, err := runRoot(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err := runRoot(t, "sync", "alice/demo")
	if err == nil || !strings.Contains(err.Error(), "not in the catalog") {
		t.Fatalf("sync error = %v, want catalog miss", err)
	}
}
