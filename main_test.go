package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"bezorgmoment/email"
	"bezorgmoment/pkg/delivery"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"AH_USERNAME", "AH_PASSWORD", "BROWSER_URL", "STORAGE_BUCKET", "LOCAL_STORAGE", "PORT", "BREVO_API_KEY", "GOOGLE_CREDENTIALS_JSON", "NOTIFY_TO"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "config.json5"))
	require.NoError(t, err)
	if diff := cmp.Diff(defaultConfig(), cfg); diff != "" {
		t.Errorf("loadConfig() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigMergesLocalAndEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.json5"), `{
		// shared settings
		username: "shared@example.com",
		locale: "en",
		outputs: { json: "/var/lib/bezorgmoment/result.json" },
		timeouts: { classify: "5s" },
	}`)
	writeFile(t, filepath.Join(dir, "config.local.json5"), `{
		username: "me@example.com",
		notify: { to: "me@example.com", provider: "brevo" },
	}`)
	t.Setenv("AH_PASSWORD", "geheim")
	t.Setenv("BREVO_API_KEY", "key")

	cfg, err := loadConfig(filepath.Join(dir, "config.json5"))
	require.NoError(t, err)

	checks := map[string][2]string{
		"username":   {cfg.Username, "me@example.com"},
		"password":   {cfg.Password, "geheim"},
		"locale":     {cfg.Locale, "en"},
		"json":       {cfg.Outputs.JSON, "/var/lib/bezorgmoment/result.json"},
		"screenshot": {cfg.Outputs.Screenshot, "bezorgmoment.png"},
		"classify":   {cfg.Timeouts.Classify, "5s"},
		"authResult": {cfg.Timeouts.AuthResult, "20s"},
		"notify.to":  {cfg.Notify.To, "me@example.com"},
		"brevo key":  {cfg.BrevoAPIKey, "key"},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %q, want %q", name, c[0], c[1])
		}
	}
	if baseName(cfg.Outputs.JSON) != "result.json" {
		t.Errorf("baseName() = %q", baseName(cfg.Outputs.JSON))
	}
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad timezone", `{timezone: "Mars/Olympus"}`, "timezone"},
		{"bad timeout", `{timeouts: {navigation: "soon"}}`, "navigation"},
		{"bad provider", `{notify: {provider: "pigeon"}}`, "pigeon"},
		{"bad syntax", `{username: }`, "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			path := filepath.Join(t.TempDir(), "config.json5")
			writeFile(t, path, tt.content)
			_, err := loadConfig(path)
			require.Error(t, err)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestNewNotifier(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	cfg := defaultConfig()
	n, err := newNotifier(ctx, cfg, logger)
	require.NoError(t, err)
	if n != nil {
		t.Error("notifier without recipient should be nil")
	}

	cfg.Notify.To = "me@example.com"
	n, err = newNotifier(ctx, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, n)

	// The mock provider accepts anything, so a send must succeed.
	ts := time.Date(2018, time.August, 16, 10, 0, 0, 0, time.UTC)
	rec := &delivery.Record{Label: delivery.Ptr("zaterdag 18 augustus (16:00 - 18:00)"), Timestamp: ts}
	require.NoError(t, n.SendChange(ctx, rec, email.ReasonNewOrder))

	cfg.Notify.Provider = "brevo"
	_, err = newNotifier(ctx, cfg, logger)
	require.Error(t, err, "brevo without an API key")
}

func TestWriteRecord(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2018, time.August, 16, 10, 0, 0, 0, time.UTC)
	require.NoError(t, writeRecord(&buf, delivery.Failed("maintenance", "maintenance", "", ts)))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	want := map[string]any{"error": "maintenance", "errorKind": "maintenance", "timestamp": "2018-08-16T10:00:00Z"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("writeRecord() mismatch (-want +got):\n%s", diff)
	}
}

func TestRootCommandFlags(t *testing.T) {
	root := newRootCmd(io.Discard)
	for _, name := range []string{"pdf", "compare", "cached", "faster", "debug", "daemon", "locale", "server-url", "config", "log-json"} {
		if root.PersistentFlags().Lookup(name) == nil {
			t.Errorf("flag --%s missing", name)
		}
	}
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"check", "serve"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("command %q missing from %v", want, names)
		}
	}
}
