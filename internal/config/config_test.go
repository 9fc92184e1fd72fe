package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dentdesk/dentdesk/internal/remote"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DENTDESK_DATA_DIR", dir)

	l, err := Load(Options{EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg := l.Config()

	if cfg.DataDir != dir || cfg.DatabasePath() != filepath.Join(dir, "dentdesk.db") {
		t.Errorf("paths = %q / %q", cfg.DataDir, cfg.DatabasePath())
	}
	if !cfg.AutoSync || cfg.Remote.Kind != remote.KindNone {
		t.Errorf("auto_sync = %v, remote.kind = %q", cfg.AutoSync, cfg.Remote.Kind)
	}
	if cfg.Sync.RemoteTimeout != 10*time.Second || cfg.Sync.BatchSize != 50 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Log.Level != "info" || cfg.Dashboard.Port != 8080 {
		t.Errorf("log = %+v, dashboard = %+v", cfg.Log, cfg.Dashboard)
	}
	if l.File() != "" {
		t.Errorf("File() = %q, want none", l.File())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dentdesk.yaml")
	writeFile(t, path, `
data_dir: `+dir+`
auto_sync: false
remote:
  kind: s3
  prefix: clinic-a
  s3:
    bucket: backups
    region: eu-west-1
    use_path_style: true
sync:
  remote_timeout: 3s
  batch_size: 20
log:
  level: debug
`)
	t.Setenv("DENTDESK_REMOTE_S3_BUCKET", "override")
	t.Setenv("DENTDESK_DASHBOARD_PORT", "9090")

	l, err := Load(Options{File: path, EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	cfg := l.Config()

	if cfg.AutoSync {
		t.Error("auto_sync should be false")
	}
	if cfg.Remote.Kind != remote.KindS3 || cfg.Remote.Prefix != "clinic-a" {
		t.Errorf("remote = %+v", cfg.Remote)
	}
	if cfg.Remote.S3.Bucket != "override" || cfg.Remote.S3.Region != "eu-west-1" || !cfg.Remote.S3.UsePathStyle {
		t.Errorf("remote.s3 = %+v", cfg.Remote.S3)
	}
	if cfg.Sync.RemoteTimeout != 3*time.Second || cfg.Sync.BatchSize != 20 {
		t.Errorf("sync = %+v", cfg.Sync)
	}
	if cfg.Log.Level != "debug" || cfg.Dashboard.Port != 9090 {
		t.Errorf("log.level = %q, dashboard.port = %d", cfg.Log.Level, cfg.Dashboard.Port)
	}
	if l.File() != path {
		t.Errorf("File() = %q, want %q", l.File(), path)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	writeFile(t, envFile, "DENTDESK_DATA_DIR="+dir+"\nDENTDESK_REMOTE_KIND=memory\n")

	// godotenv sets process variables; restore them afterwards.
	t.Setenv("DENTDESK_DATA_DIR", "")
	os.Unsetenv("DENTDESK_DATA_DIR")
	t.Setenv("DENTDESK_REMOTE_KIND", "")
	os.Unsetenv("DENTDESK_REMOTE_KIND")

	l, err := Load(Options{EnvFiles: []string{envFile, filepath.Join(dir, "missing.env")}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg := l.Config(); cfg.Remote.Kind != remote.KindMemory || cfg.DataDir != dir {
		t.Errorf("config = %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Load(Options{File: filepath.Join(dir, "nope.yaml"), EnvFiles: []string{}}); err == nil {
		t.Error("Load() with a missing explicit file should fail")
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "data_dir: "+dir+"\nremote:\n  kind: ftp\n")
	if _, err := Load(Options{File: bad, EnvFiles: []string{}}); err == nil || !strings.Contains(err.Error(), "ftp") {
		t.Errorf("Load() with unknown remote kind error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"minimal", Config{DataDir: "/data"}, false},
		{"db path only", Config{DBPath: "/data/x.db"}, false},
		{"no location", Config{}, true},
		{"negative batch", Config{DataDir: "/d", Sync: SyncConfig{BatchSize: -1}}, true},
		{"bad port", Config{DataDir: "/d", Dashboard: DashboardConfig{Port: 70000}}, true},
		{"redis", Config{DataDir: "/d", Remote: remote.Config{Kind: remote.KindRedis}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPersist(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DENTDESK_DATA_DIR", dir)

	l, err := Load(Options{EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	path, err := l.Persist("auto_sync", false)
	if err != nil {
		t.Fatalf("Persist() failed: %v", err)
	}
	if path != filepath.Join(dir, "dentdesk.yaml") {
		t.Errorf("Persist() path = %q", path)
	}
	if l.Config().AutoSync {
		t.Error("in-process config not updated")
	}

	reloaded, err := Load(Options{File: path, EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Config().AutoSync {
		t.Error("persisted auto_sync not read back")
	}
}

func TestLoad_DataDirOverrideFindsPersistedFile(t *testing.T) {
	t.Setenv("DENTDESK_DATA_DIR", t.TempDir())
	dir := t.TempDir()

	l, err := Load(Options{DataDir: dir, EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if _, err := l.Persist("auto_sync", false); err != nil {
		t.Fatalf("Persist() failed: %v", err)
	}

	reloaded, err := Load(Options{DataDir: dir, EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.File() != filepath.Join(dir, "dentdesk.yaml") {
		t.Errorf("File() = %q, want the file in the overridden data dir", reloaded.File())
	}
	if reloaded.Config().AutoSync {
		t.Error("persisted auto_sync not read back")
	}
	if reloaded.Config().DataDir != dir {
		t.Errorf("DataDir = %q, want %q", reloaded.Config().DataDir, dir)
	}
}

func TestWatch_AppliesChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dentdesk.yaml")
	writeFile(t, path, "data_dir: "+dir+"\nauto_sync: true\n")

	l, err := Load(Options{File: path, EnvFiles: []string{}})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	var sawDisable atomic.Bool
	l.Watch(func(prev, next *Config) {
		if prev.AutoSync && !next.AutoSync {
			sawDisable.Store(true)
		}
	}, nil)

	writeFile(t, path, "data_dir: "+dir+"\nauto_sync: false\n")

	deadline := time.Now().Add(5 * time.Second)
	for !sawDisable.Load() {
		if time.Now().After(deadline) {
			t.Fatal("config change not observed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if l.Config().AutoSync {
		t.Error("Config() not reloaded")
	}
}
