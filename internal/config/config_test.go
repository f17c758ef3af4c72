package config

import (
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"NATS_URL", "CHUNK_TARGET_SIZE", "MAX_ATTEMPTS", "WORKER_ROLES", "FFMPEG_EXTRA_ARGS", "TASK_TIMEOUT", "CLEANUP_CHUNKS"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.NATSURL != "nats://127.0.0.1:4222" {
		t.Fatalf("unexpected NATS URL: %s", cfg.NATSURL)
	}
	if cfg.TaskStream != "TRANSCODE" || cfg.TaskSubjectPrefix != "transcode.tasks" {
		t.Fatalf("unexpected task stream: %s %s", cfg.TaskStream, cfg.TaskSubjectPrefix)
	}
	if cfg.ChunkTargetSize != 4*datasize.MB {
		t.Fatalf("unexpected chunk size: %s", cfg.ChunkTargetSize)
	}
	if cfg.ChunkTargetSize.Bytes() != 4<<20 {
		t.Fatalf("chunk size should be 4 MiB, got %d bytes", cfg.ChunkTargetSize.Bytes())
	}
	if cfg.MaxAttempts != 3 || cfg.TaskTimeout != 15*time.Minute || cfg.RetryDelay != 5*time.Second {
		t.Fatalf("unexpected retry settings: %d %s %s", cfg.MaxAttempts, cfg.TaskTimeout, cfg.RetryDelay)
	}
	if !cfg.HasRole(RoleSplit) || !cfg.HasRole(RoleProcess) || !cfg.HasRole(RoleAssemble) {
		t.Fatalf("default roles incomplete: %v", cfg.Roles)
	}
	if !cfg.NeedsStorage() {
		t.Fatal("default roles include split and assemble and need storage")
	}
	if !cfg.CleanupChunks {
		t.Fatal("chunk cleanup should default to true")
	}
	if cfg.DefaultProfile != "HD_720_STANDARD" {
		t.Fatalf("unexpected default profile: %s", cfg.DefaultProfile)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHUNK_TARGET_SIZE", "16MB")
	t.Setenv("PROCESS_WORKERS", "8")
	t.Setenv("WORKER_ROLES", " Process , assemble")
	t.Setenv("FFMPEG_EXTRA_ARGS", `-threads 2 -metadata "title=my clip"`)
	t.Setenv("CLEANUP_CHUNKS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ChunkTargetSize.Bytes() != 16<<20 {
		t.Fatalf("unexpected chunk size: %d", cfg.ChunkTargetSize.Bytes())
	}
	if cfg.ProcessWorkers != 8 {
		t.Fatalf("unexpected process workers: %d", cfg.ProcessWorkers)
	}
	if cfg.HasRole(RoleSplit) || !cfg.HasRole(RoleProcess) || !cfg.HasRole(RoleAssemble) {
		t.Fatalf("unexpected roles: %v", cfg.Roles)
	}
	want := []string{"-threads", "2", "-metadata", "title=my clip"}
	if len(cfg.FFmpegExtraArgs) != len(want) {
		t.Fatalf("unexpected extra args: %q", cfg.FFmpegExtraArgs)
	}
	for i := range want {
		if cfg.FFmpegExtraArgs[i] != want[i] {
			t.Fatalf("extra arg %d = %q, want %q", i, cfg.FFmpegExtraArgs[i], want[i])
		}
	}
	if cfg.CleanupChunks {
		t.Fatal("CLEANUP_CHUNKS=false not honoured")
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := map[string]string{
		"MAX_ATTEMPTS":      "not-a-number",
		"PROCESS_WORKERS":   "0",
		"CHUNK_TARGET_SIZE": "lots",
		"TASK_TIMEOUT":      "soon",
		"RETRY_DELAY":       "-1s",
		"WORKER_ROLES":      "split,encode",
		"FFMPEG_EXTRA_ARGS": `-metadata "unterminated`,
	}

	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", key, value)
			}
		})
	}
}

func TestNeedsStorageByRole(t *testing.T) {
	tests := []struct {
		roles string
		want  bool
	}{
		{roles: "process", want: false},
		{roles: "split", want: true},
		{roles: "assemble", want: true},
		{roles: "process,assemble", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.roles, func(t *testing.T) {
			t.Setenv("WORKER_ROLES", tt.roles)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load returned error: %v", err)
			}
			if got := cfg.NeedsStorage(); got != tt.want {
				t.Fatalf("NeedsStorage() = %v, want %v for roles %q", got, tt.want, tt.roles)
			}
		})
	}
}
