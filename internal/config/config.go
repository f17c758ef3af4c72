// Package config loads worker and CLI settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/google/shlex"
)

// Worker roles.
const (
	RoleSplit    = "split"
	RoleProcess  = "process"
	RoleAssemble = "assemble"
)

type Config struct {
	NATSURL           string
	TaskStream        string
	TaskSubjectPrefix string
	EventSubject      string
	BarrierBucket     string
	DatabaseURL       string

	WorkDir         string
	OutputDir       string
	ChunkTargetSize datasize.ByteSize
	MinFreeDisk     datasize.ByteSize
	CleanupChunks   bool

	MaxAttempts     int
	TaskTimeout     time.Duration
	RetryDelay      time.Duration
	SplitWorkers    int
	ProcessWorkers  int
	AssembleWorkers int
	Roles           []string

	FFmpegBin       string
	FFprobeBin      string
	FFmpegExtraArgs []string
	ProfilesFile    string
	DefaultProfile  string

	OutputBucket   string
	S3Region       string
	S3Endpoint     string
	S3UsePathStyle bool

	MetricsAddr string
	LogFormat   string
	LogLevel    string
}

func Load() (Config, error) {
	cfg := Config{
		NATSURL:           getenv("NATS_URL", "nats://127.0.0.1:4222"),
		TaskStream:        getenv("TASK_STREAM", "TRANSCODE"),
		TaskSubjectPrefix: getenv("TASK_SUBJECT_PREFIX", "transcode.tasks"),
		EventSubject:      getenv("EVENT_SUBJECT", "transcode.videos"),
		BarrierBucket:     getenv("BARRIER_BUCKET", "transcode_barrier"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		WorkDir:           getenv("WORK_DIR", "./data/work"),
		OutputDir:         getenv("OUTPUT_DIR", "./data/output"),
		CleanupChunks:     getenvBool("CLEANUP_CHUNKS", true),
		FFmpegBin:         getenv("FFMPEG_BIN", "ffmpeg"),
		FFprobeBin:        getenv("FFPROBE_BIN", "ffprobe"),
		ProfilesFile:      getenv("PROFILES_FILE", ""),
		DefaultProfile:    getenv("DEFAULT_PROFILE", "HD_720_STANDARD"),
		OutputBucket:      getenv("OUTPUT_BUCKET", ""),
		S3Region:          getenv("AWS_S3_REGION", "us-east-1"),
		S3Endpoint:        getenv("AWS_S3_ENDPOINT", ""),
		S3UsePathStyle:    getenvBool("AWS_S3_USE_PATH_STYLE", true),
		MetricsAddr:       getenv("METRICS_ADDR", ":2112"),
		LogFormat:         getenv("LOG_FORMAT", "text"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.ChunkTargetSize, err = parseSize(getenv("CHUNK_TARGET_SIZE", "4MB"), "CHUNK_TARGET_SIZE"); err != nil {
		return Config{}, err
	}
	if cfg.ChunkTargetSize == 0 {
		return Config{}, fmt.Errorf("CHUNK_TARGET_SIZE must be greater than zero")
	}
	if cfg.MinFreeDisk, err = parseSize(getenv("MIN_FREE_DISK", "512MB"), "MIN_FREE_DISK"); err != nil {
		return Config{}, err
	}

	if cfg.MaxAttempts, err = parsePositiveInt(getenv("MAX_ATTEMPTS", "3"), "MAX_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	if cfg.SplitWorkers, err = parsePositiveInt(getenv("SPLIT_WORKERS", "1"), "SPLIT_WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.ProcessWorkers, err = parsePositiveInt(getenv("PROCESS_WORKERS", "4"), "PROCESS_WORKERS"); err != nil {
		return Config{}, err
	}
	if cfg.AssembleWorkers, err = parsePositiveInt(getenv("ASSEMBLE_WORKERS", "1"), "ASSEMBLE_WORKERS"); err != nil {
		return Config{}, err
	}

	if cfg.TaskTimeout, err = parseDuration(getenv("TASK_TIMEOUT", "15m"), "TASK_TIMEOUT"); err != nil {
		return Config{}, err
	}
	if cfg.RetryDelay, err = parseDuration(getenv("RETRY_DELAY", "5s"), "RETRY_DELAY"); err != nil {
		return Config{}, err
	}

	if extra := getenv("FFMPEG_EXTRA_ARGS", ""); extra != "" {
		args, err := shlex.Split(extra)
		if err != nil {
			return Config{}, fmt.Errorf("parse FFMPEG_EXTRA_ARGS: %w", err)
		}
		cfg.FFmpegExtraArgs = args
	}

	roles, err := parseRoles(getenv("WORKER_ROLES", "split,process,assemble"))
	if err != nil {
		return Config{}, err
	}
	cfg.Roles = roles

	return cfg, nil
}

// HasRole reports whether the worker should consume the named queue.
func (c Config) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// NeedsStorage reports whether a configured role fetches sources (split) or
// publishes outputs (assemble). Process-only workers skip storage setup.
func (c Config) NeedsStorage() bool {
	return c.HasRole(RoleSplit) || c.HasRole(RoleAssemble)
}

func parseRoles(value string) ([]string, error) {
	var roles []string
	for _, part := range strings.Split(value, ",") {
		role := strings.ToLower(strings.TrimSpace(part))
		if role == "" {
			continue
		}
		switch role {
		case RoleSplit, RoleProcess, RoleAssemble:
			roles = append(roles, role)
		default:
			return nil, fmt.Errorf("invalid WORKER_ROLES entry %q (want split, process or assemble)", role)
		}
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("WORKER_ROLES must name at least one role")
	}
	return roles, nil
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseSize(value string, name string) (datasize.ByteSize, error) {
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(value)); err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return size, nil
}

func parseDuration(value string, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}
