package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server      ServerConfig
	AWS         AWSConfig
	S3          S3Config
	SQS         SQSConfig
	AutoScaling AutoScalingConfig
	Worker      WorkerConfig
	Retry       RetryConfig
	Redis       RedisConfig
	Insv        InsvConfig
	SLAM        SLAMConfig
	FFmpeg      FFmpegConfig
}

type ServerConfig struct {
	Env       string
	LogLevel  string
	LogFormat string
	AdminPort string // empty disables the admin server
	// AdminJWTSecret signs admin bearer tokens. Empty leaves the admin API open.
	AdminJWTSecret string
}

type AWSConfig struct {
	AccessKeyID     string `validate:"required"`
	SecretAccessKey string `validate:"required"`
	Region          string `validate:"required"`
	Endpoint        string // optional S3-compatible endpoint
}

type S3Config struct {
	BucketName    string `validate:"required"`
	PublicURL     string
	PresignExpiry time.Duration
	ChunkSize     int64 `validate:"gte=5242880"`
}

type SQSConfig struct {
	QueueURL        string `validate:"required,url"`
	MaxMessages     int32  `validate:"gte=1,lte=10"`
	WaitTimeSeconds int32  `validate:"gte=0,lte=20"`
}

type AutoScalingConfig struct {
	GroupName string
}

type WorkerConfig struct {
	PollInterval  time.Duration
	MaxEmptyPolls int `validate:"gte=1"`
	ScaleToZero   bool
	SweepEvery    int `validate:"gte=1"`
	RetentionDays int `validate:"gte=1"`
	WorkspaceRoot string
}

type RetryConfig struct {
	Backend    string `validate:"oneof=file redis"`
	FilePath   string
	MaxRetries int `validate:"gte=1"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type InsvConfig struct {
	ServerURLs []string
	Secret     string
	Timeout    time.Duration
}

type SLAMConfig struct {
	Runtime             string `validate:"oneof=docker direct"`
	Container           string
	Binary              string `validate:"required"`
	VocabPath           string `validate:"required"`
	VocabURL            string
	ConfigPath          string `validate:"required"`
	OutputDirName       string `validate:"required"`
	TrackingLostTimeout time.Duration
	TerminateURL        string
}

type FFmpegConfig struct {
	Path        string
	Threads     int
	Concurrency int `validate:"gte=1"`
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("AWS_ACCESS_KEY_ID")
	readSecret("AWS_SECRET_ACCESS_KEY")
	readSecret("INSV_META_SECRET")
	readSecret("REDIS_PASSWORD")
	readSecret("ADMIN_JWT_SECRET")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.log_format", "LOG_FORMAT")
	_ = v.BindEnv("server.admin_port", "ADMIN_PORT")
	_ = v.BindEnv("server.admin_jwt_secret", "ADMIN_JWT_SECRET")
	_ = v.BindEnv("aws.access_key_id", "AWS_ACCESS_KEY_ID")
	_ = v.BindEnv("aws.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	_ = v.BindEnv("aws.region", "AWS_REGION")
	_ = v.BindEnv("aws.endpoint", "AWS_ENDPOINT_URL")
	_ = v.BindEnv("s3.bucket_name", "S3_BUCKET_NAME")
	_ = v.BindEnv("s3.public_url", "S3_PUBLIC_URL")
	_ = v.BindEnv("s3.presign_expiry", "S3_PRESIGN_EXPIRY")
	_ = v.BindEnv("s3.chunk_size_mb", "S3_CHUNK_SIZE_MB")
	_ = v.BindEnv("sqs.queue_url", "SQS_QUEUE_URL")
	_ = v.BindEnv("sqs.max_messages", "SQS_MAX_MESSAGES")
	_ = v.BindEnv("sqs.wait_time_seconds", "SQS_WAIT_TIME_SECONDS")
	_ = v.BindEnv("autoscaling.group_name", "AUTOSCALING_GROUP_NAME")
	_ = v.BindEnv("worker.poll_interval", "WORKER_POLL_INTERVAL")
	_ = v.BindEnv("worker.max_empty_polls", "MAX_EMPTY_POLLS")
	_ = v.BindEnv("worker.scale_to_zero", "ALLOW_TURN_OFF")
	_ = v.BindEnv("worker.sweep_every", "RETRY_SWEEP_EVERY")
	_ = v.BindEnv("worker.retention_days", "RETRY_RETENTION_DAYS")
	_ = v.BindEnv("worker.workspace_root", "WORKER_TMP_DIR")
	_ = v.BindEnv("retry.backend", "RETRY_BACKEND")
	_ = v.BindEnv("retry.file_path", "RETRY_FILE_PATH")
	_ = v.BindEnv("retry.max_retries", "MAX_RETRIES")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("insv.server_url", "BIMEFY_SERVER_URL")
	_ = v.BindEnv("insv.secret", "INSV_META_SECRET")
	_ = v.BindEnv("insv.timeout", "INSV_TIMEOUT")
	_ = v.BindEnv("slam.runtime", "SLAM_RUNTIME")
	_ = v.BindEnv("slam.container", "SLAM_CONTAINER")
	_ = v.BindEnv("slam.binary", "SLAM_BINARY")
	_ = v.BindEnv("slam.vocab_path", "SLAM_VOCAB_PATH")
	_ = v.BindEnv("slam.vocab_url", "SLAM_VOCAB_URL")
	_ = v.BindEnv("slam.config_path", "SLAM_CONFIG_PATH")
	_ = v.BindEnv("slam.output_dir_name", "SLAM_OUTPUT_DIR")
	_ = v.BindEnv("slam.tracking_lost_timeout", "SLAM_TRACKING_LOST_TIMEOUT")
	_ = v.BindEnv("slam.terminate_url", "SLAM_TERMINATE_URL")
	_ = v.BindEnv("ffmpeg.path", "FFMPEG_PATH")
	_ = v.BindEnv("ffmpeg.threads", "FFMPEG_THREADS")
	_ = v.BindEnv("ffmpeg.concurrency", "FFMPEG_CONCURRENCY")

	// Defaults
	v.SetDefault("server.env", "production")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_format", "json")
	v.SetDefault("s3.presign_expiry", time.Hour)
	v.SetDefault("s3.chunk_size_mb", 150)
	v.SetDefault("sqs.max_messages", 10)
	v.SetDefault("sqs.wait_time_seconds", 10)
	v.SetDefault("autoscaling.group_name", "InsvParserGPU AutoScaling Group")
	v.SetDefault("worker.poll_interval", time.Second)
	v.SetDefault("worker.max_empty_polls", 10)
	v.SetDefault("worker.scale_to_zero", true)
	v.SetDefault("worker.sweep_every", 100)
	v.SetDefault("worker.retention_days", 7)
	v.SetDefault("worker.workspace_root", os.TempDir())
	v.SetDefault("retry.backend", "file")
	v.SetDefault("retry.file_path", "/tmp/stella-retry-tracker.json")
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("insv.timeout", 30*time.Second)

	// SLAM runtime defaults match the stella-vslam container image layout
	v.SetDefault("slam.runtime", "docker")
	v.SetDefault("slam.container", "stella-vslam")
	v.SetDefault("slam.binary", "/stella_vslam_examples/build/run_video_slam")
	v.SetDefault("slam.vocab_path", "/stella_vslam_examples/build/orb_vocab.fbow")
	v.SetDefault("slam.vocab_url", "https://github.com/stella-cv/FBoW_orb_vocab/raw/main/orb_vocab.fbow")
	v.SetDefault("slam.config_path", "/stella_vslam_examples/content/config.yml")
	v.SetDefault("slam.output_dir_name", "slam")
	v.SetDefault("slam.tracking_lost_timeout", 300*time.Second)
	v.SetDefault("slam.terminate_url", "http://127.0.0.1:3000/terminate")

	v.SetDefault("ffmpeg.path", "ffmpeg")
	v.SetDefault("ffmpeg.threads", 8)
	v.SetDefault("ffmpeg.concurrency", 3)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	serverURLs, err := ParseServerURLs(v.GetString("insv.server_url"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Env:            v.GetString("server.env"),
			LogLevel:       v.GetString("server.log_level"),
			LogFormat:      v.GetString("server.log_format"),
			AdminPort:      v.GetString("server.admin_port"),
			AdminJWTSecret: v.GetString("server.admin_jwt_secret"),
		},
		AWS: AWSConfig{
			AccessKeyID:     v.GetString("aws.access_key_id"),
			SecretAccessKey: v.GetString("aws.secret_access_key"),
			Region:          v.GetString("aws.region"),
			Endpoint:        v.GetString("aws.endpoint"),
		},
		S3: S3Config{
			BucketName:    v.GetString("s3.bucket_name"),
			PublicURL:     v.GetString("s3.public_url"),
			PresignExpiry: v.GetDuration("s3.presign_expiry"),
			ChunkSize:     v.GetInt64("s3.chunk_size_mb") * 1024 * 1024,
		},
		SQS: SQSConfig{
			QueueURL:        v.GetString("sqs.queue_url"),
			MaxMessages:     v.GetInt32("sqs.max_messages"),
			WaitTimeSeconds: v.GetInt32("sqs.wait_time_seconds"),
		},
		AutoScaling: AutoScalingConfig{
			GroupName: v.GetString("autoscaling.group_name"),
		},
		Worker: WorkerConfig{
			PollInterval:  v.GetDuration("worker.poll_interval"),
			MaxEmptyPolls: v.GetInt("worker.max_empty_polls"),
			ScaleToZero:   v.GetBool("worker.scale_to_zero"),
			SweepEvery:    v.GetInt("worker.sweep_every"),
			RetentionDays: v.GetInt("worker.retention_days"),
			WorkspaceRoot: v.GetString("worker.workspace_root"),
		},
		Retry: RetryConfig{
			Backend:    strings.ToLower(v.GetString("retry.backend")),
			FilePath:   v.GetString("retry.file_path"),
			MaxRetries: v.GetInt("retry.max_retries"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Insv: InsvConfig{
			ServerURLs: serverURLs,
			Secret:     v.GetString("insv.secret"),
			Timeout:    v.GetDuration("insv.timeout"),
		},
		SLAM: SLAMConfig{
			Runtime:             strings.ToLower(v.GetString("slam.runtime")),
			Container:           v.GetString("slam.container"),
			Binary:              v.GetString("slam.binary"),
			VocabPath:           v.GetString("slam.vocab_path"),
			VocabURL:            v.GetString("slam.vocab_url"),
			ConfigPath:          v.GetString("slam.config_path"),
			OutputDirName:       v.GetString("slam.output_dir_name"),
			TrackingLostTimeout: v.GetDuration("slam.tracking_lost_timeout"),
			TerminateURL:        v.GetString("slam.terminate_url"),
		},
		FFmpeg: FFmpegConfig{
			Path:        v.GetString("ffmpeg.path"),
			Threads:     v.GetInt("ffmpeg.threads"),
			Concurrency: v.GetInt("ffmpeg.concurrency"),
		},
	}

	return cfg, nil
}

// Validate checks required settings. A failure here is fatal for the process.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			missing := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				missing = append(missing, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(missing, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.SLAM.Runtime == "docker" && c.SLAM.Container == "" {
		return fmt.Errorf("invalid configuration: SLAM_CONTAINER is required for the docker runtime")
	}
	return nil
}

// ParseServerURLs accepts either a JSON array of URLs or a single URL, optionally
// JSON-quoted. Trailing slashes are trimmed.
func ParseServerURLs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var urls []string
	switch {
	case strings.HasPrefix(raw, "["):
		if err := json.Unmarshal([]byte(raw), &urls); err != nil {
			return nil, fmt.Errorf("failed to parse BIMEFY_SERVER_URL: %w", err)
		}
	case strings.HasPrefix(raw, `"`):
		var single string
		if err := json.Unmarshal([]byte(raw), &single); err != nil {
			return nil, fmt.Errorf("failed to parse BIMEFY_SERVER_URL: %w", err)
		}
		urls = []string{single}
	default:
		urls = []string{raw}
	}

	out := urls[:0]
	for _, u := range urls {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}
