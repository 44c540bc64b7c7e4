package config

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "TRANSFER_"

type Config struct {
	Env         string `koanf:"env"`
	LogLevel    string `koanf:"log_level"`
	Tracing     bool   `koanf:"tracing"`
	TracingAddr string `koanf:"tracing_addr"`

	HTTP     HTTPConfig     `koanf:"http"`
	GRPC     GRPCConfig     `koanf:"grpc"`
	JWT      JWTConfig      `koanf:"jwt"`
	Sessions SessionsConfig `koanf:"sessions"`
	Storage  StorageConfig  `koanf:"storage"`
	Archive  ArchiveConfig  `koanf:"archive"`
	Reaper   ReaperConfig   `koanf:"reaper"`
	AWS      AWSConfig      `koanf:"aws"`
	Queues   QueuesConfig   `koanf:"queues"`
	Redis    RedisConfig    `koanf:"redis"`
	Database DatabaseConfig `koanf:"database"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	AllowOrigins      []string      `koanf:"allow_origins"`
}

type GRPCConfig struct {
	HealthAddr string `koanf:"health_addr"`
}

type JWTConfig struct {
	Secret string `koanf:"secret"`
}

type SessionsConfig struct {
	// Driver selects the session store: "badger" or "dynamodb".
	Driver    string        `koanf:"driver"`
	BadgerDir string        `koanf:"badger_dir"`
	TableName string        `koanf:"table_name"`
	TTL       time.Duration `koanf:"ttl"`

	DefaultChunkSizeRaw string `koanf:"default_chunk_size"`
	MinChunkSizeRaw     string `koanf:"min_chunk_size"`
	MaxChunkSizeRaw     string `koanf:"max_chunk_size"`
	MaxFileSizeRaw      string `koanf:"max_file_size"`

	DefaultChunkSize int64 `koanf:"-"`
	MinChunkSize     int64 `koanf:"-"`
	MaxChunkSize     int64 `koanf:"-"`
	MaxFileSize      int64 `koanf:"-"`

	ChunkOpTimeout  time.Duration `koanf:"chunk_op_timeout"`
	AssemblyTimeout time.Duration `koanf:"assembly_timeout"`
	LedgerAttempts  int           `koanf:"ledger_attempts"`
}

type StorageConfig struct {
	StagingDir   string `koanf:"staging_dir"`
	ArtifactsDir string `koanf:"artifacts_dir"`
	S3Bucket     string `koanf:"s3_bucket"`
}

type ArchiveConfig struct {
	MaxBytesRaw       string        `koanf:"max_bytes"`
	MaxBytes          int64         `koanf:"-"`
	Timeout           time.Duration `koanf:"timeout"`
	ReadBufferSizeRaw string        `koanf:"read_buffer_size"`
	ReadBufferSize    int           `koanf:"-"`
	JobTTL            time.Duration `koanf:"job_ttl"`
}

type ReaperConfig struct {
	Interval  time.Duration `koanf:"interval"`
	BatchSize int           `koanf:"batch_size"`
}

type AWSConfig struct {
	Region    string `koanf:"region"`
	AccountID string `koanf:"account_id"`
	// Endpoint overrides every AWS client endpoint (localstack).
	Endpoint string `koanf:"endpoint"`
}

type QueuesConfig struct {
	QuotaQueueName string `koanf:"quota_queue_name"`
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	LogLevel     string `koanf:"log_level"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

// LoadConfig reads .env (if present), then the YAML file at path (if
// present), then TRANSFER_* environment overrides. Nested keys use a double
// underscore: TRANSFER_SESSIONS__DRIVER=dynamodb.
func LoadConfig(path string) (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Annotatef(err, "loading config file %q", path)
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "loading environment")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Annotate(err, "decoding config")
	}

	if err := cfg.applyDefaults(); err != nil {
		return Config{}, errors.Trace(err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Default returns a config with every default applied; tests start from it.
func Default() Config {
	var cfg Config
	if err := cfg.applyDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) applyDefaults() error {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ReadHeaderTimeout == 0 {
		c.HTTP.ReadHeaderTimeout = 10 * time.Second
	}
	if c.GRPC.HealthAddr == "" {
		c.GRPC.HealthAddr = ":9090"
	}

	s := &c.Sessions
	if s.Driver == "" {
		s.Driver = "badger"
	}
	if s.BadgerDir == "" {
		s.BadgerDir = "data/sessions"
	}
	if s.TableName == "" {
		s.TableName = "transfer_sessions"
	}
	if s.TTL == 0 {
		s.TTL = 24 * time.Hour
	}
	if s.ChunkOpTimeout == 0 {
		s.ChunkOpTimeout = 5 * time.Second
	}
	if s.AssemblyTimeout == 0 {
		s.AssemblyTimeout = time.Hour
	}
	if s.LedgerAttempts == 0 {
		s.LedgerAttempts = 10
	}

	var err error
	if s.DefaultChunkSize, err = parseBytes(s.DefaultChunkSizeRaw, "5MiB"); err != nil {
		return errors.Annotate(err, "sessions.default_chunk_size")
	}
	if s.MinChunkSize, err = parseBytes(s.MinChunkSizeRaw, "64KiB"); err != nil {
		return errors.Annotate(err, "sessions.min_chunk_size")
	}
	if s.MaxChunkSize, err = parseBytes(s.MaxChunkSizeRaw, "64MiB"); err != nil {
		return errors.Annotate(err, "sessions.max_chunk_size")
	}
	if s.MaxFileSize, err = parseBytes(s.MaxFileSizeRaw, "10GiB"); err != nil {
		return errors.Annotate(err, "sessions.max_file_size")
	}

	if c.Storage.StagingDir == "" {
		c.Storage.StagingDir = "data/staging"
	}
	if c.Storage.ArtifactsDir == "" {
		c.Storage.ArtifactsDir = "data/files"
	}

	a := &c.Archive
	if a.MaxBytes, err = parseBytes(a.MaxBytesRaw, "20GiB"); err != nil {
		return errors.Annotate(err, "archive.max_bytes")
	}
	bufSize, err := parseBytes(a.ReadBufferSizeRaw, "256KiB")
	if err != nil {
		return errors.Annotate(err, "archive.read_buffer_size")
	}
	a.ReadBufferSize = int(bufSize)
	if a.Timeout == 0 {
		a.Timeout = 2 * time.Hour
	}
	if a.JobTTL == 0 {
		a.JobTTL = 24 * time.Hour
	}

	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = 5 * time.Minute
	}
	if c.Reaper.BatchSize == 0 {
		c.Reaper.BatchSize = 500
	}

	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}

	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 50
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	return nil
}

func (c Config) Validate() error {
	s := c.Sessions
	switch s.Driver {
	case "badger", "dynamodb":
	default:
		return errors.NotValidf("sessions.driver %q", s.Driver)
	}
	if s.MinChunkSize <= 0 || s.MinChunkSize > s.MaxChunkSize {
		return errors.NotValidf("chunk size bounds [%d, %d]", s.MinChunkSize, s.MaxChunkSize)
	}
	if s.DefaultChunkSize < s.MinChunkSize || s.DefaultChunkSize > s.MaxChunkSize {
		return errors.NotValidf("sessions.default_chunk_size %d", s.DefaultChunkSize)
	}
	if s.LedgerAttempts < 1 {
		return errors.NotValidf("sessions.ledger_attempts %d", s.LedgerAttempts)
	}
	if c.Archive.ReadBufferSize <= 0 {
		return errors.NotValidf("archive.read_buffer_size %d", c.Archive.ReadBufferSize)
	}
	if c.JWT.Secret == "" {
		return errors.NotValidf("empty jwt.secret")
	}
	return nil
}

func parseBytes(raw, def string) (int64, error) {
	if raw == "" {
		raw = def
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
