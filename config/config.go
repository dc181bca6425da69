package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database   DatabaseConfig   `mapstructure:"database"`
	MinIO      MinIOConfig      `mapstructure:"minio"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Upload     UploadConfig     `mapstructure:"upload"`
	Listing    ListingConfig    `mapstructure:"listing"`
	Assignment AssignmentConfig `mapstructure:"assignment"`
	LogLevel   string           `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     string `mapstructure:"port" validate:"required"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname" validate:"required"`
	SSLMode  string `mapstructure:"sslmode"`
	TimeZone string `mapstructure:"timezone"`
}

type MinIOConfig struct {
	Endpoint        string        `mapstructure:"endpoint" validate:"required"`
	AccessKeyID     string        `mapstructure:"access_key"`
	SecretAccessKey string        `mapstructure:"secret_key"`
	UseSSL          bool          `mapstructure:"use_ssl"`
	BucketName      string        `mapstructure:"bucket" validate:"required"`
	UploadURLExpiry time.Duration `mapstructure:"upload_url_expiry" validate:"gt=0"`
}

// Kafka 是必需的: 没有处理任务与结果回写, 上传永远到不了 ready
type KafkaConfig struct {
	Brokers           string `mapstructure:"brokers" validate:"required"`
	ProcessingTopic   string `mapstructure:"processing_topic" validate:"required"`
	NotificationTopic string `mapstructure:"notification_topic" validate:"required"`
	ResultTopic       string `mapstructure:"result_topic" validate:"required"`
	GroupID           string `mapstructure:"group_id" validate:"required"`
}

func (k KafkaConfig) BrokerList() []string {
	return SplitList(k.Brokers)
}

type HTTPConfig struct {
	Port string `mapstructure:"port" validate:"required"`
}

type MetricsConfig struct {
	Port string `mapstructure:"port" validate:"required"`
}

type UploadConfig struct {
	MinTitleLength    int           `mapstructure:"min_title_length" validate:"gte=1"`
	MaxTitleLength    int           `mapstructure:"max_title_length" validate:"gtefield=MinTitleLength"`
	MaxFileSizeBytes  int64         `mapstructure:"max_file_size_bytes" validate:"gt=0"`
	AllowedMIMETypes  []string      `mapstructure:"allowed_mime_types" validate:"min=1,dive,required"`
	PollInterval      time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ProcessingTimeout time.Duration `mapstructure:"processing_timeout" validate:"gtfield=PollInterval"`
	CleanupTimeout    time.Duration `mapstructure:"cleanup_timeout" validate:"gt=0"`
	TempDir           string        `mapstructure:"temp_dir"`
}

type ListingConfig struct {
	TTL          time.Duration `mapstructure:"ttl" validate:"gt=0"`
	MaxEntries   int           `mapstructure:"max_entries" validate:"gte=1"`
	DefaultLimit int           `mapstructure:"default_limit" validate:"gte=1,lte=100"`
}

type AssignmentConfig struct {
	NotificationTimeout time.Duration `mapstructure:"notification_timeout" validate:"gt=0"`
}

var envBindings = map[string]string{
	"log_level":                       "LOG_LEVEL",
	"database.host":                   "DB_HOST",
	"database.port":                   "DB_PORT",
	"database.user":                   "DB_USER",
	"database.password":               "DB_PASSWORD",
	"database.dbname":                 "DB_NAME",
	"database.sslmode":                "DB_SSLMODE",
	"database.timezone":               "DB_TIMEZONE",
	"minio.endpoint":                  "MINIO_ENDPOINT",
	"minio.access_key":                "MINIO_ACCESS_KEY",
	"minio.secret_key":                "MINIO_SECRET_KEY",
	"minio.use_ssl":                   "MINIO_USE_SSL",
	"minio.bucket":                    "MINIO_BUCKET_NAME",
	"minio.upload_url_expiry":         "MINIO_UPLOAD_URL_EXPIRY",
	"kafka.brokers":                   "KAFKA_BROKERS",
	"kafka.processing_topic":          "KAFKA_TOPIC_PROCESSING",
	"kafka.notification_topic":        "KAFKA_TOPIC_NOTIFICATIONS",
	"kafka.result_topic":              "KAFKA_TOPIC_RESULTS",
	"kafka.group_id":                  "KAFKA_GROUP_ID",
	"http.port":                       "HTTP_PORT",
	"metrics.port":                    "METRICS_PORT",
	"upload.min_title_length":         "UPLOAD_MIN_TITLE_LENGTH",
	"upload.max_title_length":         "UPLOAD_MAX_TITLE_LENGTH",
	"upload.max_file_size_bytes":      "UPLOAD_MAX_FILE_SIZE",
	"upload.allowed_mime_types":       "UPLOAD_ALLOWED_MIME_TYPES",
	"upload.poll_interval":            "UPLOAD_POLL_INTERVAL",
	"upload.processing_timeout":       "UPLOAD_PROCESSING_TIMEOUT",
	"upload.cleanup_timeout":          "UPLOAD_CLEANUP_TIMEOUT",
	"upload.temp_dir":                 "UPLOAD_TEMP_DIR",
	"listing.ttl":                     "LISTING_CACHE_TTL",
	"listing.max_entries":             "LISTING_CACHE_MAX_ENTRIES",
	"listing.default_limit":           "LISTING_DEFAULT_LIMIT",
	"assignment.notification_timeout": "ASSIGNMENT_NOTIFICATION_TIMEOUT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.dbname", "arkdb")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "Asia/Shanghai")

	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.bucket", "materials")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.upload_url_expiry", 15*time.Minute)

	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.processing_topic", "material.uploaded")
	v.SetDefault("kafka.notification_topic", "student.notifications")
	v.SetDefault("kafka.result_topic", "material.processed")
	v.SetDefault("kafka.group_id", "material-core")

	v.SetDefault("http.port", "8083")
	v.SetDefault("metrics.port", "2112")

	v.SetDefault("upload.min_title_length", 3)
	v.SetDefault("upload.max_title_length", 200)
	v.SetDefault("upload.max_file_size_bytes", 50<<20) // 50MB
	v.SetDefault("upload.allowed_mime_types", []string{"application/pdf"})
	v.SetDefault("upload.poll_interval", time.Second)
	v.SetDefault("upload.processing_timeout", 30*time.Second)
	v.SetDefault("upload.cleanup_timeout", 10*time.Second)
	v.SetDefault("upload.temp_dir", "")

	v.SetDefault("listing.ttl", 300*time.Second)
	v.SetDefault("listing.max_entries", 20)
	v.SetDefault("listing.default_limit", 20)

	v.SetDefault("assignment.notification_timeout", 2*time.Second)
}

// LoadConfig 读取 .env（可选）与环境变量，填充默认值后校验
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if len(c.Kafka.BrokerList()) == 0 {
		return fmt.Errorf("invalid config: kafka brokers %q lists no broker", c.Kafka.Brokers)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode, c.TimeZone)
}

// SplitList splits a comma separated value, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
