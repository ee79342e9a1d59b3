// Package config centralizes how FormDrop reads environment variables and
// exposes them as strongly typed Go values.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every variable name, e.g. FORMDROP_ADDRESS.
const EnvPrefix = "formdrop"

// Config represents runtime configuration for the service. Per-form options
// live in the forms file (see package forms); everything here is global.
type Config struct {
	Address   string `envconfig:"ADDRESS" default:":8080"`
	FormsFile string `envconfig:"FORMS_FILE" default:"forms.yaml"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// TrustProxy honours X-Forwarded-For and X-Real-IP. Enable only behind a
	// proxy that overwrites them.
	TrustProxy bool `envconfig:"TRUST_PROXY"`

	DatabaseURL string `envconfig:"DATABASE_URL"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB"`

	S3Endpoint       string `envconfig:"S3_ENDPOINT"`
	S3AccessKey      string `envconfig:"S3_ACCESS_KEY"`
	S3SecretKey      string `envconfig:"S3_SECRET_KEY"`
	S3UseSSL         bool   `envconfig:"S3_USE_SSL"`
	S3Region         string `envconfig:"S3_REGION" default:"us-east-1"`
	AttachmentBucket string `envconfig:"ATTACHMENT_BUCKET" default:"formdrop-attachments"`

	UploadDir      string        `envconfig:"UPLOAD_DIR"`
	AttachmentDir  string        `envconfig:"ATTACHMENT_DIR"`
	MaxFileSize    int64         `envconfig:"MAX_FILE_BYTES"`
	AllowedTypes   []string      `envconfig:"ALLOWED_TYPES"`
	UploadTokenTTL time.Duration `envconfig:"UPLOAD_TOKEN_TTL" default:"24h"`
	SigningSecret  string        `envconfig:"SIGNING_SECRET"`

	CSRFEnabled     bool   `envconfig:"CSRF_ENABLED" default:"true"`
	SessionHashKey  string `envconfig:"SESSION_HASH_KEY"`
	SessionBlockKey string `envconfig:"SESSION_BLOCK_KEY"`
	SessionSecure   bool   `envconfig:"SESSION_SECURE"`

	RecaptchaSiteKey   string        `envconfig:"RECAPTCHA_SITE_KEY"`
	RecaptchaSecretKey string        `envconfig:"RECAPTCHA_SECRET_KEY"`
	RecaptchaEndpoint  string        `envconfig:"RECAPTCHA_ENDPOINT"`
	RecaptchaTimeout   time.Duration `envconfig:"RECAPTCHA_TIMEOUT" default:"5s"`

	SMTPAddr     string        `envconfig:"SMTP_ADDR" default:"localhost:25"`
	SMTPUser     string        `envconfig:"SMTP_USER"`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD"`
	MailFrom     string        `envconfig:"MAIL_FROM" default:"no-reply@localhost"`
	MailTimeout  time.Duration `envconfig:"MAIL_TIMEOUT" default:"15s"`
	TemplatesDir string        `envconfig:"TEMPLATES_DIR"`
	PartialsDir  string        `envconfig:"PARTIALS_DIR"`
	FileBaseURL  string        `envconfig:"FILE_BASE_URL"`

	ProcessingPool int `envconfig:"WORKERS"`
	GDPRDays       int `envconfig:"GDPR_DAYS"`
	// GDPREnabled lets the worker schedule the retention purge. The CLI
	// command runs regardless.
	GDPREnabled   bool          `envconfig:"GDPR_ENABLED"`
	PurgeSchedule string        `envconfig:"PURGE_SCHEDULE" default:"@daily"`
	SweepSchedule string        `envconfig:"SWEEP_SCHEDULE" default:"@hourly"`
	SweepAge      time.Duration `envconfig:"SWEEP_AGE" default:"24h"`
}

const (
	// 10000 KiB mirrors the historical default upload threshold.
	defaultMaxFileSize = 10000 << 10
	defaultWorkerCount = 2
	defaultGDPRDays    = 30
)

// DefaultAllowedTypes is the extension allow-list used when none is configured.
var DefaultAllowedTypes = []string{
	"jpg", "jpeg", "bmp", "png", "webp", "gif", "svg", "ico",
	"odt", "doc", "docx", "ppt", "pptx", "pdf", "txt", "ods", "xls", "xlsx", "csv",
	"mp3", "ogg", "wav", "avi", "mov", "mp4", "mpeg", "webm", "mkv",
	"rar", "xml", "zip",
}

// Load reads configuration from the environment, falling back to defaults.
// A .env file in the working directory is honoured when present.
func Load() (*Config, error) {
	// godotenv never overrides variables that are already set.
	_ = godotenv.Load()
	cfg := &Config{}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if len(c.AllowedTypes) == 0 {
		c.AllowedTypes = append([]string(nil), DefaultAllowedTypes...)
	}
	for i := range c.AllowedTypes {
		c.AllowedTypes[i] = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.AllowedTypes[i]), "."))
	}
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(os.TempDir(), "formdrop", "uploads")
	}
	if c.AttachmentDir == "" {
		c.AttachmentDir = filepath.Join(os.TempDir(), "formdrop", "attachments")
	}
	if c.UploadTokenTTL <= 0 {
		c.UploadTokenTTL = 24 * time.Hour
	}
	if c.SigningSecret == "" {
		// Tokens minted with a random secret do not survive a restart.
		c.SigningSecret = randomSecret()
	}
	if c.SessionHashKey == "" {
		c.SessionHashKey = c.SigningSecret
	}
	if c.ProcessingPool <= 0 {
		c.ProcessingPool = defaultWorkerCount
	}
	if c.GDPRDays <= 0 {
		c.GDPRDays = defaultGDPRDays
	}
	if c.RecaptchaTimeout <= 0 {
		c.RecaptchaTimeout = 5 * time.Second
	}
	if c.MailTimeout <= 0 {
		c.MailTimeout = 15 * time.Second
	}
	if c.SweepAge <= 0 {
		c.SweepAge = c.UploadTokenTTL
	}
}

// UseS3 reports whether attachments are archived in object storage.
func (c *Config) UseS3() bool {
	return c.S3Endpoint != ""
}

// UseQueue reports whether mail is delivered through the asynq worker.
func (c *Config) UseQueue() bool {
	return c.RedisAddr != ""
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbacksecret"))
	}
	return hex.EncodeToString(buf)
}
