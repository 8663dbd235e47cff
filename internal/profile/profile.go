// Package profile is the startup configuration surface: environment-derived
// settings for the webhook server, the AI queue, storage, and the admin
// surface, validated once at boot.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the dialog worker.
type Profile struct {
	// Chat platform
	TelegramBotToken   string
	WebhookSecretToken string

	// LLM (OpenAI-compatible protocol)
	LLMProvider    string
	LLMAPIKey      string
	LLMBaseURLs    []string // failover list, tried in order
	LLMModel       string
	LLMMaxTokens   int
	LLMTemperature float64

	// AI queue tuning
	QueueMaxConcurrency int
	QueueMaxSize        int
	QueueRequestTimeout time.Duration
	QueueRetryMax       int
	QueueFailoverAfter  int

	// Storage
	Driver string
	DSN    string
	Data   string

	// Rate limiting
	RateLimitPerDay int
	RateLimitRPS    float64
	RateLimitBurst  int

	// Admin surface
	AdminUserIDs []string // seed whitelist, comma-separated user ids
	AdminTokens  []string // bearer/query tokens accepted by admin HTTP routes

	// Server
	Mode    string
	Addr    string
	Port    int
	Version string
}

// llmProviderDefaults mirrors the default base URL per well-known
// OpenAI-compatible provider, applied when DIALOGWORKER_LLM_BASE_URLS is
// unset (and the default model when DIALOGWORKER_LLM_MODEL is unset).
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-5.2",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-72B-Instruct",
	},
	"openrouter": {
		BaseURL: "https://openrouter.ai/api/v1",
		Model:   "deepseek/deepseek-chat",
	},
	"ollama": {
		BaseURL: "http://localhost:11434",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled reports whether an LLM API key has been configured.
func (p *Profile) IsAIEnabled() bool {
	return p.LLMAPIKey != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitEnvList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.TelegramBotToken = getEnvOrDefault("DIALOGWORKER_TELEGRAM_BOT_TOKEN", "")
	p.WebhookSecretToken = getEnvOrDefault("DIALOGWORKER_WEBHOOK_SECRET", "")

	p.LLMProvider = getEnvOrDefault("DIALOGWORKER_LLM_PROVIDER", "zai")
	p.LLMAPIKey = getEnvOrDefault("DIALOGWORKER_LLM_API_KEY", "")
	p.LLMBaseURLs = splitEnvList(getEnvOrDefault("DIALOGWORKER_LLM_BASE_URLS", ""))
	p.LLMModel = getEnvOrDefault("DIALOGWORKER_LLM_MODEL", "")
	p.LLMMaxTokens = getEnvOrDefaultInt("DIALOGWORKER_LLM_MAX_TOKENS", 1024)
	p.LLMTemperature = getEnvOrDefaultFloat("DIALOGWORKER_LLM_TEMPERATURE", 0.7)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		slog.Warn("unknown LLM provider, using default: zai", "provider", p.LLMProvider)
		p.LLMProvider = "zai"
	}
	if defaults, ok := llmProviderDefaults[p.LLMProvider]; ok {
		if len(p.LLMBaseURLs) == 0 {
			p.LLMBaseURLs = []string{defaults.BaseURL}
		}
		if p.LLMModel == "" {
			p.LLMModel = defaults.Model
		}
	}

	p.QueueMaxConcurrency = getEnvOrDefaultInt("DIALOGWORKER_QUEUE_MAX_CONCURRENCY", 8)
	p.QueueMaxSize = getEnvOrDefaultInt("DIALOGWORKER_QUEUE_MAX_SIZE", 200)
	p.QueueRequestTimeout = getEnvOrDefaultDuration("DIALOGWORKER_QUEUE_REQUEST_TIMEOUT", 20*time.Second)
	p.QueueRetryMax = getEnvOrDefaultInt("DIALOGWORKER_QUEUE_RETRY_MAX", 2)
	p.QueueFailoverAfter = getEnvOrDefaultInt("DIALOGWORKER_QUEUE_FAILOVER_AFTER", 3)

	p.Driver = getEnvOrDefault("DIALOGWORKER_DB_DRIVER", "sqlite")
	p.DSN = getEnvOrDefault("DIALOGWORKER_DSN", "")
	p.Data = getEnvOrDefault("DIALOGWORKER_DATA_DIR", "")

	p.RateLimitPerDay = getEnvOrDefaultInt("DIALOGWORKER_RATE_LIMIT_PER_DAY", 50)
	p.RateLimitRPS = getEnvOrDefaultFloat("DIALOGWORKER_RATE_LIMIT_LOCAL_RPS", 1)
	p.RateLimitBurst = getEnvOrDefaultInt("DIALOGWORKER_RATE_LIMIT_LOCAL_BURST", 3)

	p.AdminUserIDs = splitEnvList(getEnvOrDefault("DIALOGWORKER_ADMIN_USER_IDS", ""))
	p.AdminTokens = splitEnvList(getEnvOrDefault("DIALOGWORKER_ADMIN_TOKENS", ""))

	p.Mode = getEnvOrDefault("DIALOGWORKER_MODE", "demo")
	p.Addr = getEnvOrDefault("DIALOGWORKER_ADDR", "")
	p.Port = getEnvOrDefaultInt("DIALOGWORKER_PORT", 8080)
}

func checkDataDir(dataDir string) (string, error) {
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if err := os.MkdirAll(dataDir, 0o770); err != nil {
		return "", errors.Wrapf(err, "unable to create data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes Mode, ensures the data directory exists, derives a
// default DSN for the sqlite driver, and checks that the chat platform and
// LLM credentials required to serve traffic are present.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "dialogworker")
		} else {
			p.Data = "/var/opt/dialogworker"
		}
		if p.Mode != "prod" {
			p.Data = filepath.Join(".", "data")
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to prepare data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, fmt.Sprintf("dialogworker_%s.db", p.Mode))
	}

	if p.TelegramBotToken == "" {
		return errors.New("DIALOGWORKER_TELEGRAM_BOT_TOKEN is required")
	}
	if p.WebhookSecretToken == "" {
		return errors.New("DIALOGWORKER_WEBHOOK_SECRET is required")
	}
	if !p.IsAIEnabled() {
		slog.Warn("no LLM API key configured, AI replies will fail until DIALOGWORKER_LLM_API_KEY is set")
	}

	return nil
}
