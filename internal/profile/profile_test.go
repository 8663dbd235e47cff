package profile

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnvVars(t *testing.T) {
	t.Helper()
	keys := []string{
		"DIALOGWORKER_TELEGRAM_BOT_TOKEN",
		"DIALOGWORKER_WEBHOOK_SECRET",
		"DIALOGWORKER_LLM_PROVIDER",
		"DIALOGWORKER_LLM_API_KEY",
		"DIALOGWORKER_LLM_BASE_URLS",
		"DIALOGWORKER_LLM_MODEL",
		"DIALOGWORKER_LLM_MAX_TOKENS",
		"DIALOGWORKER_LLM_TEMPERATURE",
		"DIALOGWORKER_QUEUE_MAX_CONCURRENCY",
		"DIALOGWORKER_QUEUE_MAX_SIZE",
		"DIALOGWORKER_QUEUE_REQUEST_TIMEOUT",
		"DIALOGWORKER_QUEUE_RETRY_MAX",
		"DIALOGWORKER_QUEUE_FAILOVER_AFTER",
		"DIALOGWORKER_DB_DRIVER",
		"DIALOGWORKER_DSN",
		"DIALOGWORKER_DATA_DIR",
		"DIALOGWORKER_RATE_LIMIT_PER_DAY",
		"DIALOGWORKER_RATE_LIMIT_LOCAL_RPS",
		"DIALOGWORKER_RATE_LIMIT_LOCAL_BURST",
		"DIALOGWORKER_ADMIN_USER_IDS",
		"DIALOGWORKER_ADMIN_TOKENS",
		"DIALOGWORKER_MODE",
		"DIALOGWORKER_ADDR",
		"DIALOGWORKER_PORT",
	}
	for _, k := range keys {
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
	})
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnvVars(t)

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "zai", p.LLMProvider)
	assert.Equal(t, "glm-4.7", p.LLMModel)
	assert.Equal(t, []string{"https://open.bigmodel.cn/api/paas/v4"}, p.LLMBaseURLs)
	assert.Equal(t, 1024, p.LLMMaxTokens)
	assert.Equal(t, 8, p.QueueMaxConcurrency)
	assert.Equal(t, "sqlite", p.Driver)
	assert.Equal(t, 50, p.RateLimitPerDay)
	assert.Equal(t, "demo", p.Mode)
	assert.False(t, p.IsAIEnabled())
}

func TestFromEnv_UnknownProviderFallsBackToZAI(t *testing.T) {
	clearEnvVars(t)
	os.Setenv("DIALOGWORKER_LLM_PROVIDER", "not-a-real-provider")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "zai", p.LLMProvider)
}

func TestFromEnv_ExplicitBaseURLsOverrideProviderDefault(t *testing.T) {
	clearEnvVars(t)
	os.Setenv("DIALOGWORKER_LLM_PROVIDER", "deepseek")
	os.Setenv("DIALOGWORKER_LLM_BASE_URLS", "https://a.example.com, https://b.example.com")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, p.LLMBaseURLs)
	assert.Equal(t, "deepseek-chat", p.LLMModel)
}

func TestFromEnv_AdminListsSplitOnComma(t *testing.T) {
	clearEnvVars(t)
	os.Setenv("DIALOGWORKER_ADMIN_USER_IDS", "111, 222 ,333")
	os.Setenv("DIALOGWORKER_ADMIN_TOKENS", "tok-a,tok-b")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, []string{"111", "222", "333"}, p.AdminUserIDs)
	assert.Equal(t, []string{"tok-a", "tok-b"}, p.AdminTokens)
}

func TestValidate_RequiresTelegramToken(t *testing.T) {
	clearEnvVars(t)
	p := &Profile{}
	p.FromEnv()
	p.Data = t.TempDir()
	p.WebhookSecretToken = "secret"

	err := p.Validate()
	require.Error(t, err)
}

func TestValidate_RequiresWebhookSecret(t *testing.T) {
	clearEnvVars(t)
	p := &Profile{}
	p.FromEnv()
	p.Data = t.TempDir()
	p.TelegramBotToken = "123:abc"

	err := p.Validate()
	require.Error(t, err)
}

func TestValidate_DerivesSqliteDSN(t *testing.T) {
	clearEnvVars(t)
	p := &Profile{}
	p.FromEnv()
	p.Data = t.TempDir()
	p.TelegramBotToken = "123:abc"
	p.WebhookSecretToken = "secret"
	p.Mode = "prod"

	require.NoError(t, p.Validate())
	assert.Contains(t, p.DSN, "dialogworker_prod.db")
}

func TestValidate_NormalizesUnknownMode(t *testing.T) {
	clearEnvVars(t)
	p := &Profile{}
	p.FromEnv()
	p.Data = t.TempDir()
	p.TelegramBotToken = "123:abc"
	p.WebhookSecretToken = "secret"
	p.Mode = "not-a-mode"

	require.NoError(t, p.Validate())
	assert.Equal(t, "demo", p.Mode)
}

func TestIsDev(t *testing.T) {
	assert.True(t, (&Profile{Mode: "dev"}).IsDev())
	assert.True(t, (&Profile{Mode: "demo"}).IsDev())
	assert.False(t, (&Profile{Mode: "prod"}).IsDev())
}

func TestIsAIEnabled(t *testing.T) {
	assert.False(t, (&Profile{}).IsAIEnabled())
	assert.True(t, (&Profile{LLMAPIKey: "key"}).IsAIEnabled())
}
