package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrUnknownProvider is returned for an llm.provider outside ark|azure|ollama.
var ErrUnknownProvider = errors.New("unknown llm provider")

// Config holds the application configuration
type Config struct {
	Telegram   TelegramConfig    `mapstructure:"telegram"`
	LLM        LLMConfig         `mapstructure:"llm"`
	History    HistoryConfig     `mapstructure:"history"`
	Embedding  EmbeddingConfig   `mapstructure:"embedding"`
	Retrieval  RetrievalConfig   `mapstructure:"retrieval"`
	Reply      ReplyConfig       `mapstructure:"reply"`
	Redis      RedisConfig       `mapstructure:"redis"`
	Server     ServerConfig      `mapstructure:"server"`
	MCPServers []MCPServerConfig `mapstructure:"mcp_servers"`
	Log        LogConfig         `mapstructure:"log"`
}

// TelegramConfig holds the Telegram Bot API configuration
type TelegramConfig struct {
	BotToken              string `mapstructure:"bot_token"`
	BotUsername           string `mapstructure:"bot_username"`
	APIBase               string `mapstructure:"api_base"`
	PollTimeoutSeconds    int    `mapstructure:"poll_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// Provider selects the chat-completion backend.
type Provider string

const (
	ProviderArk    Provider = "ark"
	ProviderAzure  Provider = "azure"
	ProviderOllama Provider = "ollama"
)

// ParseProvider normalizes a provider name. Empty input yields "".
func ParseProvider(s string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "ark":
		return ProviderArk, nil
	case "azure", "azure_openai", "azure-openai", "azureopenai":
		return ProviderAzure, nil
	case "ollama":
		return ProviderOllama, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider              Provider     `mapstructure:"provider"`
	RequestTimeoutSeconds float64      `mapstructure:"request_timeout_seconds"`
	Ark                   ArkConfig    `mapstructure:"ark"`
	Azure                 AzureConfig  `mapstructure:"azure"`
	Ollama                OllamaConfig `mapstructure:"ollama"`
}

type ArkConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

type AzureConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	APIKey     string `mapstructure:"api_key"`
	APIVersion string `mapstructure:"api_version"`
	Deployment string `mapstructure:"deployment"`
}

type OllamaConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// HistoryConfig holds the message store configuration
type HistoryConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	Retention int    `mapstructure:"retention"`
}

// EmbeddingConfig holds the embedding provider configuration
type EmbeddingConfig struct {
	Backend string `mapstructure:"backend"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	HashDim int    `mapstructure:"hash_dim"`
}

// RetrievalConfig holds the context assembler configuration
type RetrievalConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	RecentN              int  `mapstructure:"recent_n"`
	TopK                 int  `mapstructure:"top_k"`
	MaxChars             int  `mapstructure:"max_chars"`
	SearchTimeoutSeconds int  `mapstructure:"search_timeout_seconds"`
}

// ReplyConfig holds the group reply behaviour
type ReplyConfig struct {
	Chance       int    `mapstructure:"chance"`
	BotAuthor    string `mapstructure:"bot_author"`
	InfoPath     string `mapstructure:"info_path"`
	SystemPrompt string `mapstructure:"system_prompt"`
	MaxTurns     int    `mapstructure:"max_turns"`
	Apology      string `mapstructure:"apology"`
}

// RedisConfig holds the optional embedding cache configuration
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// ServerConfig holds the debug API configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
}

type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// MCPServerConfig describes one MCP tool server offered to the reply agent.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"telegram.api_base":                "https://api.telegram.org",
	"telegram.poll_timeout_seconds":    30,
	"telegram.request_timeout_seconds": 40,

	"llm.request_timeout_seconds": 60.0,
	"llm.ark.endpoint":            "https://ark.cn-beijing.volces.com/api/v3",
	"llm.azure.api_version":       "2024-04-01-preview",
	"llm.ollama.model":            "gpt-oss:20b",

	"history.driver":    "sqlite",
	"history.path":      "message_history.db",
	"history.retention": 80,

	"embedding.backend":  "model",
	"embedding.model":    "nomic-embed-text",
	"embedding.base_url": "http://localhost:11434/v1",
	"embedding.hash_dim": 512,

	"retrieval.enabled":                true,
	"retrieval.recent_n":               20,
	"retrieval.top_k":                  6,
	"retrieval.max_chars":              800,
	"retrieval.search_timeout_seconds": 10,

	"reply.chance":     5,
	"reply.bot_author": "mioo_bot",
	"reply.info_path":  "info.txt",
	"reply.max_turns":  5,
	"reply.apology":    "Sorry, something went wrong on my side, nya~",

	"redis.ttl_seconds": 7 * 24 * 3600,

	"server.host": "127.0.0.1",
	"server.port": "8080",

	"log.level":  "info",
	"log.format": "json",
}

// envNames maps config keys to environment variables; the first one set wins.
var envNames = map[string][]string{
	"telegram.bot_token":                {"TELEGRAM_BOT_KEY", "TELEGRAM_BOT_TOKEN"},
	"telegram.bot_username":             {"TELEGRAM_BOT_USERNAME"},
	"llm.provider":                      {"LLM_PROVIDER", "AI_PROVIDER"},
	"llm.request_timeout_seconds":       {"LLM_REQUEST_TIMEOUT"},
	"llm.ark.endpoint":                  {"ARK_API_ENDPOINT"},
	"llm.ark.api_key":                   {"ARK_API_KEY"},
	"llm.ark.model":                     {"ARK_MODEL"},
	"llm.azure.endpoint":                {"AZURE_OPENAI_ENDPOINT"},
	"llm.azure.api_key":                 {"AZURE_OPENAI_API_KEY"},
	"llm.azure.api_version":             {"AZURE_OPENAI_API_VERSION"},
	"llm.azure.deployment":              {"AZURE_OPENAI_DEPLOYMENT", "AZURE_OPENAI_DEPLOYMENT_NAME"},
	"llm.ollama.endpoint":               {"OLLAMA_ENDPOINT"},
	"llm.ollama.model":                  {"OLLAMA_MODEL"},
	"history.driver":                    {"HISTORY_DB_DRIVER"},
	"history.path":                      {"HISTORY_DB_PATH"},
	"history.retention":                 {"MESSAGE_RETENTION"},
	"embedding.backend":                 {"EMBED_BACKEND"},
	"embedding.model":                   {"EMBED_MODEL"},
	"embedding.base_url":                {"EMBED_BASE_URL"},
	"embedding.api_key":                 {"EMBED_API_KEY"},
	"embedding.hash_dim":                {"EMBED_HASH_DIM"},
	"retrieval.enabled":                 {"RAG_ENABLED"},
	"retrieval.recent_n":                {"RAG_RECENT_N"},
	"retrieval.top_k":                   {"RAG_TOP_K"},
	"retrieval.max_chars":               {"RAG_MAX_CHARS"},
	"retrieval.search_timeout_seconds":  {"RAG_SEARCH_TIMEOUT"},
	"reply.chance":                      {"REPLY_CHANCE"},
	"reply.info_path":                   {"REPLY_INFO_PATH"},
	"redis.addr":                        {"REDIS_ADDR"},
	"redis.password":                    {"REDIS_PASSWORD"},
	"server.enabled":                    {"DEBUG_API_ENABLED"},
	"server.port":                       {"DEBUG_API_PORT"},
	"log.level":                         {"LOG_LEVEL"},
	"log.format":                        {"LOG_FORMAT"},
}

// flagNames maps config keys to command line flags bound by Load.
var flagNames = map[string]string{
	"log.level":      "log-level",
	"log.format":     "log-format",
	"history.path":   "db",
	"server.enabled": "debug-api",
}

// Load reads configuration from defaults, an optional YAML file, the
// environment and, when given, command line flags (in increasing priority).
// An explicit path (or CONFIG_PATH) must exist; the implicit ./config.yaml
// may be absent.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	for k, names := range envNames {
		if err := v.BindEnv(append([]string{k}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}
	if flags != nil {
		for k, name := range flagNames {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(k, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	provider, err := ParseProvider(string(cfg.LLM.Provider))
	if err != nil {
		return nil, err
	}
	if provider == "" {
		provider = inferProvider(cfg.LLM)
	}
	cfg.LLM.Provider = provider

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// inferProvider picks a provider from whichever credentials are present.
func inferProvider(c LLMConfig) Provider {
	switch {
	case c.Ollama.Endpoint != "":
		return ProviderOllama
	case c.Ark.APIKey != "":
		return ProviderArk
	case c.Azure.APIKey != "" && c.Azure.Endpoint != "":
		return ProviderAzure
	default:
		return ProviderArk
	}
}

// Validate checks the numeric limits the stores and embedders rely on.
func (c *Config) Validate() error {
	if _, err := ParseProvider(string(c.LLM.Provider)); err != nil {
		return err
	}
	if c.History.Retention <= 0 {
		return fmt.Errorf("history.retention must be positive, got %d", c.History.Retention)
	}
	if c.Embedding.HashDim <= 0 {
		return fmt.Errorf("embedding.hash_dim must be positive, got %d", c.Embedding.HashDim)
	}
	if c.Retrieval.RecentN < 0 || c.Retrieval.TopK < 0 {
		return fmt.Errorf("retrieval.recent_n and retrieval.top_k must not be negative")
	}
	if c.Telegram.PollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.poll_timeout_seconds must not be negative, got %d", c.Telegram.PollTimeoutSeconds)
	}
	if c.Telegram.RequestTimeoutSeconds <= c.Telegram.PollTimeoutSeconds {
		return fmt.Errorf("telegram.request_timeout_seconds (%d) must exceed telegram.poll_timeout_seconds (%d)",
			c.Telegram.RequestTimeoutSeconds, c.Telegram.PollTimeoutSeconds)
	}
	if c.Reply.Chance < 1 {
		return fmt.Errorf("reply.chance must be at least 1, got %d", c.Reply.Chance)
	}
	return nil
}
