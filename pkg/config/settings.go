package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings holds the resolved runtime configuration. Values come from the
// config file, JIMINY_* environment variables, and defaults, in that order
// of precedence.
type Settings struct {
	Addr               string
	LogLevel           string
	LogCaller          bool
	DBPath             string
	DefaultProvider    string
	DefaultModel       string
	OllamaBaseURL      string
	OpenAIBaseURL      string
	OpenAIAPIKey       string
	PersonasFile       string
	IdleTimeoutSeconds int
}

// Load reads configuration. An explicit configFile must exist; otherwise the
// loader searches ./jiminy.yaml and ~/.jiminy/jiminy.yaml and tolerates their
// absence.
func Load(configFile string) (*Settings, error) {
	viper.SetConfigType("yaml")
	if strings.TrimSpace(configFile) != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("jiminy")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.jiminy")
	}
	viper.SetEnvPrefix("JIMINY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("addr", ":8080")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("db", "jiminy.db")
	viper.SetDefault("default-provider", "ollama")
	viper.SetDefault("default-model", "llama3.2")
	viper.SetDefault("ollama-base-url", "http://localhost:11434")
	viper.SetDefault("idle-timeout-seconds", 30)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if strings.TrimSpace(configFile) != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	return &Settings{
		Addr:               viper.GetString("addr"),
		LogLevel:           viper.GetString("log-level"),
		LogCaller:          viper.GetBool("log-caller"),
		DBPath:             viper.GetString("db"),
		DefaultProvider:    viper.GetString("default-provider"),
		DefaultModel:       viper.GetString("default-model"),
		OllamaBaseURL:      viper.GetString("ollama-base-url"),
		OpenAIBaseURL:      viper.GetString("openai-base-url"),
		OpenAIAPIKey:       viper.GetString("openai-api-key"),
		PersonasFile:       viper.GetString("personas-file"),
		IdleTimeoutSeconds: viper.GetInt("idle-timeout-seconds"),
	}, nil
}
