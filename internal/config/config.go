package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API     APIConfig     `mapstructure:"api"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Idle    IdleConfig    `mapstructure:"idle"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

// APIConfig holds the consultation backend configuration
type APIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
}

// LLMConfig holds the optional direct-completion backend configuration.
// When enabled, assistant replies come from an OpenAI-compatible endpoint
// instead of the backend's canned question bank.
type LLMConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// IdleConfig holds the satisfaction-survey inactivity settings
type IdleConfig struct {
	SurveyDelay time.Duration `mapstructure:"survey_delay"`
}

// HistoryConfig holds the local transcript mirror settings
type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}

	viper.SetDefault("api.base_url", "http://localhost:8000/api")
	viper.SetDefault("idle.survey_delay", 3*time.Minute)
	viper.SetDefault("history.db_path", filepath.Join(".", "chatspace.db"))
	viper.SetDefault("log.level", "info")

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if config.Idle.SurveyDelay <= 0 {
		config.Idle.SurveyDelay = 3 * time.Minute
	}

	return &config, nil
}
