// Package config loads the service configuration from environment
// variables, with an optional .env file for local development.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/opsline/anomalyd/internal/rules"
)

// Config holds all application configuration.
type Config struct {
	APIHost  string `env:"API_HOST" envDefault:"0.0.0.0"`
	APIPort  int    `env:"API_PORT" envDefault:"8000"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ModelPath          string  `env:"MODEL_PATH" envDefault:"models/isolation_forest_model.pkl"`
	ModelContamination float64 `env:"MODEL_CONTAMINATION" envDefault:"0.05"`
	AnomalyThreshold   float64 `env:"ANOMALY_THRESHOLD" envDefault:"0.75"`
	MinTrainSamples    int     `env:"MIN_TRAIN_SAMPLES" envDefault:"50"`

	MaxRecentAnomalies int    `env:"MAX_RECENT_ANOMALIES" envDefault:"500"`
	MaxFeedbackEntries int    `env:"MAX_FEEDBACK_ENTRIES" envDefault:"10000"`
	FeedbackPath       string `env:"FEEDBACK_PATH" envDefault:"feedback/labeled_data.db"`

	AlertConditions   string `env:"ALERT_CONDITIONS"`
	ComplexAlertRules string `env:"COMPLEX_ALERT_RULES"`
	RulesFile         string `env:"RULES_FILE"`

	SlackWebhookURL     string  `env:"SLACK_WEBHOOK_URL"`
	PagerDutyRoutingKey string  `env:"PAGERDUTY_ROUTING_KEY"`
	GenericWebhookURL   string  `env:"GENERIC_WEBHOOK_URL"`
	AlertQueueSize      int     `env:"ALERT_QUEUE_SIZE" envDefault:"256"`
	AlertRateLimit      float64 `env:"ALERT_RATE_LIMIT" envDefault:"5"`

	TracingEnabled     bool    `env:"TRACING_ENABLED" envDefault:"false"`
	TracingEndpoint    string  `env:"TRACING_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	TracingSampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"1.0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Attempt to load .env file for local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.ModelContamination <= 0 || cfg.ModelContamination >= 0.5 {
		return nil, fmt.Errorf("MODEL_CONTAMINATION must be in (0, 0.5), got %v", cfg.ModelContamination)
	}
	if cfg.MaxRecentAnomalies < 1 {
		return nil, fmt.Errorf("MAX_RECENT_ANOMALIES must be >= 1, got %d", cfg.MaxRecentAnomalies)
	}
	return cfg, nil
}

// Addr is the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

// Rules assembles the live rule set: built-in defaults, overlaid with the
// ALERT_CONDITIONS / COMPLEX_ALERT_RULES JSON, overlaid with the RULES_FILE
// contents when one is configured.
func (c *Config) Rules() (*rules.Set, error) {
	cond := rules.DefaultConditions()
	alerts := rules.DefaultAlertRules()

	if c.AlertConditions != "" {
		user, err := rules.ParseConditionsJSON([]byte(c.AlertConditions))
		if err != nil {
			return nil, fmt.Errorf("ALERT_CONDITIONS: %w", err)
		}
		cond = rules.MergeConditions(cond, user)
	}
	if c.ComplexAlertRules != "" {
		user, err := rules.ParseAlertRulesJSON([]byte(c.ComplexAlertRules))
		if err != nil {
			return nil, fmt.Errorf("COMPLEX_ALERT_RULES: %w", err)
		}
		alerts = rules.MergeAlertRules(alerts, user)
	}
	set := rules.NewSet(cond, alerts)

	if c.RulesFile != "" {
		fileCond, fileAlerts, err := rules.LoadFile(c.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("RULES_FILE: %w", err)
		}
		set.Replace(fileCond, fileAlerts)
	}
	return set, nil
}
