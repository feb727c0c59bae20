// Package config loads gateway configuration from the environment using
// viper, the way the teacher's internal/config did for its YAML file —
// here AutomaticEnv does the work since every setting in this system is
// environment-driven (see spec.md §6).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine selects which Detector Registry scorer the pipeline uses.
type Engine string

const (
	EngineZScore          Engine = "zscore"
	EngineMedianDeviation Engine = "median-deviation"
	EngineExternal        Engine = "external"
)

// Config is the fully-resolved process configuration.
type Config struct {
	DataPort int
	UIPort   int

	Engine              Engine
	WindowSize          int
	ThresholdPercentile float64
	ZScoreThreshold     float64
	AllowAutoDevice     bool

	MQTTEnable     bool
	MQTTBrokerURL  string
	MQTTBatchSize  int
	MQTTFlushEvery time.Duration

	ExternalMLEnable  bool
	ExternalMLURL     string
	ExternalMLTimeout time.Duration

	IngestAPIKey string

	DBPath string

	IdleWorkerTimeout time.Duration
	ShutdownGrace     time.Duration
}

// Load reads configuration from the environment, applying the defaults
// from spec.md §6 for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	engine := Engine(strings.ToLower(v.GetString("ANOMALY_ENGINE")))

	windowSize := v.GetInt("ANOMALY_WINDOW_SIZE")
	if !v.IsSet("ANOMALY_WINDOW_SIZE") {
		if engine == EngineZScore {
			windowSize = 200
		} else {
			windowSize = 512
		}
	}

	cfg := &Config{
		DataPort: v.GetInt("DATA_PORT"),
		UIPort:   v.GetInt("UI_PORT"),

		Engine:              engine,
		WindowSize:          windowSize,
		ThresholdPercentile: v.GetFloat64("ANOMALY_THRESHOLD_PERCENTILE"),
		ZScoreThreshold:     v.GetFloat64("ZSCORE_THRESHOLD"),
		AllowAutoDevice:     v.GetBool("ALLOW_AUTO_DEVICE"),

		MQTTEnable:     v.GetBool("MQTT_ENABLE"),
		MQTTBrokerURL:  v.GetString("MQTT_BROKER_URL"),
		MQTTBatchSize:  v.GetInt("MQTT_BATCH_SIZE"),
		MQTTFlushEvery: 500 * time.Millisecond,

		ExternalMLEnable:  v.GetBool("EXTERNAL_ML_ENABLE"),
		ExternalMLURL:     v.GetString("EXTERNAL_ML_URL"),
		ExternalMLTimeout: time.Duration(v.GetInt("EXTERNAL_ML_TIMEOUT_MS")) * time.Millisecond,

		IngestAPIKey: v.GetString("INGEST_API_KEY"),

		DBPath: v.GetString("GATEWAY_DB_PATH"),

		IdleWorkerTimeout: 5 * time.Minute,
		ShutdownGrace:     10 * time.Second,
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("DATA_PORT", 8080)
	v.SetDefault("UI_PORT", 8081)
	v.SetDefault("ANOMALY_ENGINE", string(EngineMedianDeviation))
	v.SetDefault("ANOMALY_THRESHOLD_PERCENTILE", 95.0)
	v.SetDefault("ZSCORE_THRESHOLD", 3.0)
	v.SetDefault("ALLOW_AUTO_DEVICE", true)
	v.SetDefault("MQTT_ENABLE", false)
	v.SetDefault("MQTT_BATCH_SIZE", 64)
	v.SetDefault("EXTERNAL_ML_ENABLE", false)
	v.SetDefault("EXTERNAL_ML_TIMEOUT_MS", 5000)
	v.SetDefault("GATEWAY_DB_PATH", "gateway.db")
}
