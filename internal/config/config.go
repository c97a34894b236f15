package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL          string
	VotingMachine   string
	Token           string
	Account         string
	PrivateKey      string
	PollInterval    time.Duration
	ReadConcurrency int
	MaxRetries      int
	RetryBackoff    time.Duration
	Out             string
	PGDSN           string
	LogLevel        string

	// Command arguments.
	Proposals  []string
	Spender    string
	Amount     string
	Reputation string
	Vote       uint64
	In         string
	FromBlock  uint64
	ToBlock    uint64
	BatchSize  uint64
	Checkpoint string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GOVSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("poll-interval", 3*time.Second)
	v.SetDefault("read-concurrency", 8)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("out", "./data/journal.jsonl")
	v.SetDefault("log-level", "info")
	v.SetDefault("batch-size", 2000)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		VotingMachine:   v.GetString("voting-machine"),
		Token:           v.GetString("token"),
		Account:         v.GetString("account"),
		PrivateKey:      v.GetString("private-key"),
		PollInterval:    v.GetDuration("poll-interval"),
		ReadConcurrency: v.GetInt("read-concurrency"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		Out:             v.GetString("out"),
		PGDSN:           v.GetString("pg-dsn"),
		LogLevel:        v.GetString("log-level"),
		Proposals:       getStringSlice(v, "proposal"),
		Spender:         v.GetString("spender"),
		Amount:          v.GetString("amount"),
		Reputation:      v.GetString("reputation"),
		Vote:            v.GetUint64("vote"),
		In:              v.GetString("in"),
		FromBlock:       v.GetUint64("from"),
		ToBlock:         v.GetUint64("to"),
		BatchSize:       v.GetUint64("batch-size"),
		Checkpoint:      v.GetString("checkpoint"),
	}

	if cfg.ReadConcurrency <= 0 {
		return Config{}, fmt.Errorf("read-concurrency must be positive")
	}
	if cfg.BatchSize == 0 {
		return Config{}, fmt.Errorf("batch-size must be positive")
	}
	if cfg.ToBlock != 0 && cfg.ToBlock < cfg.FromBlock {
		return Config{}, fmt.Errorf("to block must be >= from block")
	}
	if cfg.MaxRetries < 0 {
		return Config{}, fmt.Errorf("max-retries must not be negative")
	}

	return cfg, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
