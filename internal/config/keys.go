package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// envKeys are checked in order before the config file.
var envKeys = []string{"ANTHROPIC_API_KEY", "STEWARD_ANTHROPIC_API_KEY"}

// GetAPIKey returns the Anthropic API key from the environment or the
// config file.
func GetAPIKey(cfg *Config) (string, error) {
	key, _ := lookupAPIKey(cfg)
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// RequiresAPIKey reports whether the configured transport needs a direct
// API key. Bedrock authenticates through the AWS credential chain.
func RequiresAPIKey(cfg *Config) bool {
	return cfg == nil || !cfg.Anthropic.Bedrock
}

// ValidateAPIKey performs basic validation on an API key.
// It checks format but does not verify the key with Anthropic's API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKeySource returns where the credentials come from.
func GetAPIKeySource(cfg *Config) KeySource {
	if !RequiresAPIKey(cfg) {
		return KeySourceBedrock
	}
	_, source := lookupAPIKey(cfg)
	return source
}

func lookupAPIKey(cfg *Config) (string, KeySource) {
	for _, name := range envKeys {
		if key := os.Getenv(name); key != "" {
			return key, KeySourceEnv
		}
	}
	if cfg != nil && cfg.Anthropic.APIKey != "" {
		// Unresolved ${VAR} references count as unset.
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig
		}
	}
	return "", KeySourceNone
}
