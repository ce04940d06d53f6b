// Package config provides configuration management for the audial agent.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the local API port,
// session database location, provider endpoints, and the analysis backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the local status API will listen.
	Port int `yaml:"port"`

	// SessionDB is the path of the bbolt database holding the persisted session.
	SessionDB string `yaml:"session-db"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile routes log output to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// Spotify holds the OAuth2 settings for the music provider.
	Spotify Spotify `yaml:"spotify"`

	// AWS holds the Cognito identity broker settings.
	AWS AWS `yaml:"aws"`

	// API holds the application backend endpoints.
	API API `yaml:"api"`
}

// Spotify holds the OAuth2 and Web API settings for the music provider.
type Spotify struct {
	// ClientID is the public OAuth2 client identifier.
	ClientID string `yaml:"client-id"`

	// Scopes is the space-separated scope string requested at authorization.
	Scopes string `yaml:"scopes"`

	// AuthURL is the provider's authorization endpoint.
	AuthURL string `yaml:"auth-url"`

	// TokenURL is the provider's token endpoint.
	TokenURL string `yaml:"token-url"`

	// APIBaseURL is the base URL of the provider's Web API.
	APIBaseURL string `yaml:"api-base-url"`

	// CallbackPort is the loopback port the agent listens on for the
	// authorization redirect.
	CallbackPort int `yaml:"callback-port"`
}

// AWS holds the settings for the Cognito identity broker.
type AWS struct {
	// Region is the AWS region of the identity pool.
	Region string `yaml:"region"`

	// IdentityPoolID is the Cognito identity pool identifier.
	IdentityPoolID string `yaml:"identity-pool-id"`
}

// API holds the application backend endpoints used by the agent.
type API struct {
	// ValidateTokenEndpoint receives the provider access token and returns
	// the federated identity data.
	ValidateTokenEndpoint string `yaml:"validate-token-endpoint"`

	// ProcessedIDsEndpoint returns the identifiers of tracks already analyzed.
	ProcessedIDsEndpoint string `yaml:"processed-ids-endpoint"`

	// AnalyzeEndpoint accepts batches of track identifiers for analysis.
	AnalyzeEndpoint string `yaml:"analyze-endpoint"`
}

// RedirectURI returns the loopback redirect URI registered with the provider.
func (s *Spotify) RedirectURI() string {
	return fmt.Sprintf("http://localhost:%d/callback", s.CallbackPort)
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults, and returns it.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Port == 0 {
		config.Port = 7632
	}
	if config.Spotify.CallbackPort == 0 {
		config.Spotify.CallbackPort = 54546
	}
	if config.Spotify.AuthURL == "" {
		config.Spotify.AuthURL = "https://accounts.spotify.com/authorize"
	}
	if config.Spotify.TokenURL == "" {
		config.Spotify.TokenURL = "https://accounts.spotify.com/api/token"
	}
	if config.Spotify.APIBaseURL == "" {
		config.Spotify.APIBaseURL = "https://api.spotify.com/v1"
	}
	if config.Spotify.Scopes == "" {
		config.Spotify.Scopes = "user-read-private user-read-email playlist-read-private"
	}
	if config.SessionDB == "" {
		config.SessionDB = "session.db"
	}

	if strings.HasPrefix(config.SessionDB, "~") {
		home, errHome := os.UserHomeDir()
		if errHome != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", errHome)
		}
		config.SessionDB = filepath.Join(home, strings.TrimPrefix(config.SessionDB, "~"))
	}

	return &config, nil
}
