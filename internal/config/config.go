package config

import "strings"

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	Session   SessionConfig
	Ollama    OllamaConfig
	OpenAI    RemoteConfig
	Anthropic RemoteConfig
	Gemini    RemoteConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

// SessionConfig holds the queue and generation settings the session starts
// with; the running server can change them via the settings API.
type SessionConfig struct {
	Provider    string
	AutoProcess bool
	DebounceMS  int
	Temperature float64
	MaxTokens   int
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

// RemoteConfig configures a hosted backend. An empty APIKey leaves the
// backend registered but unavailable until a credential is supplied.
type RemoteConfig struct {
	APIKey string
	Model  string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4600,
			MCPPort: 4601,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Session: SessionConfig{
			Provider:    "ollama",
			AutoProcess: true,
			DebounceMS:  2000,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.murmurchat.app) and
// secrets fall back to macOS Keychain. On Linux the backend is a JSON file
// at $XDG_CONFIG_HOME/murmur/config.json with secrets in a sibling file
// under $XDG_DATA_HOME/murmur.
//
// Environment variables (MURMUR_*) override backend values on all platforms.
// No key is mandatory: the local Ollama backend needs no credential, and
// hosted backends without one simply probe as unavailable.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret retrieval for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	fills := []struct {
		account string
		dst     *string
	}{
		{"openai_api_key", &cfg.OpenAI.APIKey},
		{"anthropic_api_key", &cfg.Anthropic.APIKey},
		{"gemini_api_key", &cfg.Gemini.APIKey},
	}
	for _, f := range fills {
		if *f.dst != "" {
			continue
		}
		if key, err := kc.Get("murmur", f.account); err == nil && key != "" {
			*f.dst = key
		}
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
