package types

// Config represents the main configuration for Steward.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Crypto        CryptoConfig        `yaml:"crypto"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StoreConfig defines entity store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // Path to the SQLite database file
}

// CryptoConfig defines encryption settings.
type CryptoConfig struct {
	IdentityPath string `yaml:"identity_path"` // Path to age identity file
}

// OrchestratorConfig defines scheduling heuristics.
type OrchestratorConfig struct {
	MaxAgents       int `yaml:"max_agents"`        // Ceiling on non-archived agents
	RebalanceSpread int `yaml:"rebalance_spread"`  // Busiest-vs-idlest gap that triggers a move
	StaleAfterHours int `yaml:"stale_after_hours"` // IN_PROGRESS/CLAIMED older than this is a suspected blocker
	ReportWindowHrs int `yaml:"report_window_hours"`
	DefaultMaxTasks int `yaml:"default_max_tasks"` // Default per-agent max_concurrent_tasks
	DefaultPriority int `yaml:"default_priority"`
}

// CollaboratorsConfig defines external collaborator settings.
type CollaboratorsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig defines the endpoint and credentials for an external
// collaborator.
type ProviderConfig struct {
	BaseURL         string `yaml:"base_url"` // e.g. https://api.openai.com
	Model           string `yaml:"model"`
	APIKeyEncrypted string `yaml:"api_key_encrypted"` // age-encrypted API key
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Path: "./steward.db",
		},
		Crypto: CryptoConfig{
			IdentityPath: "./steward.key",
		},
		Orchestrator: OrchestratorConfig{
			MaxAgents:       100,
			RebalanceSpread: 2,
			StaleAfterHours: 6,
			ReportWindowHrs: 24,
			DefaultMaxTasks: 3,
			DefaultPriority: 5,
		},
	}
}
