package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultFileName is the configuration file searched for in the working
// directory and its ancestors.
const DefaultFileName = "matchaclaw.json"

// Config represents the matchaclaw.json configuration file
type Config struct {
	Version  string  `json:"version"`
	StateDir string  `json:"state_dir"`
	Gateway  Gateway `json:"gateway"`
	Team     Team    `json:"team"`
	Policy   Policy  `json:"policy"`
}

// Gateway points at the agent-hosting runtime
type Gateway struct {
	BaseURL string `json:"base_url"`
}

// Team names the controller and initial members
type Team struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	ControllerID string   `json:"controller_id"`
	MemberIDs    []string `json:"member_ids,omitempty"`
	Workspace    string   `json:"workspace,omitempty"`
	DefaultModel string   `json:"default_model,omitempty"`
}

// Policy contains orchestrator policy settings
type Policy struct {
	MaxAttempts        int  `json:"max_attempts"`
	ReviewRoundCap     int  `json:"review_round_cap"`
	AllowAgentCreation bool `json:"allow_agent_creation"`

	TaskWaitTotalS  int `json:"task_wait_total_s"`
	WaitSliceS      int `json:"wait_slice_s"`
	WaitBufferS     int `json:"wait_buffer_s"`
	ControllerIdleS int `json:"controller_idle_cap_s"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:  "1.0",
		StateDir: ".matchaclaw",
		Gateway: Gateway{
			BaseURL: "http://127.0.0.1:8130",
		},
		Team: Team{
			ID:           "team-1",
			Name:         "default",
			ControllerID: "controller",
			Workspace:    ".",
		},
		Policy: Policy{
			MaxAttempts:        3,
			ReviewRoundCap:     3,
			AllowAgentCreation: false,
			TaskWaitTotalS:     600,
			WaitSliceS:         15,
			WaitBufferS:        5,
			ControllerIdleS:    120,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("configuration error: missing 'gateway.base_url'\n\nHint: Point at the agent runtime:\n  \"gateway\": {\"base_url\": \"http://127.0.0.1:8130\"}")
	}

	if c.Team.ID == "" {
		return fmt.Errorf("configuration error: missing 'team.id'")
	}

	if c.Team.ControllerID == "" {
		return fmt.Errorf("configuration error: missing 'team.controller_id'\n\nHint: Name the controller agent:\n  \"team\": {\"controller_id\": \"controller\"}")
	}

	if c.Policy.MaxAttempts < 1 {
		return fmt.Errorf("configuration error: 'policy.max_attempts' must be at least 1, got %d", c.Policy.MaxAttempts)
	}

	if c.Policy.ReviewRoundCap < 1 {
		return fmt.Errorf("configuration error: 'policy.review_round_cap' must be at least 1, got %d", c.Policy.ReviewRoundCap)
	}

	return nil
}

// TaskWaitTotal returns the total task wait budget as a duration.
func (c *Config) TaskWaitTotal() time.Duration {
	return time.Duration(c.Policy.TaskWaitTotalS) * time.Second
}

// WaitSlice returns the per-poll slice as a duration.
func (c *Config) WaitSlice() time.Duration {
	return time.Duration(c.Policy.WaitSliceS) * time.Second
}

// WaitBuffer returns the per-poll grace buffer as a duration.
func (c *Config) WaitBuffer() time.Duration {
	return time.Duration(c.Policy.WaitBufferS) * time.Second
}

// ControllerIdleCap returns the controller idle cap as a duration.
func (c *Config) ControllerIdleCap() time.Duration {
	return time.Duration(c.Policy.ControllerIdleS) * time.Second
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600 permissions
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add newline at end of file
	data = append(data, '\n')

	// Write with 0600 permissions (owner read/write only)
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}

	return nil
}
