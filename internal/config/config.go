package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models curricord.yml.
type Config struct {
	Service struct {
		ID string `yaml:"id"`
	} `yaml:"service"`
	Scheduler SchedulerConfig           `yaml:"scheduler"`
	Hub       HubConfig                 `yaml:"hub"`
	Workflows map[string]WorkflowConfig `yaml:"workflows"`
}

type SchedulerConfig struct {
	MaxConcurrentSessions int    `yaml:"max_concurrent_sessions"`
	DefaultMaxRetries     int    `yaml:"default_max_retries"`
	RetryBackoff          string `yaml:"retry_backoff"` // fixed or exponential
	RetryDelaySeconds     int    `yaml:"retry_delay_seconds"`
	AgentStalenessSeconds int    `yaml:"agent_staleness_seconds"`
}

type HubConfig struct {
	MaxConnections           int `yaml:"max_connections"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	ConnectionTimeoutSeconds int `yaml:"connection_timeout_seconds"`
	AuthGraceSeconds         int `yaml:"auth_grace_seconds"`
}

type WorkflowConfig struct {
	Version int          `yaml:"version"`
	Steps   []StepConfig `yaml:"steps"`
}

type StepConfig struct {
	ID        string   `yaml:"id"`
	AgentType string   `yaml:"agent_type"`
	DependsOn []string `yaml:"depends_on"`
	Weight    int      `yaml:"weight"`
	Priority  int      `yaml:"priority"`
}

func (s SchedulerConfig) RetryDelay(retryCount int) time.Duration {
	delay := time.Duration(s.RetryDelaySeconds) * time.Second
	if s.RetryBackoff != "exponential" {
		return delay
	}
	for i := 0; i < retryCount; i++ {
		delay *= 2
	}
	return delay
}

func (h HubConfig) HeartbeatInterval() time.Duration {
	return time.Duration(h.HeartbeatIntervalSeconds) * time.Second
}

func (h HubConfig) ConnectionTimeout() time.Duration {
	return time.Duration(h.ConnectionTimeoutSeconds) * time.Second
}

func (h HubConfig) AuthGrace() time.Duration {
	return time.Duration(h.AuthGraceSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with cord config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Workflow graphs must
// be acyclic with every dependency naming a declared step.
func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fmt.Errorf("config.service.id is required")
	}
	if c.Scheduler.RetryBackoff != "" && c.Scheduler.RetryBackoff != "fixed" && c.Scheduler.RetryBackoff != "exponential" {
		return fmt.Errorf("config.scheduler.retry_backoff must be 'fixed' or 'exponential'")
	}
	if c.Scheduler.DefaultMaxRetries < 0 {
		return fmt.Errorf("config.scheduler.default_max_retries must be >= 0")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for name, wf := range c.Workflows {
		if wf.Version <= 0 {
			return fmt.Errorf("workflow %s: version must be >= 1", name)
		}
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", name)
		}
		seen := map[string]bool{}
		for _, step := range wf.Steps {
			if step.ID == "" {
				return fmt.Errorf("workflow %s has a step with empty id", name)
			}
			if step.AgentType == "" {
				return fmt.Errorf("workflow %s step %s: agent_type is required", name, step.ID)
			}
			if step.Weight < 0 {
				return fmt.Errorf("workflow %s step %s: weight must be >= 0", name, step.ID)
			}
			if step.Priority < 0 || step.Priority > 100 {
				return fmt.Errorf("workflow %s step %s: priority must be within 0-100", name, step.ID)
			}
			if seen[step.ID] {
				return fmt.Errorf("workflow %s: duplicate step id %s", name, step.ID)
			}
			seen[step.ID] = true
		}
		for _, step := range wf.Steps {
			for _, dep := range step.DependsOn {
				if !seen[dep] {
					return fmt.Errorf("workflow %s step %s depends on unknown step %s", name, step.ID, dep)
				}
				if dep == step.ID {
					return fmt.Errorf("workflow %s step %s depends on itself", name, step.ID)
				}
			}
		}
		if err := ensureAcyclic(name, wf.Steps); err != nil {
			return err
		}
	}
	return nil
}

// ensureAcyclic walks the dependency graph depth-first looking for a back edge.
func ensureAcyclic(name string, steps []StepConfig) error {
	deps := map[string][]string{}
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := map[string]int{}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("workflow %s has a dependency cycle through step %s", name, id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "curricord.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceID string) string {
	return fmt.Sprintf(defaultTemplate, serviceID)
}

// Default returns the default Config struct for a service.
func Default(serviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceID))).Decode(&cfg)
	cfg.Service.ID = serviceID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  id: %s

scheduler:
  max_concurrent_sessions: 10
  default_max_retries: 3
  retry_backoff: exponential
  retry_delay_seconds: 5
  agent_staleness_seconds: 90

hub:
  max_connections: 500
  heartbeat_interval_seconds: 30
  connection_timeout_seconds: 60
  auth_grace_seconds: 1

workflows:
  curriculum-analysis:
    version: 1
    steps:
      - id: parse-documents
        agent_type: document-parser
        priority: 80
      - id: accreditation-check
        agent_type: accreditation-analyzer
        depends_on: [parse-documents]
        priority: 60
      - id: semantic-comparison
        agent_type: semantic-comparator
        depends_on: [parse-documents]
        priority: 60
      - id: gap-detection
        agent_type: gap-detector
        depends_on: [accreditation-check, semantic-comparison]
        priority: 50
      - id: synthesize-report
        agent_type: report-synthesizer
        depends_on: [gap-detection]
        weight: 2
        priority: 40

  quick-scan:
    version: 1
    steps:
      - id: parse-documents
        agent_type: document-parser
        priority: 80
      - id: accreditation-check
        agent_type: accreditation-analyzer
        depends_on: [parse-documents]
        priority: 60
`
