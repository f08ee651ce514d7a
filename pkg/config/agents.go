package config

import (
	"fmt"
	"time"
)

// WorktreeConfig configures git worktree management.
type WorktreeConfig struct {
	// RepoDir is the git repository worktrees are created from.
	RepoDir string `yaml:"repo_dir"`

	// BaseDir roots all worktrees: <base>/<org>/<project>/<branch>.
	BaseDir string `yaml:"base_dir"`

	// GitTimeout bounds each git subprocess invocation.
	GitTimeout time.Duration `yaml:"git_timeout"`

	// OrphanMaxAge is how old an orphaned worktree must be before the
	// sweep removes it.
	OrphanMaxAge time.Duration `yaml:"orphan_max_age"`
}

func (c *WorktreeConfig) SetDefaults() {
	if c.RepoDir == "" {
		c.RepoDir = "."
	}
	if c.BaseDir == "" {
		c.BaseDir = ".sibyl/worktrees"
	}
	if c.GitTimeout == 0 {
		c.GitTimeout = 30 * time.Second
	}
	if c.OrphanMaxAge == 0 {
		c.OrphanMaxAge = 24 * time.Hour
	}
}

func (c *WorktreeConfig) Validate() error {
	if c.RepoDir == "" {
		return fmt.Errorf("worktrees repo_dir is required")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("worktrees base_dir is required")
	}
	if c.GitTimeout <= 0 {
		return fmt.Errorf("worktrees git_timeout must be positive")
	}
	return nil
}

// RunnerConfig configures a single agent session.
type RunnerConfig struct {
	// LLM names the provider in the llms map.
	LLM string `yaml:"llm"`

	// HeartbeatInterval is how often a running agent refreshes its
	// heartbeat, tokens, and cost on the persisted record.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// LLMTimeout bounds each streaming LLM call.
	LLMTimeout time.Duration `yaml:"llm_timeout"`

	// ResumePrompt starts a recovered agent's fresh query.
	ResumePrompt string `yaml:"resume_prompt"`

	// ErrorMessageLimit truncates persisted error messages.
	ErrorMessageLimit int `yaml:"error_message_limit"`
}

func (c *RunnerConfig) SetDefaults() {
	if c.LLM == "" {
		c.LLM = "default"
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 120 * time.Second
	}
	if c.ResumePrompt == "" {
		c.ResumePrompt = "You were resumed from a checkpoint. Review your task status and continue where you left off."
	}
	if c.ErrorMessageLimit == 0 {
		c.ErrorMessageLimit = 500
	}
}

func (c *RunnerConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("runner heartbeat_interval must be positive")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("runner llm_timeout must be positive")
	}
	return nil
}

// OrchestratorConfig configures the per-tenant agent coordinator.
type OrchestratorConfig struct {
	// HealthCheckInterval is the health loop period.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`

	// StaleHeartbeatThreshold marks agents failed when their last
	// heartbeat is older than this.
	StaleHeartbeatThreshold time.Duration `yaml:"stale_heartbeat_threshold"`

	// MessageQueueSize bounds each agent's in-memory message queue.
	MessageQueueSize int `yaml:"message_queue_size"`

	// ReceiveWait is the default window receiveMessages waits for a
	// first message before returning empty.
	ReceiveWait time.Duration `yaml:"receive_wait"`
}

func (c *OrchestratorConfig) SetDefaults() {
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 60 * time.Second
	}
	if c.StaleHeartbeatThreshold == 0 {
		c.StaleHeartbeatThreshold = 120 * time.Second
	}
	if c.MessageQueueSize == 0 {
		c.MessageQueueSize = 256
	}
	if c.ReceiveWait == 0 {
		c.ReceiveWait = time.Second
	}
}

func (c *OrchestratorConfig) Validate() error {
	if c.HealthCheckInterval <= 0 {
		return fmt.Errorf("orchestrator health_check_interval must be positive")
	}
	if c.StaleHeartbeatThreshold <= c.HealthCheckInterval/2 {
		return fmt.Errorf("orchestrator stale_heartbeat_threshold (%v) is too small relative to health_check_interval (%v)",
			c.StaleHeartbeatThreshold, c.HealthCheckInterval)
	}
	if c.MessageQueueSize <= 0 {
		return fmt.Errorf("orchestrator message_queue_size must be positive")
	}
	return nil
}

// CheckpointConfig configures agent progress snapshots.
type CheckpointConfig struct {
	Enabled *bool `yaml:"enabled"`

	// MaxPerAgent bounds retained checkpoints per agent; older ones are
	// pruned on write.
	MaxPerAgent int `yaml:"max_per_agent"`
}

func (c *CheckpointConfig) SetDefaults() {
	if c.Enabled == nil {
		t := true
		c.Enabled = &t
	}
	if c.MaxPerAgent == 0 {
		c.MaxPerAgent = 20
	}
}

func (c *CheckpointConfig) Validate() error {
	if c.MaxPerAgent <= 0 {
		return fmt.Errorf("checkpoints max_per_agent must be positive")
	}
	return nil
}

// IsEnabled reports whether checkpointing runs.
func (c *CheckpointConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ApprovalConfig configures tool-use approval checkpoints.
type ApprovalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Mode: "cli" prompts on the terminal; "auto_deny" denies after the
	// timeout (server deployments).
	Mode string `yaml:"mode"`

	// Timeout bounds how long an approval may stay pending.
	Timeout time.Duration `yaml:"timeout"`

	// Tools lists tool names requiring approval; empty means the
	// code-mutating defaults.
	Tools []string `yaml:"tools"`
}

func (c *ApprovalConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "cli"
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if len(c.Tools) == 0 {
		c.Tools = []string{"execute_command", "write_file", "git_push"}
	}
}

func (c *ApprovalConfig) Validate() error {
	switch c.Mode {
	case "cli", "auto_deny":
	default:
		return fmt.Errorf("unknown approval mode: %s (use cli or auto_deny)", c.Mode)
	}
	return nil
}

// WorkflowTrackerConfig tunes the non-rigid "did the agent follow the
// workflow" reminders. Reminders fire only for sessions exceeding the
// tool-call floor that used at least one code-mutating tool.
type WorkflowTrackerConfig struct {
	MinToolCalls    int   `yaml:"min_tool_calls"`
	RequireMutation *bool `yaml:"require_mutation"`
}

func (c *WorkflowTrackerConfig) SetDefaults() {
	if c.MinToolCalls == 0 {
		c.MinToolCalls = 5
	}
	if c.RequireMutation == nil {
		t := true
		c.RequireMutation = &t
	}
}

func (c *WorkflowTrackerConfig) Validate() error {
	if c.MinToolCalls < 0 {
		return fmt.Errorf("workflow tracker min_tool_calls cannot be negative")
	}
	return nil
}

// MutationRequired reports whether reminders need a code-mutating tool use.
func (c *WorkflowTrackerConfig) MutationRequired() bool {
	return c.RequireMutation == nil || *c.RequireMutation
}

// AgentsConfig groups the orchestration tree.
type AgentsConfig struct {
	Runner          RunnerConfig          `yaml:"runner"`
	Orchestrator    OrchestratorConfig    `yaml:"orchestrator"`
	Checkpoints     CheckpointConfig      `yaml:"checkpoints"`
	Approval        ApprovalConfig        `yaml:"approval"`
	WorkflowTracker WorkflowTrackerConfig `yaml:"workflow_tracker"`
}

func (c *AgentsConfig) SetDefaults() {
	c.Runner.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Checkpoints.SetDefaults()
	c.Approval.SetDefaults()
	c.WorkflowTracker.SetDefaults()
}

func (c *AgentsConfig) Validate() error {
	if err := c.Runner.Validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.Checkpoints.Validate(); err != nil {
		return err
	}
	if err := c.Approval.Validate(); err != nil {
		return err
	}
	return c.WorkflowTracker.Validate()
}
