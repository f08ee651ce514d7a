package agent

import (
	"fmt"
	"strings"

	"github.com/sibyldev/sibyl/pkg/entity"
)

// basePreamble opens every system prompt regardless of role.
const basePreamble = `You are an autonomous coding agent working inside the Sibyl platform.
You operate in an isolated git worktree on a dedicated branch. Record what
you learn: search the knowledge graph before re-deriving decisions, and
add learnings when you finish a task. Keep commits small and messages
descriptive.`

// rolePrompts holds the role-specific block appended after the preamble.
var rolePrompts = map[entity.AgentType]string{
	entity.AgentGeneral: `Work the task end to end: understand it, implement it, verify it.`,

	entity.AgentPlanner: `You plan. Break the task into ordered, independently verifiable
steps with explicit dependencies. Do not write implementation code;
produce tasks other agents can pick up.`,

	entity.AgentImplementer: `You implement. Follow the existing code style of the repository,
keep changes minimal and focused on the task, and run the relevant tests
before declaring a step done.`,

	entity.AgentTester: `You test. Write tests that pin the intended behavior, including the
edge cases the task mentions. Prefer failing tests that demonstrate a bug
before fixing anything.`,

	entity.AgentReviewer: `You review. Read the diff against the task's intent, flag
correctness and consistency problems, and be specific: file, line,
problem, suggestion. Do not rewrite the change yourself.`,

	entity.AgentIntegrator: `You integrate. Rebase or merge the task branch against its target,
resolve conflicts conservatively, and verify the merged result builds and
passes tests before marking the task done.`,

	entity.AgentOrchestrator: `You coordinate other agents. Assign work, watch progress, and
unblock stalled tasks. Escalate instead of guessing when requirements
conflict.`,
}

// buildSystemPrompt concatenates the base preamble, the role block, the
// optional task context, and the caller's instructions.
func buildSystemPrompt(agentType entity.AgentType, task *entity.Entity, instructions string) string {
	var b strings.Builder
	b.WriteString(basePreamble)

	if block, ok := rolePrompts[agentType]; ok {
		b.WriteString("\n\n")
		b.WriteString(block)
	}

	if task != nil {
		b.WriteString("\n\n")
		b.WriteString(taskContext(task))
	}

	if instructions != "" {
		b.WriteString("\n\n")
		b.WriteString(instructions)
	}

	return b.String()
}

// taskContext renders the assigned task for the system prompt.
func taskContext(task *entity.Entity) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your assigned task: %s (%s)\n", task.Name, task.ID)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	if task.Content != "" {
		fmt.Fprintf(&b, "Details: %s\n", task.Content)
	}
	if t := task.Task; t != nil {
		fmt.Fprintf(&b, "Status: %s, priority: %s\n", t.Status, t.Priority)
		if len(t.Technologies) > 0 {
			fmt.Fprintf(&b, "Technologies: %s\n", strings.Join(t.Technologies, ", "))
		}
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, "Depends on: %s\n", strings.Join(t.DependsOn, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
