package worktree

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/sibyldev/sibyl/pkg/errs"
)

// gitRaw runs one git command in dir, bounded by the configured git
// timeout, and returns trimmed stdout and stderr alongside the raw
// process error. Callers that need to inspect output on failure use
// this directly; everything else goes through git.
func (m *Manager) gitRaw(ctx context.Context, dir string, args ...string) (string, string, error) {
	gctx, cancel := context.WithTimeout(ctx, m.cfg.GitTimeout)
	defer cancel()

	cmd := exec.CommandContext(gctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_PAGER=cat",
		"NO_COLOR=1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil && errors.Is(gctx.Err(), context.DeadlineExceeded) {
		err = context.DeadlineExceeded
	}
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// git runs one git command and returns its stdout. Failures carry the
// command line and stderr so callers can surface actionable messages.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	const op = "git"

	stdout, stderr, err := m.gitRaw(ctx, dir, args...)
	if err != nil {
		return "", m.wrapGit(op, args, stderr, err)
	}
	return stdout, nil
}

// wrapGit classifies a failed git invocation.
func (m *Manager) wrapGit(op string, args []string, stderr string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.Newf(errs.Timeout, component, op,
			"git %s timed out after %s", strings.Join(args, " "), m.cfg.GitTimeout)
	}
	return errs.Newf(errs.Unknown, component, op,
		"git %s: %v: %s", strings.Join(args, " "), err, stderr)
}

// revParse resolves a ref to a commit sha.
func (m *Manager) revParse(ctx context.Context, dir, ref string) (string, error) {
	return m.git(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
}

// splitLines breaks trimmed git output into its non-empty lines.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
