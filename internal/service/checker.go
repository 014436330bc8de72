package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/vilaca/arch-tester/internal/bugs"
	"github.com/vilaca/arch-tester/internal/domain"
)

// CheckResult is the outcome of a sanity check.
type CheckResult struct {
	Passed bool
	// Report explains a failure. Empty when the check passed.
	Report string
}

// Checker runs a sanity check for a merged bug in a repository checkout.
// Implementations may modify the checkout; callers run them inside a
// work tree guard.
type Checker interface {
	Check(ctx context.Context, repoPath string, bug domain.Bug) (CheckResult, error)
}

// CommandChecker runs an external command in the repository with the
// bug's atom lines on stdin, one per line.
// Exit status 0 passes, 1 fails with the command output as the report,
// anything else is an error.
type CommandChecker struct {
	Command []string
}

// NewCommandChecker creates a checker running command.
func NewCommandChecker(command []string) *CommandChecker {
	return &CommandChecker{Command: command}
}

// Check implements Checker.
func (c *CommandChecker) Check(ctx context.Context, repoPath string, bug domain.Bug) (CheckResult, error) {
	if len(c.Command) == 0 {
		return CheckResult{}, errors.New("no sanity command configured")
	}

	lines := bugs.AtomLines(bug.Atoms)
	if len(lines) == 0 {
		return CheckResult{}, errors.New("bug has no atoms to check")
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = repoPath
	cmd.Stdin = strings.NewReader(strings.Join(lines, "\n") + "\n")
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	err := cmd.Run()
	if err == nil {
		return CheckResult{Passed: true}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && ctx.Err() == nil {
		return CheckResult{Report: strings.TrimRight(output.String(), " \t\r\n")}, nil
	}
	return CheckResult{}, fmt.Errorf("failed to run %s: %w: %s",
		c.Command[0], err, strings.TrimSpace(output.String()))
}
