// Package git provides the small set of git operations arch-tester needs
// on a package repository checkout: locating the top-level directory,
// detecting uncommitted changes to tracked files, discarding them, and
// guarding a block of work so the checkout is left as it was found.
//
// All commands target a specific directory via "git -C <dir>".
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds each git invocation when no timeout is given.
const DefaultTimeout = 30 * time.Second

// ErrNotRepository is returned when a path is not inside a git work tree.
var ErrNotRepository = errors.New("not inside a git work tree")

// Repository represents a git work tree at a specific directory.
type Repository struct {
	dir     string
	timeout time.Duration
}

// NewRepository returns a Repository targeting dir. A non-positive
// timeout selects DefaultTimeout.
func NewRepository(dir string, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Repository{dir: dir, timeout: timeout}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command in the repository and returns stdout.
// Stderr is included in the error on failure; the underlying
// *exec.ExitError stays reachable through errors.As.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("git %s in %s: timeout after %v", args[0], r.dir, r.timeout)
		}
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// differs runs a git command that signals a difference by exiting with
// status 1, such as "git diff --quiet".
func (r *Repository) differs(ctx context.Context, args ...string) (bool, error) {
	_, err := r.Run(ctx, args...)
	if err == nil {
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true, nil
	}
	return false, err
}

// Toplevel returns the root directory of the work tree.
func (r *Repository) Toplevel(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%s: %w", r.dir, ErrNotRepository)
		}
		return "", err
	}
	return filepath.FromSlash(strings.TrimSpace(out)), nil
}

// hasHead reports whether HEAD points at a commit. It does not on a
// freshly initialised repository.
func (r *Repository) hasHead(ctx context.Context) (bool, error) {
	missing, err := r.differs(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		return false, fmt.Errorf("resolving HEAD: %w", err)
	}
	return !missing, nil
}

// IsDirty reports whether tracked files carry uncommitted changes:
// work tree changes not in the index, or staged changes not in HEAD.
// Untracked files do not count. The repository is not modified.
func (r *Repository) IsDirty(ctx context.Context) (bool, error) {
	unstaged, err := r.differs(ctx, "diff", "--quiet", "--no-ext-diff")
	if err != nil {
		return false, fmt.Errorf("checking unstaged changes: %w", err)
	}
	if unstaged {
		return true, nil
	}

	head, err := r.hasHead(ctx)
	if err != nil || !head {
		return false, err
	}
	staged, err := r.differs(ctx, "diff", "--quiet", "--no-ext-diff", "--cached", "HEAD")
	if err != nil {
		return false, fmt.Errorf("checking staged changes: %w", err)
	}
	return staged, nil
}

// ResetChanges discards uncommitted changes to tracked files across the
// whole work tree. It does nothing on a clean tree and never touches
// untracked files.
func (r *Repository) ResetChanges(ctx context.Context) error {
	dirty, err := r.IsDirty(ctx)
	if err != nil || !dirty {
		return err
	}

	head, err := r.hasHead(ctx)
	if err != nil {
		return err
	}
	if head {
		_, err = r.Run(ctx, "reset", "--hard", "--quiet", "HEAD")
	} else {
		// No commit yet: the index is the only baseline there is.
		_, err = r.Run(ctx, "checkout", "--", ":/")
	}
	if err != nil {
		return fmt.Errorf("resetting changes: %w", err)
	}
	return nil
}

// Toplevel returns the root of the work tree containing path, or an
// error matching ErrNotRepository.
func Toplevel(ctx context.Context, path string) (string, error) {
	return NewRepository(directoryOf(path), 0).Toplevel(ctx)
}

// IsDirty reports whether the work tree containing path has uncommitted
// changes to tracked files.
func IsDirty(ctx context.Context, path string) (bool, error) {
	return NewRepository(directoryOf(path), 0).IsDirty(ctx)
}

// ResetChanges discards uncommitted changes to tracked files in the work
// tree containing path.
func ResetChanges(ctx context.Context, path string) error {
	return NewRepository(directoryOf(path), 0).ResetChanges(ctx)
}

// directoryOf maps a file path to its directory so that "git -C" accepts it.
func directoryOf(path string) string {
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return filepath.Dir(path)
	}
	return path
}
