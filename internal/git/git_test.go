package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRepo initialises an empty repository in a temporary directory.
// Parent directories are excluded from discovery so that a repository
// enclosing the temp dir cannot leak in.
func newRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))
	runGit(t, dir, "init", "--quiet")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	fullArgs := append([]string{
		"-C", dir,
		"-c", "user.name=Arch Tester",
		"-c", "user.email=arch-tester@example.org",
		"-c", "commit.gpgsign=false",
	}, args...)
	out, err := exec.Command("git", fullArgs...).CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// newCommittedRepo returns a repository with one committed file.
func newCommittedRepo(t *testing.T) (dir, file string) {
	t.Helper()
	dir = newRepo(t)
	file = filepath.Join(dir, "file")
	writeFile(t, file, "test\n")
	runGit(t, dir, "add", "file")
	runGit(t, dir, "commit", "--quiet", "-m", "initial")
	return dir, file
}

func TestToplevel(t *testing.T) {
	ctx := context.Background()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	plain := t.TempDir()
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(plain))
	_, err := Toplevel(ctx, plain)
	assert.ErrorIs(t, err, ErrNotRepository)

	runGit(t, plain, "init", "--quiet")
	want, err := filepath.EvalSymlinks(plain)
	require.NoError(t, err)

	got, err := Toplevel(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	sub := filepath.Join(plain, "subdir")
	require.NoError(t, os.Mkdir(sub, 0o755))
	got, err = Toplevel(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	file := filepath.Join(sub, "file")
	writeFile(t, file, "x\n")
	got, err = Toplevel(ctx, file)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIsDirty_UnbornBranch(t *testing.T) {
	ctx := context.Background()
	dir := newRepo(t)

	dirty, err := IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty, "fresh repository")

	writeFile(t, filepath.Join(dir, "file"), "test\n")
	dirty, err = IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty, "untracked file")

	runGit(t, dir, "add", "-N", "file")
	dirty, err = IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.True(t, dirty, "intent-to-add file")

	runGit(t, dir, "add", "file")
	dirty, err = IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty, "fully staged file without HEAD")
}

func TestIsDirty_Committed(t *testing.T) {
	ctx := context.Background()
	dir, file := newCommittedRepo(t)

	dirty, err := IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty)

	writeFile(t, file, "changed\n")
	dirty, err = IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.True(t, dirty, "unstaged change")

	runGit(t, dir, "add", "file")
	dirty, err = IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.True(t, dirty, "staged change")
}

func TestIsDirty_NotRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	t.Setenv("GIT_CEILING_DIRECTORIES", filepath.Dir(dir))

	_, err := IsDirty(context.Background(), dir)

	assert.Error(t, err)
}

func TestResetChanges_UnbornBranch(t *testing.T) {
	// Arrange
	ctx := context.Background()
	dir := newRepo(t)
	file := filepath.Join(dir, "file")
	writeFile(t, file, "test\n")
	runGit(t, dir, "add", "file")
	writeFile(t, file, "test\nsecond\n")

	// Act
	err := ResetChanges(ctx, dir)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "test\n", readFile(t, file))
}

func TestResetChanges_Committed(t *testing.T) {
	// Arrange
	ctx := context.Background()
	dir, file := newCommittedRepo(t)
	other := filepath.Join(dir, "other")
	writeFile(t, file, "staged\n")
	runGit(t, dir, "add", "file")
	writeFile(t, other, "new\n")
	runGit(t, dir, "add", "other")
	untracked := filepath.Join(dir, "untracked")
	writeFile(t, untracked, "keep\n")

	// Act
	err := ResetChanges(ctx, dir)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "test\n", readFile(t, file))
	assert.NoFileExists(t, other)
	assert.Equal(t, "keep\n", readFile(t, untracked))
	dirty, err := IsDirty(ctx, dir)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestResetChanges_Idempotent(t *testing.T) {
	ctx := context.Background()

	empty := newRepo(t)
	require.NoError(t, ResetChanges(ctx, empty))
	require.NoError(t, ResetChanges(ctx, empty))

	dir, file := newCommittedRepo(t)
	writeFile(t, file, "changed\n")
	require.NoError(t, ResetChanges(ctx, dir))
	require.NoError(t, ResetChanges(ctx, dir))
	assert.Equal(t, "test\n", readFile(t, file))
}

func TestRepositoryRun_Error(t *testing.T) {
	dir := newRepo(t)
	repo := NewRepository(dir, time.Second)

	_, err := repo.Run(context.Background(), "no-such-subcommand")

	require.Error(t, err)
	var exitErr *exec.ExitError
	assert.True(t, errors.As(err, &exitErr))
	assert.Contains(t, err.Error(), dir)
}

func TestNewRepository_DefaultTimeout(t *testing.T) {
	repo := NewRepository("/some/repo", 0)

	assert.Equal(t, DefaultTimeout, repo.timeout)
	assert.Equal(t, "/some/repo", repo.Dir())
}
