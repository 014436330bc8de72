package service

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vilaca/arch-tester/internal/domain"
	"github.com/vilaca/arch-tester/internal/git"
)

type update struct {
	ID      int
	Verdict domain.SanityCheck
	Comment string
}

// mockClient is a test double for api.Client backed by a bug map.
type mockClient struct {
	mu                sync.Mutex
	bugs              domain.BugMap
	fetchCalls        [][]int
	findCalls         []domain.Category
	findLimits        []int
	updates           []update
	latestCommentFunc func(id int, author string) (string, error)
	whoamiCalls       int
}

func (m *mockClient) Whoami(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whoamiCalls++
	return "bot@example.org", nil
}

func (m *mockClient) FetchBugs(ctx context.Context, ids []int) (domain.BugMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)
	m.fetchCalls = append(m.fetchCalls, sorted)
	result := domain.BugMap{}
	for _, id := range ids {
		if bug, ok := m.bugs[id]; ok {
			result[id] = bug.Clone()
		}
	}
	return result, nil
}

func (m *mockClient) FindBugs(ctx context.Context, category domain.Category, limit int) (domain.BugMap, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls = append(m.findCalls, category)
	m.findLimits = append(m.findLimits, limit)
	result := domain.BugMap{}
	for id, bug := range m.bugs {
		if bug.Category == category {
			result[id] = bug.Clone()
		}
	}
	return result, nil
}

func (m *mockClient) UpdateStatus(ctx context.Context, id int, verdict domain.SanityCheck, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, update{ID: id, Verdict: verdict, Comment: comment})
	return nil
}

func (m *mockClient) LatestComment(ctx context.Context, id int, author string) (string, error) {
	if m.latestCommentFunc != nil {
		return m.latestCommentFunc(id, author)
	}
	return "", nil
}

// mockChecker is a test double for Checker.
type mockChecker struct {
	checkFunc func(bug domain.Bug) (CheckResult, error)
	checked   []domain.Bug
}

func (m *mockChecker) Check(ctx context.Context, repoPath string, bug domain.Bug) (CheckResult, error) {
	m.checked = append(m.checked, bug)
	if m.checkFunc != nil {
		return m.checkFunc(bug)
	}
	return CheckResult{Passed: true}, nil
}

// mockGuard is a test double for Guard.
type mockGuard struct {
	err   error
	calls int
}

func (m *mockGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return fn(ctx)
}

func stableBug(atoms string, depends, blocks []int, sanity domain.SanityCheck) domain.Bug {
	return domain.Bug{
		Category:    domain.CategoryStableReq,
		Atoms:       atoms,
		CC:          []string{"amd64@gentoo.org"},
		Depends:     depends,
		Blocks:      blocks,
		SanityCheck: sanity,
	}
}

func newTestService(t *testing.T, client *mockClient, checker *mockChecker, guard *mockGuard, cache *FileCache) *SanityService {
	return NewSanityService(client, checker, guard, cache, SanityServiceConfig{
		RepoPath: "/repo",
		Arches:   []string{"amd64", "x86"},
		MaxAge:   time.Hour,
	}, zaptest.NewLogger(t))
}

// TestProcess_MergesLinkedBugs tests that absorbed bugs are checked once, with their root.
func TestProcess_MergesLinkedBugs(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", []int{2}, nil, domain.SanityUnknown),
		2: stableBug("test/bar-2 x86\r\n", nil, []int{1}, domain.SanityUnknown),
	}}
	checker := &mockChecker{}
	service := newTestService(t, client, checker, &mockGuard{}, nil)

	// Act
	results, err := service.Process(context.Background(), []int{2, 1})

	// Assert
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].ID)
	assert.Equal(t, []int{2}, results[0].Absorbed)
	assert.Equal(t, domain.SanityPassed, results[0].Verdict)
	assert.True(t, results[0].Updated)

	require.Len(t, checker.checked, 1)
	assert.Equal(t, "test/foo-1 amd64\r\ntest/bar-2 x86\r\n", checker.checked[0].Atoms)
	assert.Equal(t, []update{{ID: 1, Verdict: domain.SanityPassed}}, client.updates)
}

// TestProcess_FetchesDependencies tests that dependencies are fetched level by level.
func TestProcess_FetchesDependencies(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("a/a-1\r\n", []int{2}, nil, domain.SanityPassed),
		2: stableBug("b/b-1\r\n", []int{3}, []int{1}, domain.SanityPassed),
		3: stableBug("c/c-1\r\n", nil, []int{2}, domain.SanityPassed),
	}}
	checker := &mockChecker{}
	service := newTestService(t, client, checker, &mockGuard{}, nil)

	// Act
	results, err := service.Process(context.Background(), []int{1})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1}, {2}, {3}}, client.fetchCalls)
	require.Len(t, results, 1)
	assert.Equal(t, []int{2, 3}, results[0].Absorbed)
	assert.False(t, results[0].Updated, "verdict already recorded")
	assert.Empty(t, client.updates)
}

func TestProcess_ReportsFailure(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	checker := &mockChecker{checkFunc: func(bug domain.Bug) (CheckResult, error) {
		return CheckResult{Report: "test/foo-1: missing keyword\nsecond"}, nil
	}}
	service := newTestService(t, client, checker, &mockGuard{}, nil)

	// Act
	results, err := service.Process(context.Background(), []int{1})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, domain.SanityFailed, results[0].Verdict)
	want := "Sanity check failed:\r\n\r\n> test/foo-1: missing keyword\r\n> second\r\n"
	assert.Equal(t, []update{{ID: 1, Verdict: domain.SanityFailed, Comment: want}}, client.updates)
}

// TestProcess_SkipsRepeatedFailure tests that an identical failure is not reported twice.
func TestProcess_SkipsRepeatedFailure(t *testing.T) {
	// Arrange
	report := "test/foo-1: missing keyword"
	client := &mockClient{
		bugs: domain.BugMap{1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityFailed)},
		latestCommentFunc: func(id int, author string) (string, error) {
			assert.Equal(t, "bot@example.org", author)
			return "Sanity check failed:\n\n> test/foo-1: missing keyword", nil
		},
	}
	checker := &mockChecker{checkFunc: func(bug domain.Bug) (CheckResult, error) {
		return CheckResult{Report: report}, nil
	}}
	service := newTestService(t, client, checker, &mockGuard{}, nil)

	// Act
	results, err := service.Process(context.Background(), []int{1})

	// Assert
	require.NoError(t, err)
	assert.False(t, results[0].Updated)
	assert.Empty(t, client.updates)
	assert.Equal(t, 1, client.whoamiCalls)
}

func TestProcess_NewFailureIsReported(t *testing.T) {
	client := &mockClient{
		bugs: domain.BugMap{1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityFailed)},
		latestCommentFunc: func(id int, author string) (string, error) {
			return "Sanity check failed:\n\n> something else", nil
		},
	}
	checker := &mockChecker{checkFunc: func(bug domain.Bug) (CheckResult, error) {
		return CheckResult{Report: "new problem"}, nil
	}}

	results, err := newTestService(t, client, checker, &mockGuard{}, nil).Process(context.Background(), []int{1})

	require.NoError(t, err)
	assert.True(t, results[0].Updated)
	require.Len(t, client.updates, 1)
	assert.Contains(t, client.updates[0].Comment, "> new problem")
}

func TestProcess_ResolvedFailure(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityFailed),
	}}

	_, err := newTestService(t, client, &mockChecker{}, &mockGuard{}, nil).Process(context.Background(), []int{1})

	require.NoError(t, err)
	assert.Equal(t, []update{{ID: 1, Verdict: domain.SanityPassed, Comment: ResolvedComment}}, client.updates)
}

func TestProcess_Pretend(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	service := NewSanityService(client, &mockChecker{}, &mockGuard{}, nil,
		SanityServiceConfig{Pretend: true}, zaptest.NewLogger(t))

	results, err := service.Process(context.Background(), []int{1})

	require.NoError(t, err)
	assert.Equal(t, domain.SanityPassed, results[0].Verdict)
	assert.False(t, results[0].Updated)
	assert.Empty(t, client.updates)
}

// TestProcess_DirtyWorkTreeStopsRun tests that a dirty tree aborts the whole run.
func TestProcess_DirtyWorkTreeStopsRun(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("a/a-1\r\n", nil, nil, domain.SanityUnknown),
		5: stableBug("b/b-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	checker := &mockChecker{}
	guard := &mockGuard{err: &git.DirtyWorkTreeError{Path: "/repo"}}
	service := newTestService(t, client, checker, guard, nil)

	// Act
	results, err := service.Process(context.Background(), []int{1, 5})

	// Assert
	require.Error(t, err)
	assert.ErrorIs(t, err, git.ErrDirtyWorkTree)
	assert.Len(t, results, 1)
	assert.Equal(t, 1, guard.calls)
	assert.Empty(t, checker.checked)
	assert.Empty(t, client.updates)
}

func TestProcess_RestoreFailureStopsRun(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("a/a-1\r\n", nil, nil, domain.SanityUnknown),
		5: stableBug("b/b-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	guard := &mockGuard{err: &git.RestoreError{Path: "/repo", Err: errors.New("reset failed")}}

	results, err := newTestService(t, client, &mockChecker{}, guard, nil).Process(context.Background(), []int{1, 5})

	assert.ErrorIs(t, err, git.ErrRestoreFailed)
	assert.Len(t, results, 1)
}

// TestProcess_ContinuesAfterCheckError tests that other failures only affect their bug.
func TestProcess_ContinuesAfterCheckError(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("a/a-1\r\n", nil, nil, domain.SanityUnknown),
		5: stableBug("b/b-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	checker := &mockChecker{checkFunc: func(bug domain.Bug) (CheckResult, error) {
		if bug.Atoms == "a/a-1 amd64\r\n" {
			return CheckResult{}, errors.New("tool crashed")
		}
		return CheckResult{Passed: true}, nil
	}}
	service := newTestService(t, client, checker, &mockGuard{}, nil)

	// Act
	results, err := service.Process(context.Background(), []int{5, 1})

	// Assert
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.ErrorContains(t, results[0].Err, "tool crashed")
	assert.NoError(t, results[1].Err)
	assert.Equal(t, []update{{ID: 5, Verdict: domain.SanityPassed}}, client.updates)
}

func TestProcess_UnknownBug(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{}}

	results, err := newTestService(t, client, &mockChecker{}, &mockGuard{}, nil).Process(context.Background(), []int{42})

	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

// TestProcess_FindsOpenBugs tests searching every category when no ids are given.
func TestProcess_FindsOpenBugs(t *testing.T) {
	// Arrange
	keyword := stableBug("k/k-1\r\n", nil, nil, domain.SanityUnknown)
	keyword.Category = domain.CategoryKeywordReq
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("s/s-1\r\n", nil, nil, domain.SanityUnknown),
		2: keyword,
	}}
	checker := &mockChecker{}
	service := NewSanityService(client, checker, &mockGuard{}, nil,
		SanityServiceConfig{SearchLimit: 7}, zaptest.NewLogger(t))

	// Act
	results, err := service.Process(context.Background(), nil)

	// Assert
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Category{domain.CategoryKeywordReq, domain.CategoryStableReq}, client.findCalls)
	assert.Equal(t, []int{7, 7}, client.findLimits)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].ID)
	assert.Equal(t, 2, results[1].ID)
	assert.Empty(t, client.fetchCalls, "found bugs are not fetched again")
}

// TestProcess_UsesCachedVerdict tests that an unchanged bug is not checked again.
func TestProcess_UsesCachedVerdict(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityPassed),
	}}
	checker := &mockChecker{}
	cache := NewFileCache(filepath.Join(t.TempDir(), "cache.json"), zaptest.NewLogger(t))
	service := newTestService(t, client, checker, &mockGuard{}, cache)

	// Act
	first, err := service.Process(context.Background(), []int{1})
	require.NoError(t, err)
	second, err := service.Process(context.Background(), []int{1})
	require.NoError(t, err)

	// Assert
	assert.Len(t, checker.checked, 1)
	assert.False(t, first[0].Cached)
	assert.True(t, second[0].Cached)
	assert.Equal(t, domain.SanityPassed, second[0].Verdict)
}

// TestProcess_CachedFailureKeepsReport tests that a reused failure verdict
// still carries its report, so an unchanged failure is not re-commented.
func TestProcess_CachedFailureKeepsReport(t *testing.T) {
	// Arrange
	var posted string
	client := &mockClient{
		bugs: domain.BugMap{1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityUnknown)},
		latestCommentFunc: func(id int, author string) (string, error) {
			return posted, nil
		},
	}
	checker := &mockChecker{checkFunc: func(bug domain.Bug) (CheckResult, error) {
		return CheckResult{Report: "test/foo-1: missing keyword"}, nil
	}}
	cache := NewFileCache(filepath.Join(t.TempDir(), "cache.json"), zaptest.NewLogger(t))
	service := newTestService(t, client, checker, &mockGuard{}, cache)

	// Act
	_, err := service.Process(context.Background(), []int{1})
	require.NoError(t, err)
	require.Len(t, client.updates, 1)
	posted = client.updates[0].Comment
	client.bugs[1] = stableBug("test/foo-1\r\n", nil, nil, domain.SanityFailed)
	results, err := service.Process(context.Background(), []int{1})

	// Assert
	require.NoError(t, err)
	assert.Len(t, checker.checked, 1)
	assert.True(t, results[0].Cached)
	assert.Equal(t, domain.SanityFailed, results[0].Verdict)
	assert.False(t, results[0].Updated)
	assert.Len(t, client.updates, 1)
}

// TestProcess_CachedFailureReportsFullComment tests that a cached failure
// posted to a bug that lost its flag includes the recorded report.
func TestProcess_CachedFailureReportsFullComment(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	checker := &mockChecker{checkFunc: func(bug domain.Bug) (CheckResult, error) {
		return CheckResult{Report: "test/foo-1: missing keyword"}, nil
	}}
	cache := NewFileCache(filepath.Join(t.TempDir(), "cache.json"), nil)
	service := newTestService(t, client, checker, &mockGuard{}, cache)

	_, err := service.Process(context.Background(), []int{1})
	require.NoError(t, err)
	_, err = service.Process(context.Background(), []int{1})
	require.NoError(t, err)

	require.Len(t, client.updates, 2)
	assert.Len(t, checker.checked, 1)
	assert.Equal(t, client.updates[0].Comment, client.updates[1].Comment)
	assert.Contains(t, client.updates[1].Comment, "> test/foo-1: missing keyword")
}

func TestProcess_ChangedBugIsCheckedAgain(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", nil, nil, domain.SanityPassed),
	}}
	checker := &mockChecker{}
	cache := NewFileCache(filepath.Join(t.TempDir(), "cache.json"), nil)
	service := newTestService(t, client, checker, &mockGuard{}, cache)

	_, err := service.Process(context.Background(), []int{1})
	require.NoError(t, err)
	client.bugs[1] = stableBug("test/foo-2\r\n", nil, nil, domain.SanityPassed)
	results, err := service.Process(context.Background(), []int{1})
	require.NoError(t, err)

	assert.Len(t, checker.checked, 2)
	assert.False(t, results[0].Cached)
}

func TestProcess_CancelledContext(t *testing.T) {
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("a/a-1\r\n", nil, nil, domain.SanityUnknown),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestService(t, client, &mockChecker{}, &mockGuard{}, nil).Process(ctx, []int{1})

	assert.ErrorIs(t, err, context.Canceled)
}

// TestPrepare tests merging and keyword filling without running checks.
func TestPrepare(t *testing.T) {
	// Arrange
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("test/foo-1\r\n", []int{2}, nil, domain.SanityPassed),
		2: stableBug("test/bar-1 x86\r\n", []int{9}, []int{1}, domain.SanityPassed),
	}}
	service := newTestService(t, client, &mockChecker{}, &mockGuard{}, nil)

	// Act
	bug, absorbed, err := service.Prepare(context.Background(), 1)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, absorbed)
	assert.Equal(t, "test/foo-1 amd64\r\ntest/bar-1 x86\r\n", bug.Atoms)
	assert.Equal(t, []int{9}, bug.Blocks)
	assert.Empty(t, bug.Depends)
	assert.Empty(t, client.updates)
}

func TestSelectRoots(t *testing.T) {
	tests := []struct {
		name string
		bugs domain.BugMap
		ids  []int
		want []int
	}{
		{
			name: "absorbed bugs are skipped",
			bugs: domain.BugMap{
				1: stableBug("a\r\n", []int{3}, nil, 0),
				2: stableBug("b\r\n", nil, nil, 0),
				3: stableBug("c\r\n", nil, []int{1}, 0),
			},
			ids:  []int{3, 2, 1},
			want: []int{1, 2},
		},
		{
			name: "dependency on a later id",
			bugs: domain.BugMap{
				4: stableBug("a\r\n", nil, []int{9}, 0),
				9: stableBug("b\r\n", []int{4}, nil, 0),
			},
			ids:  []int{4, 9},
			want: []int{9},
		},
		{
			name: "cycle",
			bugs: domain.BugMap{
				1: stableBug("a\r\n", []int{2}, []int{2}, 0),
				2: stableBug("b\r\n", []int{1}, []int{1}, 0),
			},
			ids:  []int{2, 1},
			want: []int{1},
		},
		{
			name: "unknown ids are kept",
			bugs: domain.BugMap{},
			ids:  []int{7},
			want: []int{7},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectRoots(tc.bugs, tc.ids))
		})
	}
}

func TestFailureComment(t *testing.T) {
	assert.Equal(t, "Sanity check failed:\r\n", FailureComment(""))
	assert.Equal(t, "Sanity check failed:\r\n\r\n> one\r\n> two\r\n", FailureComment("one\r\ntwo\n"))
}

func TestFingerprint(t *testing.T) {
	bug := stableBug("test/foo-1 amd64\r\n", nil, nil, 0)

	same := bug.Clone()
	same.Atoms = "test/foo-1 amd64\n"
	same.Blocks = []int{5}
	changedCC := bug.Clone()
	changedCC.CC = []string{"x86@gentoo.org"}

	assert.Equal(t, fingerprint(bug), fingerprint(same), "terminators and links do not matter")
	assert.NotEqual(t, fingerprint(bug), fingerprint(changedCC))

	split := domain.Bug{Atoms: "a/a-1\r\n", CC: []string{"b/b-1"}}
	joined := domain.Bug{Atoms: "a/a-1\r\nb/b-1\r\n"}
	assert.NotEqual(t, fingerprint(split), fingerprint(joined), "atoms and CC are hashed apart")
}

func TestProcess_SearchesConfiguredCategories(t *testing.T) {
	keyword := stableBug("k/k-1\r\n", nil, nil, domain.SanityUnknown)
	keyword.Category = domain.CategoryKeywordReq
	client := &mockClient{bugs: domain.BugMap{
		1: stableBug("s/s-1\r\n", nil, nil, domain.SanityUnknown),
		2: keyword,
	}}
	service := NewSanityService(client, &mockChecker{}, &mockGuard{}, nil,
		SanityServiceConfig{Categories: []domain.Category{domain.CategoryKeywordReq}}, zaptest.NewLogger(t))

	results, err := service.Process(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, []domain.Category{domain.CategoryKeywordReq}, client.findCalls)
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].ID)
}
