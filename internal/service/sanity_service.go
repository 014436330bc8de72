package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vilaca/arch-tester/internal/api"
	"github.com/vilaca/arch-tester/internal/bugs"
	"github.com/vilaca/arch-tester/internal/domain"
	"github.com/vilaca/arch-tester/internal/git"
)

// ResolvedComment is posted when a previously failing bug passes.
const ResolvedComment = "All sanity-check issues have been resolved"

// Guard runs fn on a work tree and restores it afterwards.
// git.WorkTree implements it.
type Guard interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// SanityServiceConfig configures a SanityService.
type SanityServiceConfig struct {
	RepoPath string
	// Arches are the keywords that may be filled in from CC.
	Arches []string
	// MaxAge bounds how long a cached verdict is reused.
	MaxAge time.Duration
	// SearchLimit bounds each category search when no bugs are given.
	SearchLimit int
	// Categories restricts the search; empty searches every category.
	Categories []domain.Category
	// Pretend skips tracker updates.
	Pretend bool
}

// Result reports what happened to one merged bug.
type Result struct {
	ID       int
	Absorbed []int
	Verdict  domain.SanityCheck
	Cached   bool
	Updated  bool
	Err      error
}

// SanityService checks merged bugs and reports verdicts to the tracker.
type SanityService struct {
	client  api.Client
	checker Checker
	guard   Guard
	cache   *FileCache
	config  SanityServiceConfig
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	user string
}

// NewSanityService creates a new sanity service. A nil cache disables
// verdict caching.
func NewSanityService(client api.Client, checker Checker, guard Guard, cache *FileCache, config SanityServiceConfig, logger *zap.Logger) *SanityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SanityService{
		client:  client,
		checker: checker,
		guard:   guard,
		cache:   cache,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Prepare fetches id and everything it depends on, then returns the
// merged bug with keywords filled in from CC, and the ids merged into it.
func (s *SanityService) Prepare(ctx context.Context, id int) (domain.Bug, []int, error) {
	all, err := s.fetchClosure(ctx, []int{id}, domain.BugMap{})
	if err != nil {
		return domain.Bug{}, nil, err
	}
	return s.merge(all, id)
}

// Process checks the given bugs, or every open arch-testing bug if ids
// is empty. Bugs merged into another requested bug are checked as part
// of it.
//
// The run stops at the first error that leaves the repository unusable
// (a dirty or unrestorable work tree) or when ctx is cancelled; the
// results gathered so far are returned with that error. Other failures
// are recorded in the bug's Result.
func (s *SanityService) Process(ctx context.Context, ids []int) ([]Result, error) {
	known := domain.BugMap{}
	if len(ids) == 0 {
		found, err := s.findAll(ctx)
		if err != nil {
			return nil, err
		}
		for id, bug := range found {
			known[id] = bug
			ids = append(ids, id)
		}
	}

	all, err := s.fetchClosure(ctx, ids, known)
	if err != nil {
		return nil, err
	}

	records := map[int]CheckRecord{}
	if s.cache != nil {
		data, err := s.cache.Load()
		if err != nil {
			s.logger.Warn("Ignoring unreadable check cache", zap.Error(err))
		} else {
			records = data.Bugs
		}
	}
	defer s.saveRecords(records)

	var results []Result
	for _, root := range selectRoots(all, ids) {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := s.processBug(ctx, root, all, records)
		results = append(results, result)
		if result.Err == nil {
			continue
		}
		if fatal(ctx, result.Err) {
			return results, result.Err
		}
		s.logger.Error("Failed to process bug", zap.Int("bug", root), zap.Error(result.Err))
	}
	return results, nil
}

func (s *SanityService) processBug(ctx context.Context, id int, all domain.BugMap, records map[int]CheckRecord) Result {
	result := Result{ID: id}
	if _, ok := all[id]; !ok {
		result.Err = fmt.Errorf("bug %d: %w", id, bugs.ErrBugNotFound)
		return result
	}

	merged, absorbed, err := s.merge(all, id)
	if err != nil {
		result.Err = err
		return result
	}
	result.Absorbed = absorbed[1:]
	logger := s.logger.With(zap.Int("bug", id), zap.Ints("absorbed", result.Absorbed))

	if len(bugs.AtomLines(merged.Atoms)) == 0 {
		logger.Info("Skipping bug without atoms")
		result.Verdict = all[id].SanityCheck
		return result
	}

	fp := fingerprint(merged)
	var check CheckResult
	if record, ok := records[id]; ok && record.Fresh(fp, s.config.MaxAge, s.now()) {
		logger.Debug("Using cached verdict", zap.Time("checked_at", record.CheckedAt))
		check = CheckResult{Passed: record.Passed, Report: record.Report}
		result.Cached = true
	} else {
		err := s.guard.Do(ctx, func(ctx context.Context) error {
			var err error
			check, err = s.checker.Check(ctx, s.config.RepoPath, merged)
			return err
		})
		if err != nil {
			result.Err = fmt.Errorf("checking bug %d: %w", id, err)
			return result
		}
		records[id] = CheckRecord{
			Fingerprint: fp,
			Passed:      check.Passed,
			Report:      check.Report,
			CheckedAt:   s.now(),
		}
	}

	result.Verdict = domain.SanityFromBool(check.Passed)
	logger.Info("Sanity check finished", zap.Stringer("verdict", result.Verdict), zap.Bool("cached", result.Cached))

	updated, err := s.report(ctx, id, all[id].SanityCheck, check)
	result.Updated = updated
	if err != nil {
		result.Err = err
	}
	return result
}

// report brings the tracker in line with check. It returns true if the
// bug was updated.
func (s *SanityService) report(ctx context.Context, id int, current domain.SanityCheck, check CheckResult) (bool, error) {
	verdict := domain.SanityFromBool(check.Passed)
	var comment string
	if check.Passed {
		if current == domain.SanityPassed {
			return false, nil
		}
		if current == domain.SanityFailed {
			comment = ResolvedComment
		}
	} else {
		comment = FailureComment(check.Report)
		if current == domain.SanityFailed {
			repeated, err := s.alreadyReported(ctx, id, comment)
			if err != nil {
				return false, err
			}
			if repeated {
				return false, nil
			}
		}
	}

	if s.config.Pretend {
		s.logger.Info("Would update bug", zap.Int("bug", id), zap.Stringer("verdict", verdict))
		return false, nil
	}
	if err := s.client.UpdateStatus(ctx, id, verdict, comment); err != nil {
		return false, err
	}
	s.logger.Info("Updated bug", zap.Int("bug", id), zap.Stringer("verdict", verdict))
	return true, nil
}

// alreadyReported returns true if our latest comment on id says comment.
func (s *SanityService) alreadyReported(ctx context.Context, id int, comment string) (bool, error) {
	user, err := s.whoami(ctx)
	if err != nil {
		return false, err
	}
	latest, err := s.client.LatestComment(ctx, id, user)
	if err != nil {
		return false, err
	}
	return normalizeComment(latest) == normalizeComment(comment), nil
}

func (s *SanityService) whoami(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user != "" {
		return s.user, nil
	}
	user, err := s.client.Whoami(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get current user: %w", err)
	}
	s.user = user
	return user, nil
}

func (s *SanityService) merge(all domain.BugMap, id int) (domain.Bug, []int, error) {
	absorbed, err := bugs.Absorbed(all, id)
	if err != nil {
		return domain.Bug{}, nil, err
	}
	merged, err := bugs.Combine(all, id)
	if err != nil {
		return domain.Bug{}, nil, err
	}
	return bugs.FillKeywordsFromCC(merged, s.config.Arches), absorbed, nil
}

// findAll searches the configured categories concurrently.
func (s *SanityService) findAll(ctx context.Context) (domain.BugMap, error) {
	categories := s.config.Categories
	if len(categories) == 0 {
		categories = []domain.Category{domain.CategoryKeywordReq, domain.CategoryStableReq}
	}
	found := make([]domain.BugMap, len(categories))

	g, gCtx := errgroup.WithContext(ctx)
	for i, category := range categories {
		i, category := i, category
		g.Go(func() error {
			result, err := s.client.FindBugs(gCtx, category, s.config.SearchLimit)
			if err != nil {
				return err
			}
			found[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	all := domain.BugMap{}
	for _, result := range found {
		for id, bug := range result {
			all[id] = bug
		}
	}
	s.logger.Info("Found open bugs", zap.Int("count", len(all)))
	return all, nil
}

// fetchClosure adds ids and everything they depend on to known,
// fetching what is missing level by level.
func (s *SanityService) fetchClosure(ctx context.Context, ids []int, known domain.BugMap) (domain.BugMap, error) {
	requested := map[int]bool{}
	pending := append([]int(nil), ids...)
	for id, bug := range known {
		requested[id] = true
		pending = append(pending, bug.Depends...)
	}

	for {
		var missing []int
		for _, id := range pending {
			if !requested[id] {
				requested[id] = true
				missing = append(missing, id)
			}
		}
		if len(missing) == 0 {
			return known, nil
		}

		fetched, err := s.client.FetchBugs(ctx, missing)
		if err != nil {
			return nil, err
		}
		pending = nil
		for id, bug := range fetched {
			known[id] = bug
			pending = append(pending, bug.Depends...)
		}
	}
}

func (s *SanityService) saveRecords(records map[int]CheckRecord) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(&CacheData{Bugs: records}); err != nil {
		s.logger.Warn("Failed to save check cache", zap.Error(err))
	}
}

// selectRoots orders ids for processing. Ids no other id absorbs come
// first, ascending; ids left uncovered (dependency cycles) follow, each
// covering whatever it absorbs.
func selectRoots(all domain.BugMap, ids []int) []int {
	sorted := append([]int(nil), ids...)
	sort.Ints(sorted)

	orders := map[int][]int{}
	absorbedByOther := map[int]bool{}
	for _, id := range sorted {
		order, err := bugs.Absorbed(all, id)
		if err != nil {
			continue
		}
		orders[id] = order
		for _, other := range order[1:] {
			absorbedByOther[other] = true
		}
	}

	var roots []int
	covered := map[int]bool{}
	take := func(id int) {
		roots = append(roots, id)
		covered[id] = true
		for _, other := range orders[id] {
			covered[other] = true
		}
	}
	for _, id := range sorted {
		if !absorbedByOther[id] && !covered[id] {
			take(id)
		}
	}
	for _, id := range sorted {
		if !covered[id] {
			take(id)
		}
	}
	return roots
}

// fingerprint identifies what a check depends on.
func fingerprint(bug domain.Bug) string {
	h := sha256.New()
	h.Write([]byte(strings.Join(bugs.AtomLines(bug.Atoms), "\n")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(bug.CC, "\n")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// FailureComment formats a failed check report as a tracker comment.
func FailureComment(report string) string {
	var b strings.Builder
	b.WriteString("Sanity check failed:")
	b.WriteString(domain.LineTerminator)
	report = strings.TrimRight(report, " \t\r\n")
	if report == "" {
		return b.String()
	}
	b.WriteString(domain.LineTerminator)
	for _, line := range strings.Split(report, "\n") {
		b.WriteString("> ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteString(domain.LineTerminator)
	}
	return b.String()
}

func normalizeComment(s string) string {
	return strings.TrimRight(strings.ReplaceAll(s, "\r\n", "\n"), " \t\n")
}

// fatal returns true for errors that make further checks pointless.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, git.ErrDirtyWorkTree) ||
		errors.Is(err, git.ErrRestoreFailed) ||
		ctx.Err() != nil
}
