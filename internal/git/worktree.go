package git

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrDirtyWorkTree is matched by the error WorkTree.Do returns when
	// the tree already has uncommitted changes.
	ErrDirtyWorkTree = errors.New("work tree has uncommitted changes")
	// ErrRestoreFailed is matched by the error WorkTree.Do returns when
	// the tree could not be restored; its state is then unknown.
	ErrRestoreFailed = errors.New("work tree restoration failed")
)

// DirtyWorkTreeError reports a guard that refused to start.
type DirtyWorkTreeError struct {
	Path string
}

func (e *DirtyWorkTreeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, ErrDirtyWorkTree)
}

func (e *DirtyWorkTreeError) Is(target error) bool {
	return target == ErrDirtyWorkTree
}

// RestoreError reports a failed restoration. BodyErr holds whatever the
// guarded function failed with, if anything.
type RestoreError struct {
	Path    string
	Err     error
	BodyErr error
}

func (e *RestoreError) Error() string {
	msg := fmt.Sprintf("%s: %v: %v", e.Path, ErrRestoreFailed, e.Err)
	if e.BodyErr != nil {
		msg += fmt.Sprintf(" (while handling: %v)", e.BodyErr)
	}
	return msg
}

func (e *RestoreError) Is(target error) bool {
	return target == ErrRestoreFailed
}

func (e *RestoreError) Unwrap() []error {
	if e.BodyErr == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.BodyErr}
}

// WorkTree guards modifications to a clean work tree.
//
// Do refuses to run on a tree with uncommitted changes, and on every
// exit path (return, error, panic, cancellation) discards whatever the
// guarded function changed in tracked files. Files the function creates
// but never adds stay behind. There is no locking: only one WorkTree
// may guard a given checkout at a time.
type WorkTree struct {
	repo   *Repository
	logger *zap.Logger
}

// NewWorkTree returns a guard over repo. A nil logger disables logging.
func NewWorkTree(repo *Repository, logger *zap.Logger) *WorkTree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkTree{repo: repo, logger: logger}
}

// Do runs fn on the clean work tree and restores the tree afterwards.
//
// On a dirty tree it returns a *DirtyWorkTreeError without calling fn or
// changing anything. If restoration fails it returns a *RestoreError,
// which wraps fn's error too; otherwise it returns fn's error unchanged.
// A panic in fn is re-raised once the tree has been restored.
func (w *WorkTree) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	dirty, err := w.repo.IsDirty(ctx)
	if err != nil {
		return fmt.Errorf("checking work tree %s: %w", w.repo.Dir(), err)
	}
	if dirty {
		w.logger.Warn("Refusing to work on dirty work tree", zap.String("path", w.repo.Dir()))
		return &DirtyWorkTreeError{Path: w.repo.Dir()}
	}

	w.logger.Debug("Entered work tree", zap.String("path", w.repo.Dir()))
	defer func() {
		p := recover()
		restoreErr := w.repo.ResetChanges(context.WithoutCancel(ctx))
		if restoreErr == nil {
			w.logger.Debug("Restored work tree", zap.String("path", w.repo.Dir()))
			if p != nil {
				panic(p)
			}
			return
		}

		w.logger.Error("Failed to restore work tree",
			zap.String("path", w.repo.Dir()), zap.Error(restoreErr))
		rerr := &RestoreError{Path: w.repo.Dir(), Err: restoreErr, BodyErr: err}
		if p != nil {
			rerr.BodyErr = fmt.Errorf("panic: %v", p)
			panic(rerr)
		}
		err = rerr
	}()

	return fn(ctx)
}

// WithWorkTree guards fn on the work tree at path using default settings.
func WithWorkTree(ctx context.Context, path string, fn func(ctx context.Context) error) error {
	return NewWorkTree(NewRepository(directoryOf(path), 0), nil).Do(ctx, fn)
}
