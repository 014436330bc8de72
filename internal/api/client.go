package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/vilaca/arch-tester/internal/domain"
)

// Client defines the interface for bug tracker clients.
// Consumers depend on this interface, not on a concrete tracker.
type Client interface {
	// Whoami returns the login of the authenticated user.
	Whoami(ctx context.Context) (string, error)

	// FetchBugs returns the arch-testing bugs with the given ids.
	// Ids that do not exist or are not arch-testing bugs are omitted.
	FetchBugs(ctx context.Context, ids []int) (domain.BugMap, error)

	// FindBugs returns up to limit open bugs of the given category.
	// A non-positive limit means no limit.
	FindBugs(ctx context.Context, category domain.Category, limit int) (domain.BugMap, error)

	// UpdateStatus records a sanity-check verdict, clearing it for
	// SanityUnknown, and posts comment when it is not empty.
	UpdateStatus(ctx context.Context, id int, verdict domain.SanityCheck, comment string) error

	// LatestComment returns the text of the newest comment on bug id
	// written by author, or "" if there is none.
	LatestComment(ctx context.Context, id int, author string) (string, error)
}

// ClientConfig holds common configuration for API clients.
type ClientConfig struct {
	BaseURL  string
	APIKey   string
	Username string // optional HTTP basic auth in front of the tracker
	Password string
}

// ErrNotFound is returned when the tracker reports a missing object.
var ErrNotFound = errors.New("not found")

// StatusError is returned when the tracker answers with an unexpected
// HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}
