package domain

import "fmt"

// Category classifies what change a bug requests.
type Category string

const (
	CategoryKeywordReq Category = "KEYWORDREQ"
	CategoryStableReq  Category = "STABLEREQ"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryKeywordReq || c == CategoryStableReq
}

// Absorbs reports whether a bug of category c may pull a linked bug of
// category other into the same unit of work. A stabilization already
// implies the keyword, so STABLEREQ absorbs both categories while
// KEYWORDREQ absorbs only KEYWORDREQ.
func (c Category) Absorbs(other Category) bool {
	switch c {
	case CategoryStableReq:
		return other.Valid()
	case CategoryKeywordReq:
		return other == CategoryKeywordReq
	default:
		return false
	}
}

// Strongest returns the dominant of the two categories.
func (c Category) Strongest(other Category) Category {
	if c == CategoryStableReq || other == CategoryStableReq {
		return CategoryStableReq
	}
	return c
}

// ParseCategory converts a category name back to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown bug category %q", s)
	}
	return c, nil
}

// SanityCheck is the tri-state verdict of the automated sanity checker.
// The zero value means the bug has not been checked yet.
type SanityCheck int

const (
	SanityUnknown SanityCheck = iota
	SanityPassed
	SanityFailed
)

// Combine folds two verdicts: a failure can never be hidden, an
// unchecked constituent makes the whole unknown, and the result passes
// only when both pass.
func (s SanityCheck) Combine(other SanityCheck) SanityCheck {
	switch {
	case s == SanityFailed || other == SanityFailed:
		return SanityFailed
	case s == SanityUnknown || other == SanityUnknown:
		return SanityUnknown
	default:
		return SanityPassed
	}
}

// SanityFromBool maps a plain verdict onto the tri-state.
func SanityFromBool(passed bool) SanityCheck {
	if passed {
		return SanityPassed
	}
	return SanityFailed
}

func (s SanityCheck) String() string {
	switch s {
	case SanityPassed:
		return "passed"
	case SanityFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Bug represents one tracker bug relevant to arch testing.
// Values are never modified after construction; transforms return new ones.
type Bug struct {
	Category    Category
	Atoms       string   // CRLF-terminated "<atom> [keyword...]" lines
	CC          []string // addresses or bare arch names, tracker order
	Depends     []int
	Blocks      []int
	SanityCheck SanityCheck
}

// Clone returns a copy of b that shares no slices with it.
func (b Bug) Clone() Bug {
	return Bug{
		Category:    b.Category,
		Atoms:       b.Atoms,
		CC:          cloneSlice(b.CC),
		Depends:     cloneSlice(b.Depends),
		Blocks:      cloneSlice(b.Blocks),
		SanityCheck: b.SanityCheck,
	}
}

// BugMap maps bug ids to bugs, as fetched for one run.
type BugMap map[int]Bug

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
