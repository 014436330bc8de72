// Package bugs merges linked arch-testing bugs into a single unit of work
// and repairs atom lines that lack keywords.
package bugs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vilaca/arch-tester/internal/domain"
)

// ErrBugNotFound is returned when the root bug is absent from the map.
var ErrBugNotFound = errors.New("bug not found")

// Combine merges root with every bug reachable through its dependency
// links whose category root's category absorbs. The bugs map is only
// read.
//
// Bugs are visited root first, then each dependency in listed order,
// depth first, and each bug at most once. The result carries the
// concatenated atoms, the union of CC lists, the folded sanity verdict
// and the strongest category. Links to bugs outside the merged set,
// including ids missing from the map, are kept in Blocks; Depends is
// always empty. A bug that absorbs nothing is returned unchanged.
func Combine(bugs domain.BugMap, root int) (domain.Bug, error) {
	order, err := Absorbed(bugs, root)
	if err != nil {
		return domain.Bug{}, err
	}
	rootBug := bugs[root]
	if len(order) == 1 {
		return rootBug.Clone(), nil
	}

	absorbed := make(map[int]bool, len(order))
	for _, id := range order {
		absorbed[id] = true
	}

	var atoms strings.Builder
	result := domain.Bug{
		Category:    rootBug.Category,
		CC:          []string{},
		Depends:     []int{},
		Blocks:      []int{},
		SanityCheck: rootBug.SanityCheck,
	}
	seenCC := make(map[string]bool)
	seenResidual := make(map[int]bool)

	for _, id := range order {
		bug := bugs[id]
		result.Category = result.Category.Strongest(bug.Category)
		result.SanityCheck = result.SanityCheck.Combine(bug.SanityCheck)
		appendAtoms(&atoms, bug.Atoms)

		for _, cc := range bug.CC {
			if !seenCC[cc] {
				seenCC[cc] = true
				result.CC = append(result.CC, cc)
			}
		}

		for _, links := range [][]int{bug.Depends, bug.Blocks} {
			for _, link := range links {
				if absorbed[link] || seenResidual[link] {
					continue
				}
				seenResidual[link] = true
				result.Blocks = append(result.Blocks, link)
			}
		}
	}

	result.Atoms = atoms.String()
	return result, nil
}

// Absorbed returns the ids of the bugs Combine would merge for root,
// root first, in traversal order.
func Absorbed(bugs domain.BugMap, root int) ([]int, error) {
	rootBug, ok := bugs[root]
	if !ok {
		return nil, fmt.Errorf("bug %d: %w", root, ErrBugNotFound)
	}
	if !rootBug.Category.Valid() {
		return nil, fmt.Errorf("bug %d: unknown category %q", root, rootBug.Category)
	}
	return absorbOrder(bugs, root), nil
}

// absorbOrder returns the ids of the bugs merged into root, in
// traversal order. It uses an explicit stack so that long or cyclic
// dependency chains cannot exhaust the call stack.
func absorbOrder(bugs domain.BugMap, root int) []int {
	category := bugs[root].Category
	visited := map[int]bool{}
	var order []int

	stack := []int{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		order = append(order, id)

		deps := bugs[id].Depends
		for i := len(deps) - 1; i >= 0; i-- {
			dep, ok := bugs[deps[i]]
			if !ok || visited[deps[i]] || !category.Absorbs(dep.Category) {
				continue
			}
			stack = append(stack, deps[i])
		}
	}
	return order
}

// appendAtoms appends text, making sure the previous bug's last line is
// terminated first.
func appendAtoms(b *strings.Builder, text string) {
	if text == "" {
		return
	}
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteString(domain.LineTerminator)
	}
	b.WriteString(text)
}
