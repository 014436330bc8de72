package bugs

import (
	"strings"

	"github.com/vilaca/arch-tester/internal/domain"
)

// FillKeywordsFromCC appends keywords to every atom line that has none.
// The keywords are those of known that appear in the bug's CC list,
// either bare or as the local part of an address, in the order of known.
// Lines that already list keywords are left alone.
func FillKeywordsFromCC(bug domain.Bug, known []string) domain.Bug {
	result := bug.Clone()

	keywords := ccKeywords(bug.CC, known)
	if len(keywords) == 0 {
		return result
	}
	suffix := " " + strings.Join(keywords, " ")

	var out strings.Builder
	for _, line := range strings.SplitAfter(bug.Atoms, "\n") {
		if line == "" {
			continue
		}
		content, terminator := splitTerminator(line)
		if len(strings.Fields(content)) == 1 {
			content += suffix
		}
		out.WriteString(content)
		out.WriteString(terminator)
	}
	result.Atoms = out.String()
	return result
}

// AtomLines returns the non-empty atom lines of text with their
// terminators stripped.
func AtomLines(text string) []string {
	var lines []string
	for _, line := range strings.SplitAfter(text, "\n") {
		content, _ := splitTerminator(line)
		if strings.TrimSpace(content) != "" {
			lines = append(lines, content)
		}
	}
	return lines
}

// ArchesFromCC returns the local parts of CC entries, in CC order.
func ArchesFromCC(cc []string) []string {
	arches := make([]string, 0, len(cc))
	for _, entry := range cc {
		local, _, _ := strings.Cut(entry, "@")
		arches = append(arches, local)
	}
	return arches
}

func ccKeywords(cc, known []string) []string {
	present := make(map[string]bool, len(cc))
	for _, arch := range ArchesFromCC(cc) {
		present[arch] = true
	}
	var keywords []string
	for _, kw := range known {
		if present[kw] {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}

func splitTerminator(line string) (content, terminator string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	default:
		return line, ""
	}
}
