package domain

// Tracker constants
const (
	// LineTerminator ends every atom line, as rendered by the tracker.
	LineTerminator = "\r\n"
	// SanityCheckFlag is the tracker flag holding the sanity-check verdict.
	SanityCheckFlag = "sanity-check"
)
