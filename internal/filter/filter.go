// Package filter rejects message content that violates the content policy.
package filter

import (
	"fmt"
	"strings"
)

// ContentFilter checks message content. A nil error means the content is
// acceptable; otherwise the error is a *Violation.
type ContentFilter interface {
	Check(content string) error
}

// Violation describes why content was rejected.
type Violation struct {
	Term string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("message contains banned word: %s", v.Term)
}

// BannedWords rejects content containing any configured term, compared
// case-insensitively as a substring.
type BannedWords struct {
	terms []string
}

var _ ContentFilter = (*BannedWords)(nil)

// NewBannedWords builds a filter from terms. Empty terms are ignored and
// duplicates collapse.
func NewBannedWords(terms []string) *BannedWords {
	seen := make(map[string]struct{}, len(terms))
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
	}
	return &BannedWords{terms: out}
}

// Check reports the first banned term found in content.
func (b *BannedWords) Check(content string) error {
	lowered := strings.ToLower(content)
	for _, term := range b.terms {
		if strings.Contains(lowered, term) {
			return &Violation{Term: term}
		}
	}
	return nil
}

// Func adapts an ordinary function to ContentFilter, for plugging in an
// external validator.
type Func func(content string) error

func (f Func) Check(content string) error { return f(content) }
