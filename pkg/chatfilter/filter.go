// Package chatfilter masks configured patterns in chat messages.
package chatfilter

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Result describes one filtering pass. Filtered equals Original when Hit is false.
type Result struct {
	Original string
	Filtered string
	Hit      bool
}

// Filter replaces every match of its patterns with one '*' per rune.
type Filter struct {
	patterns []*regexp.Regexp
}

// New compiles patterns case-insensitively. Empty patterns are skipped.
func New(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid filter pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Filter applies every pattern in order.
func (f *Filter) Filter(text string) Result {
	out := text
	for _, re := range f.patterns {
		out = re.ReplaceAllStringFunc(out, func(m string) string {
			return strings.Repeat("*", utf8.RuneCountInString(m))
		})
	}
	return Result{
		Original: text,
		Filtered: out,
		Hit:      out != text,
	}
}
