package dataset

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultSeparator = "_"

// DefaultTokens are the manhole categories the corpus was collected with.
var DefaultTokens = []string{"well0", "well1", "well2", "well3", "well4", "well5"}

// Categories resolves file names to category tokens. A name belongs to a
// category when it starts with the token, the separator and a digit, as in
// "well3_0042.jpg" or "well3_0042_augmented_1.jpg".
type Categories struct {
	tokens    []string
	separator string
	pattern   *regexp.Regexp
}

func NewCategories(tokens []string, separator string) (*Categories, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("at least one category token is required")
	}
	if separator == "" {
		separator = DefaultSeparator
	}
	seen := make(map[string]bool, len(tokens))
	quoted := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			return nil, fmt.Errorf("empty category token")
		}
		if seen[t] {
			return nil, fmt.Errorf("duplicate category token %q", t)
		}
		seen[t] = true
		quoted = append(quoted, regexp.QuoteMeta(t))
	}
	re, err := regexp.Compile(`^(` + strings.Join(quoted, "|") + `)` + regexp.QuoteMeta(separator) + `\d`)
	if err != nil {
		return nil, err
	}
	return &Categories{
		tokens:    append([]string(nil), tokens...),
		separator: separator,
		pattern:   re,
	}, nil
}

// DefaultCategories returns the well0..well5 set.
func DefaultCategories() *Categories {
	c, _ := NewCategories(DefaultTokens, DefaultSeparator)
	return c
}

// Key returns the category of name, or false when it matches none.
func (c *Categories) Key(name string) (string, bool) {
	m := c.pattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Tokens returns the configured tokens in declaration order.
func (c *Categories) Tokens() []string {
	return append([]string(nil), c.tokens...)
}

func (c *Categories) Separator() string {
	return c.separator
}

// SerialName builds "{token}{sep}{NNNN}" for the category at index.
func (c *Categories) SerialName(index, serial int) (string, bool) {
	if index < 0 || index >= len(c.tokens) {
		return "", false
	}
	return fmt.Sprintf("%s%s%04d", c.tokens[index], c.separator, serial), true
}
