// Package filter decides whether a comment should trigger a message.
package filter

import (
	"strings"
)

// Reject reasons, stored on ignored records.
const (
	ReasonUnconfigured = "unconfigured"
	ReasonBanned       = "banned"
	ReasonNoMatch      = "no_match"
)

// Rules are the keyword and banned-word sets for one post.
type Rules struct {
	Keywords []string
	Banned   []string
}

// Decision is the outcome of Decide. Reason is empty when Accepted.
type Decision struct {
	Accepted bool
	Reason   string
}

func accept() Decision { return Decision{Accepted: true} }

func reject(reason string) Decision { return Decision{Reason: reason} }

// Decide matches text against the rules. Matching is a case-insensitive
// substring test. Banned terms are checked before keywords.
func Decide(text string, rules Rules) Decision {
	keywords := normalize(rules.Keywords)
	if len(keywords) == 0 {
		return reject(ReasonUnconfigured)
	}

	lower := strings.ToLower(text)

	for _, term := range normalize(rules.Banned) {
		if strings.Contains(lower, term) {
			return reject(ReasonBanned)
		}
	}

	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return accept()
		}
	}

	return reject(ReasonNoMatch)
}

// RulesFor builds the rules for a post. A non-empty post keyword (comma
// separated for several) replaces the default keywords.
func RulesFor(postKeyword string, defaults, banned []string) Rules {
	keywords := defaults
	if kws := Split(postKeyword); len(kws) > 0 {
		keywords = kws
	}
	return Rules{Keywords: keywords, Banned: banned}
}

// Split splits a comma separated keyword list.
func Split(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalize lowercases terms and drops blanks so an all-blank list counts
// as unconfigured.
func normalize(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
