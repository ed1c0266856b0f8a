package bus

import (
	"fmt"
	"strings"
)

// Patterns route tasks by action. A pattern is a dot-separated sequence of
// segments where "*" matches exactly one segment and "**" matches any suffix
// (including the empty one). Specificity orders overlapping patterns for
// Request and Send: a pattern ranks by wildcard weight (each "*" counts 1,
// each "**" counts 2), lower weight being more specific, so "a.b.c" beats
// "a.*.c" and "a.*.c" beats "a.**". Equal weights are ambiguous.
type pattern struct {
	raw      string
	segments []string
	weight   int
	wildcard bool
}

func parsePattern(raw string) (pattern, error) {
	if raw == "" {
		return pattern{}, fmt.Errorf("pattern is required")
	}
	segs := strings.Split(raw, ".")
	p := pattern{raw: raw, segments: segs}
	for _, seg := range segs {
		switch {
		case seg == "":
			return pattern{}, fmt.Errorf("pattern %q has an empty segment", raw)
		case seg == "*":
			p.weight++
			p.wildcard = true
		case seg == "**":
			p.weight += 2
			p.wildcard = true
		case strings.ContainsAny(seg, "*"):
			return pattern{}, fmt.Errorf("pattern %q mixes literals and wildcards in segment %q", raw, seg)
		}
	}
	return p, nil
}

// matches reports whether the action matches the pattern. Actions are plain
// dot-separated strings; wildcard characters in actions are not special.
func (p pattern) matches(action string) bool {
	if action == "" {
		return false
	}
	if !p.wildcard {
		return p.raw == action
	}
	return matchSegments(p.segments, strings.Split(action, "."))
}

func matchSegments(pat, act []string) bool {
	if len(pat) == 0 {
		return len(act) == 0
	}
	if pat[0] == "**" {
		if len(pat) == 1 {
			return true
		}
		for i := 0; i <= len(act); i++ {
			if matchSegments(pat[1:], act[i:]) {
				return true
			}
		}
		return false
	}
	if len(act) == 0 {
		return false
	}
	if pat[0] == "*" || pat[0] == act[0] {
		return matchSegments(pat[1:], act[1:])
	}
	return false
}
