// Package resolver implements gup's target resolution: given a target
// path, walk the filesystem for the unique authoritative build script,
// either a direct "*.gup" sibling or an indirect Gupfile pattern rule.
package resolver

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// GupfileName is the indirect rule file gup searches for in every ancestor.
const GupfileName = "Gupfile"

// rule is one pattern-to-script mapping block: a script name followed by
// indented include/exclude patterns.
type rule struct {
	script   string
	includes []pattern
	excludes []pattern
}

// pattern is one Gupfile glob line. Only "*" (matches anything but '/') and
// "**" (matches anything, including '/') are metacharacters - everything
// else, including regex/glob-looking characters such as '?', '[', and '{',
// is matched literally. A general-purpose glob library's wider
// metacharacter set would change what existing patterns match.
type pattern struct {
	text string // without the leading '!'
	re   *regexp.Regexp
}

func newPattern(text string) (pattern, error) {
	re, err := compileGlob(text)
	if err != nil {
		return pattern{}, fmt.Errorf("resolver: invalid pattern %q: %w", text, err)
	}
	return pattern{text: text, re: re}, nil
}

// isExact reports whether p has no glob metacharacters, i.e. it can only
// ever match one literal target name - used to enforce the "Gupfile/*.gup
// can only be built by an exact rule" edge case.
func (p pattern) isExact() bool {
	return !strings.Contains(p.text, "*")
}

func (p pattern) match(name string) bool {
	return p.re.MatchString(name)
}

// compileGlob translates a Gupfile pattern into an anchored regexp: a run
// of "*" not part of "**" becomes "[^/]*", a "**" becomes ".*", and every
// other character is escaped literally via regexp.QuoteMeta.
func compileGlob(text string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(text); {
		if text[i] != '*' {
			j := i
			for j < len(text) && text[j] != '*' {
				j++
			}
			b.WriteString(regexp.QuoteMeta(text[i:j]))
			i = j
			continue
		}
		if i+1 < len(text) && text[i+1] == '*' {
			b.WriteString(".*")
			i += 2
		} else {
			b.WriteString("[^/]*")
			i++
		}
	}
	b.WriteByte('$')
	return regexp.Compile(b.String())
}

// Gupfile is a parsed rule file. Resolve caches it by path for the length
// of one call, so candidates sharing it don't re-read and re-parse it; a
// later Resolve call reads it afresh.
type Gupfile struct {
	Path  string // absolute path to the Gupfile itself
	Dir   string // Path's directory
	rules []rule
}

// ParseGupfile reads and parses a Gupfile's contents. The grammar is
// line-oriented: a non-indented line ending in ':' starts a new rule block
// naming a script (relative to the Gupfile, or "!name" for a $PATH
// lookup); subsequent indented lines are patterns, optionally prefixed
// with '!' for an exclude. A '#' at column 0 starts a comment line (inline
// '#' is not special).
func ParseGupfile(r io.Reader) ([]rule, error) {
	sc := bufio.NewScanner(r)
	var rules []rule
	var current *rule
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		if strings.HasPrefix(raw, "#") {
			continue
		}
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		indented := len(raw) > 0 && (raw[0] == ' ' || raw[0] == '\t')
		if !indented {
			if !strings.HasSuffix(trimmed, ":") {
				return nil, fmt.Errorf("resolver: line %d: expected a script name ending in ':': %q", lineNo, raw)
			}
			if current != nil {
				rules = append(rules, *current)
			}
			current = &rule{script: strings.TrimSpace(strings.TrimSuffix(trimmed, ":"))}
			continue
		}
		if current == nil {
			return nil, fmt.Errorf("resolver: line %d: pattern with no preceding script name: %q", lineNo, raw)
		}
		text := trimmed
		excl := strings.HasPrefix(text, "!")
		if excl {
			text = strings.TrimPrefix(text, "!")
		}
		p, err := newPattern(text)
		if err != nil {
			return nil, fmt.Errorf("resolver: line %d: %w", lineNo, err)
		}
		if excl {
			current.excludes = append(current.excludes, p)
		} else {
			current.includes = append(current.includes, p)
		}
	}
	if current != nil {
		rules = append(rules, *current)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// loadGupfile reads and parses the Gupfile at p.
func loadGupfile(p string) (*Gupfile, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rules, err := ParseGupfile(f)
	if err != nil {
		return nil, err
	}
	return &Gupfile{Path: p, Dir: filepath.Dir(p), rules: rules}, nil
}

// match reports whether name (normalized to '/' separators) is matched by r.
// In the ordinary case, a match requires at least one include pattern to
// match and no exclude pattern to match. When exactOnly is set (the target
// is itself a Gupfile or *.gup file, the "can't be cannibalized by a
// wildcard" edge case), only a literal, non-glob include naming name exactly
// counts as a match, and excludes are not consulted at all.
func (r rule) match(name string, exactOnly bool) bool {
	if exactOnly {
		for _, inc := range r.includes {
			if inc.isExact() && inc.text == name {
				return true
			}
		}
		return false
	}

	matched := false
	for _, inc := range r.includes {
		if inc.match(name) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, exc := range r.excludes {
		if exc.match(name) {
			return false
		}
	}
	return true
}

// builderFor returns the script name for the first rule block in g matching
// name, or "" if none match.
func (g *Gupfile) builderFor(name string, exactOnly bool) (string, error) {
	for _, r := range g.rules {
		if r.match(name, exactOnly) {
			return r.script, nil
		}
	}
	return "", nil
}
