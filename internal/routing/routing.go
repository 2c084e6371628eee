// Package routing implements the host -> rule list -> backend routing
// table (§4.F): exact host match, ordered rule evaluation with
// path/path_prefix/path_regexp precedence, and the three rewrite forms.
package routing

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNoDomain is returned by Select when the host has no routing entry.
var ErrNoDomain = errors.New("routing: no matching domain")

// MatchKind discriminates the three mutually-exclusive match forms a Rule
// may carry. Exactly one of the corresponding fields on Rule is set.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchPath
	MatchPathPrefix
	MatchPathRegexp
)

// Rule is one entry in a domain's ordered rule list.
type Rule struct {
	Path       string // exact path match
	PathPrefix string // prefix match
	PathRegexp string // regexp match against path+query

	Rewrite string // replacement template; empty means "keep incoming"
	Backend string // backend override; empty means use domain default

	compiled *regexp.Regexp
}

// Kind reports which match form this rule uses, honoring the documented
// precedence (path > path_prefix > path_regexp) when more than one field
// was mistakenly set.
func (r *Rule) Kind() MatchKind {
	switch {
	case r.Path != "":
		return MatchPath
	case r.PathPrefix != "":
		return MatchPathPrefix
	case r.PathRegexp != "":
		return MatchPathRegexp
	default:
		return MatchNone
	}
}

// Backend is a named upstream a domain's rules can select. NoCompression
// marks a backend that cannot accept compressed request bodies; the
// forwarder strips Accept-Encoding for it rather than leaking it.
type Backend struct {
	Name          string
	Address       string // host[:port]
	SSL           bool
	Default       bool
	NoCompression bool
}

// Domain is one routing table entry: a host bound to an ordered rule list
// and a set of candidate backends, exactly one of which is the default.
type Domain struct {
	Host     string
	Rules    []*Rule
	Backends map[string]*Backend
	Default  *Backend
}

// Table is the process-wide, read-only-after-init routing table.
type Table struct {
	domains map[string]*Domain
}

// NewTable compiles every path_regexp rule up front (pre-instance-style
// parse-and-link work done at startup, mirroring the WASM component
// pool's pre-instance discipline) and returns a ready-to-query Table.
func NewTable(domains []*Domain) (*Table, error) {
	idx := make(map[string]*Domain, len(domains))
	for _, d := range domains {
		for _, r := range d.Rules {
			if r.Kind() == MatchPathRegexp {
				re, err := regexp.Compile(r.PathRegexp)
				if err != nil {
					return nil, err
				}
				r.compiled = re
			}
		}
		idx[d.Host] = d
	}
	return &Table{domains: idx}, nil
}

// Result is the outcome of a successful Select.
type Result struct {
	Backend          *Backend
	OutboundPathQuery string
}

// Select implements §4.F: select(host, path_and_query) -> (backend, outbound_path_and_query).
func (t *Table) Select(host, pathAndQuery string) (Result, error) {
	d, ok := t.domains[host]
	if !ok {
		return Result{}, ErrNoDomain
	}

	path, _, _ := strings.Cut(pathAndQuery, "?")

	for _, r := range d.Rules {
		matched, out := applyRule(r, path, pathAndQuery)
		if !matched {
			continue
		}
		backend := d.Default
		if r.Backend != "" {
			if b, ok := d.Backends[r.Backend]; ok {
				backend = b
			}
		}
		return Result{Backend: backend, OutboundPathQuery: out}, nil
	}

	return Result{Backend: d.Default, OutboundPathQuery: pathAndQuery}, nil
}

// applyRule reports whether r matches, and the resulting outbound
// path+query after applying its rewrite semantics.
func applyRule(r *Rule, path, pathAndQuery string) (bool, string) {
	switch r.Kind() {
	case MatchPath:
		if path != r.Path {
			return false, pathAndQuery
		}
		if r.Rewrite == "" {
			return true, pathAndQuery
		}
		return true, r.Rewrite

	case MatchPathPrefix:
		if !strings.HasPrefix(path, r.PathPrefix) {
			return false, pathAndQuery
		}
		if r.Rewrite == "" {
			return true, pathAndQuery
		}
		return true, strings.Replace(pathAndQuery, r.PathPrefix, r.Rewrite, 1)

	case MatchPathRegexp:
		if r.compiled == nil || !r.compiled.MatchString(pathAndQuery) {
			return false, pathAndQuery
		}
		if r.Rewrite == "" {
			return true, pathAndQuery
		}
		loc := r.compiled.FindStringIndex(pathAndQuery)
		if loc == nil {
			return true, pathAndQuery
		}
		rewritten := r.compiled.ReplaceAllString(pathAndQuery[loc[0]:loc[1]], r.Rewrite)
		return true, pathAndQuery[:loc[0]] + rewritten + pathAndQuery[loc[1]:]

	default:
		return false, pathAndQuery
	}
}
