// Package redirect holds the ordered path redirection rules consulted by
// filesystem-facing hooks.
package redirect

import (
	"errors"
	"strings"
	"sync"
)

// ErrEmptyPath is returned when a rule has an empty source or target.
var ErrEmptyPath = errors.New("empty rule path")

// Rule rewrites paths starting with Source to start with Target instead.
type Rule struct {
	Source string
	Target string
}

// Store is an append-only, ordered rule table. It is safe for concurrent
// use; lookups vastly outnumber appends.
type Store struct {
	mu    sync.RWMutex
	rules []Rule
}

// New returns a store seeded with rules, in order.
func New(rules ...Rule) (*Store, error) {
	s := &Store{}
	for _, r := range rules {
		if err := s.Add(r.Source, r.Target); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a rule. Rules are never removed.
func (s *Store) Add(source, target string) error {
	if source == "" || target == "" {
		return ErrEmptyPath
	}
	s.mu.Lock()
	s.rules = append(s.rules, Rule{Source: source, Target: target})
	s.mu.Unlock()
	return nil
}

// Resolve rewrites path with the first rule, in insertion order, whose
// source is a prefix of path. Matching is on raw string prefixes, so
// "/data/a" also matches "/data/abc". Without a match path is returned
// unchanged.
func (s *Store) Resolve(path string) string {
	out, _ := s.Match(path)
	return out
}

// Match is Resolve that also reports whether a rule matched.
func (s *Store) Match(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if strings.HasPrefix(path, r.Source) {
			return r.Target + path[len(r.Source):], true
		}
	}
	return path, false
}

// Rules returns a snapshot of the rules in insertion order.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}
