package routes

import (
	"context"
	"fmt"
	"strings"
)

// MemoryStore holds routing rules parsed from a static string. Useful for
// tests and for running without a database.
type MemoryStore struct {
	rules map[string]string
}

// NewMemoryStore parses rules of the form "tag=host:port,tag2=host2:port2".
func NewMemoryStore(rules string) (*MemoryStore, error) {
	parsed := make(map[string]string)
	for _, entry := range strings.Split(rules, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		tag, addr, ok := strings.Cut(entry, "=")
		if !ok || tag == "" || addr == "" {
			return nil, fmt.Errorf("invalid static route %q, want tag=host:port", entry)
		}
		parsed[tag] = addr
	}
	return &MemoryStore{rules: parsed}, nil
}

// Resolve looks up the backend host for tag.
func (s *MemoryStore) Resolve(_ context.Context, tag string) (string, error) {
	addr, ok := s.rules[tag]
	if !ok {
		return "", ErrNoRoute
	}
	return addr, nil
}
