package fuzzy

import (
	"sort"
	"strings"
)

// Hasher defines a fuzzy hashing implementation.
type Hasher interface {
	Name() string
	// MinSize is the smallest input the algorithm can digest.
	MinSize() int
	HashBytes(data []byte) (string, error)
}

var registry = map[string]Hasher{}

// Register adds a fuzzy hasher to the registry.
func Register(hasher Hasher) {
	if hasher == nil {
		return
	}
	registry[strings.ToLower(hasher.Name())] = hasher
}

// Lookup returns a registered hasher by name.
func Lookup(name string) (Hasher, bool) {
	hasher, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return hasher, ok
}

// Available returns the sorted names of registered hashers.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HashAll runs every named hasher over data and skips those that fail or
// that need more input than is available.
func HashAll(data []byte, names []string) map[string]string {
	results := make(map[string]string, len(names))
	for _, name := range names {
		hasher, ok := Lookup(name)
		if !ok || len(data) < hasher.MinSize() {
			continue
		}
		digest, err := hasher.HashBytes(data)
		if err != nil || digest == "" {
			continue
		}
		results[hasher.Name()] = digest
	}
	return results
}
