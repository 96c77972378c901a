// Package names generates memorable agent names such as "BlueLake".
package names

import (
	"math/rand/v2"
	"strings"
	"sync"
	"unicode"
)

var (
	adjectives = []string{
		"Amber", "Blue", "Bold", "Brave", "Bright", "Calm", "Clever", "Coral",
		"Crimson", "Dusty", "Eager", "Fierce", "Gentle", "Golden", "Green", "Grey",
		"Hidden", "Indigo", "Jade", "Keen", "Lucky", "Misty", "Noble", "Olive",
		"Quiet", "Rapid", "Red", "Rustic", "Silent", "Silver", "Swift", "Wild",
	}

	nouns = []string{
		"Badger", "Brook", "Canyon", "Castle", "Cedar", "Cliff", "Comet", "Creek",
		"Dune", "Falcon", "Fern", "Fjord", "Forest", "Fox", "Glacier", "Harbor",
		"Hawk", "Heron", "Island", "Lake", "Meadow", "Mesa", "Mountain", "Otter",
		"Pine", "Prairie", "Raven", "Reef", "Ridge", "River", "Stone", "Summit",
	}
)

var (
	mu  sync.Mutex
	rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
)

// Generate returns an adjective followed by a noun. There are 1024
// combinations; callers check for collisions.
func Generate() string {
	mu.Lock()
	defer mu.Unlock()
	return adjectives[rng.IntN(len(adjectives))] + nouns[rng.IntN(len(nouns))]
}

// Seed makes Generate deterministic.
func Seed(a, b uint64) {
	mu.Lock()
	defer mu.Unlock()
	rng = rand.New(rand.NewPCG(a, b))
}

// Valid reports whether name is usable as an agent name: 1 to 64 letters,
// digits, '-', '_' or '.', starting with a letter or digit.
func Valid(name string) bool {
	if name == "" || len(name) > 64 || strings.TrimSpace(name) != name {
		return false
	}
	for i, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
		case i > 0 && (r == '-' || r == '_' || r == '.'):
		default:
			return false
		}
	}
	return true
}
