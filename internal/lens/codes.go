package lens

import (
	"fmt"
	"sync"

	"github.com/jaevor/go-nanoid"
)

const (
	// CodeAlphabet is uppercase A-Z without I and O, plus digits 2-9.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// ShortAlphabet is mixed case without l, I and O, plus digits 1-9.
	ShortAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ123456789"

	CodeLength  = 6
	ShortLength = 7

	// maxDrawsPerLength bounds collision retries before growing the code.
	maxDrawsPerLength = 16
	// lengthSteps is how many times a code may grow by two characters.
	lengthSteps = 2
)

// CodeSource draws a random string of the given length from alphabet.
type CodeSource func(alphabet string, length int) (string, error)

type generatorKey struct {
	alphabet string
	length   int
}

// nanoidSource caches one nanoid generator per (alphabet, length).
type nanoidSource struct {
	mu   sync.Mutex
	gens map[generatorKey]func() string
}

func newNanoidSource() *nanoidSource {
	return &nanoidSource{gens: make(map[generatorKey]func() string)}
}

func (s *nanoidSource) draw(alphabet string, length int) (string, error) {
	k := generatorKey{alphabet: alphabet, length: length}
	s.mu.Lock()
	gen, ok := s.gens[k]
	if !ok {
		g, err := nanoid.CustomASCII(alphabet, length)
		if err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("nanoid generator (len=%d): %w", length, err)
		}
		gen = g
		s.gens[k] = gen
	}
	s.mu.Unlock()
	return gen(), nil
}

// uniqueCode draws codes until taken reports false. Each length gets a bounded
// number of draws; on exhaustion the length grows by two.
func uniqueCode(src CodeSource, alphabet string, length int, taken func(string) bool) (string, error) {
	for step := 0; step <= lengthSteps; step++ {
		n := length + 2*step
		for i := 0; i < maxDrawsPerLength; i++ {
			c, err := src(alphabet, n)
			if err != nil {
				return "", err
			}
			if !taken(c) {
				return c, nil
			}
		}
	}
	return "", ErrCodeSpace
}
