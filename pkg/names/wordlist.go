package names

import (
	"bufio"
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"iter"
	"math/rand/v2"
	"os"
	"regexp"
	"strings"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

//go:embed words.txt
var defaultWords string

// DefaultLimit bounds how many candidates one sequence yields.
const DefaultLimit = 1000

const maxDrawsPerCandidate = 50

var localPartPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._-]{0,62}[a-z0-9])?$`)

// ValidLocalPart reports whether s is an acceptable alias local-part.
func ValidLocalPart(s string) bool {
	return localPartPattern.MatchString(s) && !strings.Contains(s, "..")
}

// WordlistGenerator derives local-parts from a vocabulary. The sequence for a
// domain is fully determined by the seed and the domain name.
type WordlistGenerator struct {
	words     []string
	seed      uint64
	separator string
	limit     int
}

var _ engine.NameGenerator = (*WordlistGenerator)(nil)

// WordlistOption configures a WordlistGenerator.
type WordlistOption func(*WordlistGenerator)

// WithWords replaces the built-in vocabulary.
func WithWords(words []string) WordlistOption {
	return func(g *WordlistGenerator) { g.words = words }
}

// WithSeed sets the seed mixed into every domain's sequence.
func WithSeed(seed uint64) WordlistOption {
	return func(g *WordlistGenerator) { g.seed = seed }
}

// WithSeparator sets the string between the two words of a candidate.
func WithSeparator(sep string) WordlistOption {
	return func(g *WordlistGenerator) { g.separator = sep }
}

// WithLimit bounds the number of candidates per sequence.
func WithLimit(n int) WordlistOption {
	return func(g *WordlistGenerator) { g.limit = n }
}

// NewWordlistGenerator creates a generator over the built-in vocabulary unless
// WithWords is given.
func NewWordlistGenerator(opts ...WordlistOption) (*WordlistGenerator, error) {
	g := &WordlistGenerator{
		separator: ".",
		limit:     DefaultLimit,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.words == nil {
		g.words = parseWords(defaultWords)
	}

	words := make([]string, 0, len(g.words))
	seen := make(map[string]bool, len(g.words))
	for _, w := range g.words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" || seen[w] {
			continue
		}
		if !ValidLocalPart(w) {
			return nil, fmt.Errorf("invalid word %q in vocabulary", w)
		}
		seen[w] = true
		words = append(words, w)
	}
	if len(words) < 2 {
		return nil, fmt.Errorf("vocabulary needs at least 2 words, got %d", len(words))
	}
	if g.limit <= 0 {
		g.limit = DefaultLimit
	}
	g.words = words
	return g, nil
}

// LoadWords reads a newline-delimited vocabulary file. Blank lines and lines
// starting with # are ignored.
func LoadWords(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wordlist: %w", err)
	}
	return parseWords(string(data)), nil
}

func parseWords(text string) []string {
	var words []string
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, line)
	}
	return words
}

// Candidates yields up to the configured limit of distinct local-parts. Once
// every two-word pair is used it falls back to numbered pairs. A small
// vocabulary may end the sequence early.
func (g *WordlistGenerator) Candidates(ctx context.Context, domain string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rng := rand.New(rand.NewPCG(g.seed, domainSeed(domain)))
		seen := make(map[string]bool)
		pairs := len(g.words) * (len(g.words) - 1)

		for emitted, draws := 0, 0; emitted < g.limit && draws < g.limit*maxDrawsPerCandidate; draws++ {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			a := g.words[rng.IntN(len(g.words))]
			b := g.words[rng.IntN(len(g.words))]
			if a == b {
				continue
			}
			name := a + g.separator + b
			if len(seen) >= pairs {
				name = fmt.Sprintf("%s%d", name, rng.IntN(1000))
			}
			if seen[name] || !ValidLocalPart(name) {
				continue
			}
			seen[name] = true
			emitted++
			if !yield(name, nil) {
				return
			}
		}
	}
}

func domainSeed(domain string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(domain)))
	return h.Sum64()
}
