package ids

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const ownerPrefixLen = 8

// Generator hands out object ids of the form "<owner prefix>-<ulid>".
// The ULID is monotonic within one generator, so ids from one client never
// collide even within the same millisecond, and the owner prefix keeps
// clients apart.
type Generator struct {
	mu      sync.Mutex
	prefix  string
	entropy io.Reader
	now     func() time.Time
}

func NewGenerator(ownerID string) *Generator {
	return &Generator{
		prefix:  OwnerPrefix(ownerID),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewGeneratorWith is NewGenerator with injectable entropy and time, for
// reproducible ids in tests and replays.
func NewGeneratorWith(ownerID string, entropy io.Reader, now func() time.Time) *Generator {
	return &Generator{
		prefix:  OwnerPrefix(ownerID),
		entropy: ulid.Monotonic(entropy, 0),
		now:     now,
	}
}

func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(g.now()), g.entropy)
	if err != nil {
		return "", err
	}
	return g.prefix + "-" + strings.ToLower(id.String()), nil
}

// OwnerPrefix is the short, id-safe form of a client identity.
func OwnerPrefix(ownerID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ownerID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			if b.Len() == ownerPrefixLen {
				break
			}
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

// Owner extracts the owner prefix from an id produced by a Generator.
func Owner(id string) (string, bool) {
	prefix, rest, ok := strings.Cut(id, "-")
	if !ok || prefix == "" || len(rest) != ulid.EncodedSize {
		return "", false
	}
	if _, err := ulid.ParseStrict(strings.ToUpper(rest)); err != nil {
		return "", false
	}
	return prefix, true
}
