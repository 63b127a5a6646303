// Package id provides centralized ID and token generation for the broker.
//
// Recording sessions and stored chunks use prefixed ULIDs: lexicographic
// sortability gives timeline queries for free and the prefix keeps logs
// readable. Sentinel tokens come from crypto/rand and are never reused
// across bots.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SessionID identifies a recording session.
type SessionID string

// ChunkID identifies a stored recording chunk.
type ChunkID string

// TaskID identifies a remote navigation task.
type TaskID string

const (
	SessionPrefix = "rec"
	ChunkPrefix   = "chk"
	TaskPrefix    = "nav"
)

// Generator generates ULIDs with optional prefixes.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a new ULID generator backed by crypto/rand.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateString creates a new ULID as a string.
func (g *Generator) GenerateString() string {
	return g.Generate().String()
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.GenerateString())
}

// NewSessionID generates a new recording session ID.
func NewSessionID() SessionID {
	return SessionID(Default().GenerateWithPrefix(SessionPrefix))
}

// NewChunkID generates a new chunk ID.
func NewChunkID() ChunkID {
	return ChunkID(Default().GenerateWithPrefix(ChunkPrefix))
}

// NewTaskID generates a new navigation task ID.
func NewTaskID() TaskID {
	return TaskID(Default().GenerateWithPrefix(TaskPrefix))
}

func (id SessionID) String() string { return string(id) }
func (id ChunkID) String() string   { return string(id) }
func (id TaskID) String() string    { return string(id) }

// IsValid checks whether the part after the prefix is a valid ULID.
func IsValid(id string) bool {
	if i := len(id) - 26; i > 0 && id[i-1] == '_' {
		id = id[i:]
	}
	_, err := ulid.Parse(id)
	return err == nil
}

// tokenAlphabet matches the character set the remote agents use for
// their own sentinel tokens.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// SecureToken returns a random token of n characters from a
// cryptographically strong source. It panics if the source fails, since
// a guessable token would silently break the placeholder sentinel gate.
func SecureToken(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(fmt.Sprintf("id: entropy source failed: %v", err))
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf)
}
