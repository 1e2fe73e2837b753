package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenRoundTrip(t *testing.T) {
	key := []byte("test-signing-key")
	tok := IssueToken(key, "alice", "hello:1.0.0", time.Now().Add(time.Hour))
	assert.True(t, VerifyToken(key, "alice", "hello:1.0.0", tok))
}

func TestTokenRejectsWrongTarget(t *testing.T) {
	key := []byte("test-signing-key")
	tok := IssueToken(key, "alice", "hello:1.0.0", time.Now().Add(time.Hour))
	assert.False(t, VerifyToken(key, "alice", "world:1.0.0", tok))
}

func TestTokenRejectsExpired(t *testing.T) {
	key := []byte("test-signing-key")
	tok := IssueToken(key, "alice", "hello:1.0.0", time.Now().Add(-time.Second))
	assert.False(t, VerifyToken(key, "alice", "hello:1.0.0", tok))
}

func TestTokenRejectsWrongKey(t *testing.T) {
	tok := IssueToken([]byte("key-a"), "alice", "hello:1.0.0", time.Now().Add(time.Hour))
	assert.False(t, VerifyToken([]byte("key-b"), "alice", "hello:1.0.0", tok))
}
