package console

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"

	"github.com/npk-runtime/npkd/internal/manifest"
)

// PeerKind discriminates the two kinds of console client identity.
type PeerKind int

const (
	PeerExtern PeerKind = iota
	PeerContainer
)

// Peer identifies the other end of a console connection.
type Peer struct {
	Kind     PeerKind
	URL      string
	Identity manifest.Identity
}

// tokenLen is the fixed wire size of a peer token: a 32-byte HMAC-SHA256
// tag over (user, target, validity window) plus an 8-byte big-endian
// window-expiry timestamp.
const tokenLen = 40

var ErrInvalidToken = errors.New("console: invalid or expired peer token")

// IssueToken derives a 40-byte keyed tag binding user to target, valid
// until validUntil.
func IssueToken(key []byte, user, target string, validUntil time.Time) [tokenLen]byte {
	var out [tokenLen]byte
	window := uint64(validUntil.Unix())

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(user))
	mac.Write([]byte{0})
	mac.Write([]byte(target))
	mac.Write([]byte{0})
	var windowBytes [8]byte
	binary.BigEndian.PutUint64(windowBytes[:], window)
	mac.Write(windowBytes[:])

	copy(out[:32], mac.Sum(nil))
	copy(out[32:], windowBytes[:])
	return out
}

// VerifyToken recomputes the tag for (user, target) and checks the
// embedded validity window hasn't elapsed.
func VerifyToken(key []byte, user, target string, token [tokenLen]byte) bool {
	window := binary.BigEndian.Uint64(token[32:])
	if time.Now().Unix() > int64(window) {
		return false
	}
	expected := IssueToken(key, user, target, time.Unix(int64(window), 0))
	return hmac.Equal(expected[:32], token[:32])
}
