package repository

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/npk-runtime/npkd/internal/manifest"
)

// Npk is an opened package: its manifest plus the verification verdict
// against the owning repository's key, if any.
type Npk struct {
	Path     string
	Manifest *manifest.Manifest
	Digest   string
	Verified bool
}

// manifestFileName names the manifest inside an .npk archive. Real archives bundle
// a filesystem image; this runtime treats the manifest file as the
// archive's sole required member and the remainder of the directory tree
// rooted at the archive as the container's filesystem image.
const manifestFileName = "manifest.yaml"

// openNpk reads the package at path, parses its manifest, and — when key
// is non-empty — verifies an HMAC-SHA256 signature carried in a sibling
// ".sig" file over the manifest bytes.
func openNpk(path string, key []byte) (*Npk, error) {
	manifestPath := filepath.Join(path, manifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	m, err := manifest.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	n := &Npk{Path: path, Manifest: m, Digest: digest}
	if len(key) == 0 {
		return n, nil
	}

	sigPath := path + ".sig"
	sig, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	expected := mac.Sum(nil)
	n.Verified = hmac.Equal(sig, expected)
	if !n.Verified {
		return nil, fmt.Errorf("%w: signature mismatch for %s", ErrVerification, path)
	}
	return n, nil
}
