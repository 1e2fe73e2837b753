// Package repository manages a directory of content-addressed package
// files: scanning, parallel verification, installation, and removal.
package repository

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/npk-runtime/npkd/internal/log"
	"github.com/npk-runtime/npkd/internal/manifest"
)

// Repository is an immutable-once-returned snapshot of one package
// directory. Mutation happens only through add/remove, each of which
// returns a fresh snapshot; concurrent readers share the old one safely.
type Repository struct {
	ID         string
	Dir        string
	Key        []byte
	Containers map[manifest.Identity]Entry
	// Skipped counts package files present on disk but not loaded into
	// Containers, whether from parse failure, signature failure, or a
	// duplicate identity losing the sorted-filename tie-break.
	Skipped int
}

// Entry pairs an identity's on-disk path with its opened package handle.
type Entry struct {
	Path string
	Npk  *Npk
}

type scanResult struct {
	name string
	npk  *Npk
	err  error
}

// maxScanWorkers bounds the blocking pool used for parallel verification.
const maxScanWorkers = 8

// Open scans dir for *.npk entries and parses/verifies each in parallel.
// A single entry's load failure is logged and skipped; Open itself only
// fails if dir can't be read at all.
func Open(id, dir string, key []byte) (*Repository, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("repository %s: read dir: %w", id, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".npk" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	results := make([]scanResult, len(names))
	sem := make(chan struct{}, maxScanWorkers)
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			npk, err := openNpk(filepath.Join(dir, name), key)
			results[i] = scanResult{name: name, npk: npk, err: err}
		}(i, name)
	}
	wg.Wait()

	logger := log.WithRepo(id)
	containers := make(map[manifest.Identity]Entry, len(names))
	skipped := 0
	for _, r := range results {
		if r.err != nil {
			logger.Warn().Str("file", r.name).Err(r.err).Msg("skipping unloadable package")
			skipped++
			continue
		}
		identity := r.npk.Manifest.Container
		if prev, ok := containers[identity]; ok {
			// Sorted-filename scan order: the later-scanned entry loses.
			logger.Warn().
				Str("identity", identity.String()).
				Str("kept", filepath.Base(prev.Path)).
				Str("discarded", r.name).
				Msg("duplicate package identity, later scan loses")
			skipped++
			continue
		}
		containers[identity] = Entry{Path: filepath.Join(dir, r.name), Npk: r.npk}
	}

	return &Repository{ID: id, Dir: dir, Key: key, Containers: containers, Skipped: skipped}, nil
}

// Add copies the package at src into the repository and parses/verifies
// it, returning an updated snapshot. The caller is expected to atomically
// swap its held Repository reference with the result.
func (r *Repository) Add(identity manifest.Identity, src string) (*Repository, error) {
	dstName := fmt.Sprintf("%s-%s.npk", identity.Name, identity.Version)
	dst := filepath.Join(r.Dir, dstName)

	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstallDuplicate, identity)
	}

	if err := copyTree(src, dst); err != nil {
		return nil, fmt.Errorf("repository %s: copy package: %w", r.ID, err)
	}

	npk, err := openNpk(dst, r.Key)
	if err != nil {
		os.RemoveAll(dst)
		return nil, err
	}
	if npk.Manifest.Container != identity {
		os.RemoveAll(dst)
		return nil, fmt.Errorf("repository %s: package identity %s does not match declared %s", r.ID, npk.Manifest.Container, identity)
	}

	next := r.clone()
	next.Containers[identity] = Entry{Path: dst, Npk: npk}
	return next, nil
}

// Remove deletes the mapping and its backing file, returning an updated
// snapshot.
func (r *Repository) Remove(identity manifest.Identity) (*Repository, error) {
	entry, ok := r.Containers[identity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContainer, identity)
	}
	if err := os.RemoveAll(entry.Path); err != nil {
		return nil, fmt.Errorf("repository %s: remove package: %w", r.ID, err)
	}

	next := r.clone()
	delete(next.Containers, identity)
	return next, nil
}

func (r *Repository) clone() *Repository {
	containers := make(map[manifest.Identity]Entry, len(r.Containers))
	for k, v := range r.Containers {
		containers[k] = v
	}
	return &Repository{ID: r.ID, Dir: r.Dir, Key: r.Key, Containers: containers, Skipped: r.Skipped}
}

func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}
	if err := os.MkdirAll(dst, info.Mode()); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
