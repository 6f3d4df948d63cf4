// Package registry keeps the durable mapping from document base names to
// their storage locations and ingestion statistics.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/logging"
)

const (
	metadataFile   = "metadata.json"
	lockRetryDelay = 50 * time.Millisecond
)

var (
	ErrNotFound      = errors.New("document base not found")
	ErrAlreadyExists = errors.New("document base already exists")
	ErrCorrupt       = errors.New("document base registry is corrupt")
	ErrInvalidName   = errors.New("document base name must not be blank")
)

// Base is a registered document base. Name is the registry key and is not
// part of the persisted record.
type Base struct {
	Name            string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Description     string    `json:"description"`
	StorageLocation string    `json:"storage_location"`
	NumDocuments    int       `json:"num_documents"`
	NumChunks       int       `json:"num_chunks"`
	Documents       []string  `json:"documents"`
}

func (b Base) clone() Base {
	b.Documents = append([]string(nil), b.Documents...)
	return b
}

// Purger removes backend storage that lives outside a base's directory.
type Purger interface {
	Purge(ctx context.Context, dir string) error
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = logging.OrNop(logger).Named("registry")
	}
}

func WithPurger(p Purger) Option {
	return func(r *Registry) {
		r.purger = p
	}
}

// Registry is safe for concurrent use. Every read reloads the persisted
// snapshot and every mutation runs under an exclusive file lock, so several
// processes may share one base directory.
type Registry struct {
	dir    string
	path   string
	lock   *flock.Flock
	now    func() time.Time
	purger Purger
	logger *zap.Logger
	// write persists a snapshot; replaced in tests.
	write func(bases map[string]Base) error

	mu      sync.Mutex
	bases   map[string]Base
	retired map[string]struct{}
}

// Open loads the registry stored in dir, creating dir when needed. A missing
// metadata file yields an empty registry; a malformed one fails with
// ErrCorrupt.
func Open(dir string, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve registry directory: %w", err)
	}

	r := &Registry{
		dir:     abs,
		path:    filepath.Join(abs, metadataFile),
		lock:    flock.New(filepath.Join(abs, metadataFile+".lock")),
		now:     time.Now,
		logger:  zap.NewNop(),
		bases:   map[string]Base{},
		retired: map[string]struct{}{},
	}
	r.write = r.writeFile
	for _, opt := range opts {
		opt(r)
	}

	if err := r.refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the directory holding the registry and every base's storage.
func (r *Registry) Dir() string {
	return r.dir
}

// Create registers name and returns its storage location.
func (r *Registry) Create(ctx context.Context, name, description string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidName
	}

	var location, created string
	err := r.mutate(ctx, func(bases map[string]Base) error {
		if _, ok := bases[name]; ok {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, name)
		}

		location = r.newLocation(name, bases)
		storage := filepath.Join(r.dir, location)
		if err := os.MkdirAll(storage, 0o755); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
		created = storage

		now := r.now().UTC()
		bases[name] = Base{
			CreatedAt:       now,
			UpdatedAt:       now,
			Description:     description,
			StorageLocation: location,
			Documents:       []string{},
		}
		return nil
	})
	if err != nil {
		// The base was never recorded, so its directory must not outlive it.
		if created != "" {
			if rmErr := os.RemoveAll(created); rmErr != nil {
				r.logger.Warn("remove unrecorded storage", zap.String("dir", created), zap.Error(rmErr))
			}
		}
		return "", err
	}

	r.logger.Info("document base created", zap.String("name", name), zap.String("location", location))
	return location, nil
}

// List returns every registered base ordered by name.
func (r *Registry) List() ([]Base, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return nil, err
	}

	out := make([]Base, 0, len(r.bases))
	for name, base := range r.bases {
		base = base.clone()
		base.Name = name
		out = append(out, base)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) Get(name string) (Base, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.refreshLocked(); err != nil {
		return Base{}, err
	}

	base, ok := r.bases[name]
	if !ok {
		return Base{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	base = base.clone()
	base.Name = name
	return base, nil
}

// Exists reports whether name is registered. Errors reloading the registry
// count as absent.
func (r *Registry) Exists(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// PathOf returns the absolute storage directory of name.
func (r *Registry) PathOf(name string) (string, error) {
	base, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.dir, base.StorageLocation), nil
}

// Update adds to the counters of name and appends filenames. It is additive:
// applying the same delta twice counts it twice.
func (r *Registry) Update(ctx context.Context, name string, documents, chunks int, filenames []string) error {
	err := r.mutate(ctx, func(bases map[string]Base) error {
		base, ok := bases[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		base.NumDocuments += documents
		base.NumChunks += chunks
		base.Documents = append(base.Documents, filenames...)
		base.UpdatedAt = r.now().UTC()
		bases[name] = base
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("document base updated",
		zap.String("name", name),
		zap.Int("documents_added", documents),
		zap.Int("chunks_added", chunks))
	return nil
}

// Delete removes the storage of name and then its entry. When storage removal
// fails the registry is left untouched.
func (r *Registry) Delete(ctx context.Context, name string) error {
	err := r.mutate(ctx, func(bases map[string]Base) error {
		base, ok := bases[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		}

		dir := filepath.Join(r.dir, base.StorageLocation)
		if r.purger != nil {
			if err := r.purger.Purge(ctx, dir); err != nil {
				return fmt.Errorf("purge storage for %q: %w", name, err)
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove storage for %q: %w", name, err)
		}

		delete(bases, name)
		r.retired[base.StorageLocation] = struct{}{}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("document base deleted", zap.String("name", name))
	return nil
}

// Rename moves the record of oldName to newName. Storage stays where it is.
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return ErrInvalidName
	}

	err := r.mutate(ctx, func(bases map[string]Base) error {
		base, ok := bases[oldName]
		if !ok {
			return fmt.Errorf("%w: %q", ErrNotFound, oldName)
		}
		if _, ok := bases[newName]; ok {
			return fmt.Errorf("%w: %q", ErrAlreadyExists, newName)
		}

		base.UpdatedAt = r.now().UTC()
		bases[newName] = base
		delete(bases, oldName)
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("document base renamed", zap.String("from", oldName), zap.String("to", newName))
	return nil
}

// mutate applies fn to a fresh copy of the persisted registry under the file
// lock and saves the result. Nothing is written when fn fails.
func (r *Registry) mutate(ctx context.Context, fn func(bases map[string]Base) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	locked, err := r.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock registry: %s is held by another process", r.lock.Path())
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("unlock registry", zap.Error(err))
		}
	}()

	current, err := r.readFile()
	if err != nil {
		return err
	}

	if err := fn(current); err != nil {
		return err
	}

	if err := r.write(current); err != nil {
		return err
	}
	r.bases = current
	return nil
}

func (r *Registry) refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshLocked()
}

func (r *Registry) refreshLocked() error {
	if err := r.lock.RLock(); err != nil {
		return fmt.Errorf("lock registry: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(); err != nil {
			r.logger.Warn("unlock registry", zap.Error(err))
		}
	}()

	bases, err := r.readFile()
	if err != nil {
		return err
	}
	r.bases = bases
	return nil
}

func (r *Registry) readFile() (map[string]Base, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Base{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	bases := map[string]Base{}
	if err := json.Unmarshal(data, &bases); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.path, err)
	}
	for name, base := range bases {
		if strings.TrimSpace(name) == "" || base.StorageLocation == "" {
			return nil, fmt.Errorf("%w: %s: entry %q has no storage location", ErrCorrupt, r.path, name)
		}
		if base.Documents == nil {
			base.Documents = []string{}
			bases[name] = base
		}
	}
	return bases, nil
}

// writeFile replaces the registry atomically: the snapshot goes to a temp file
// in the same directory, which is synced and renamed over the old one.
func (r *Registry) writeFile(bases map[string]Base) (err error) {
	data, err := json.MarshalIndent(bases, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, metadataFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

// newLocation derives a storage directory name from name. Unix seconds act as
// the disambiguator and are bumped until the result is unused in the registry,
// on disk and by any base deleted during this registry's lifetime.
func (r *Registry) newLocation(name string, bases map[string]Base) string {
	prefix := Sanitize(name)
	// Locations must stay distinct on case-insensitive filesystems and
	// table names.
	used := make(map[string]struct{}, len(bases)+len(r.retired))
	for location := range r.retired {
		used[strings.ToLower(location)] = struct{}{}
	}
	for _, base := range bases {
		used[strings.ToLower(base.StorageLocation)] = struct{}{}
	}

	for ts := r.now().Unix(); ; ts++ {
		location := prefix + "_" + strconv.FormatInt(ts, 10)
		if _, ok := used[strings.ToLower(location)]; ok {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.dir, location)); err == nil {
			continue
		}
		return location
	}
}

// Sanitize replaces every rune that is not a letter or digit with '_'.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, name)
}
