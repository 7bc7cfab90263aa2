package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	metadataFile = "metadata.yaml"
	currentFile  = "CURRENT"
)

// DirStore keeps extensions in a directory tree.
//
// Use it directly for development, or through NewFluidStore when the
// directory is a Fluid dataset mount.
//
// Directory structure:
//
//	<root>/
//	├── CURRENT              (tag of the active extension)
//	├── rewrite/
//	│   ├── rewrite.wasm
//	│   └── metadata.yaml
//	└── auth-v2/
//	    ├── auth-v2.wasm
//	    └── metadata.yaml
type DirStore struct {
	// root is the directory holding one subdirectory per tag.
	root string

	// mu serialises writers; readers rely on atomic renames.
	mu sync.Mutex

	now func() time.Time
}

// NewDirStore creates a DirStore rooted at root, creating the directory if
// needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &DirStore{root: root, now: time.Now}, nil
}

// NewFluidStore creates a DirStore on a Fluid dataset mount.
//
// Fluid (https://github.com/fluid-cloudnative/fluid) mounts a Dataset backed
// by S3, HDFS and the like as a regular POSIX path through FUSE. The store
// treats that mount as an ordinary directory and needs no Kubernetes client
// or Fluid SDK. Caching and locality are the Fluid runtime's job.
//
// Unlike NewDirStore, the mount point is never created: a missing mount
// means the volume is not attached, which must not be papered over with an
// empty local directory.
//
// Example Kubernetes setup:
//
//	apiVersion: data.fluid.io/v1alpha1
//	kind: Dataset
//	metadata:
//	  name: crossroads-extensions
//	spec:
//	  mounts:
//	    - mountPoint: s3://my-bucket/extensions
//	      name: extensions
//
// with the PVC mounted at, for example, /mnt/fluid/extensions.
func NewFluidStore(mountPath string) (*DirStore, error) {
	info, err := os.Stat(mountPath)
	if err != nil {
		// permission issues, missing mounts and network errors all surface
		// as filesystem errors through FUSE
		return nil, fmt.Errorf("failed to access Fluid mount: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to access Fluid mount: %s is not a directory", mountPath)
	}
	return &DirStore{root: mountPath, now: time.Now}, nil
}

// Resolve returns the path to the binary stored under tag.
//
// Path format: <root>/<tag>/<tag>.wasm
func (s *DirStore) Resolve(tag string) (string, error) {
	if err := ValidateTag(tag); err != nil {
		return "", err
	}
	path := s.binaryPath(tag)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, tag)
		}
		return "", fmt.Errorf("failed to access extension: %w", err)
	}
	return path, nil
}

func (s *DirStore) dir(tag string) string          { return filepath.Join(s.root, tag) }
func (s *DirStore) binaryPath(tag string) string   { return filepath.Join(s.root, tag, tag+".wasm") }
func (s *DirStore) metadataPath(tag string) string { return filepath.Join(s.root, tag, metadataFile) }
func (s *DirStore) currentPath() string            { return filepath.Join(s.root, currentFile) }

// All implements Store.
func (s *DirStore) All(ctx context.Context) ([]Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	out := make([]Metadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || ValidateTag(e.Name()) != nil {
			continue
		}
		m, err := s.readMetadata(e.Name())
		if errors.Is(err, ErrNotFound) {
			// half-written or foreign directory
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// Metadata implements Store.
func (s *DirStore) Metadata(ctx context.Context, tag string) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	return s.readMetadata(tag)
}

// Get implements Store.
func (s *DirStore) Get(ctx context.Context, tag string) (Extension, error) {
	m, err := s.Metadata(ctx, tag)
	if err != nil {
		return Extension{}, err
	}
	binary, err := os.ReadFile(s.binaryPath(tag))
	if err != nil {
		if os.IsNotExist(err) {
			return Extension{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
		}
		return Extension{}, fmt.Errorf("failed to read extension %s: %w", tag, err)
	}
	return Extension{Metadata: m, Binary: binary}, nil
}

// Create implements Store.
func (s *DirStore) Create(ctx context.Context, tag string, binary []byte) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Mkdir(s.dir(tag), 0o755); err != nil {
		if os.IsExist(err) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrTagExists, tag)
		}
		return Metadata{}, fmt.Errorf("failed to create extension %s: %w", tag, err)
	}
	m := newMetadata(tag, binary, s.now())
	if err := s.write(tag, binary, m); err != nil {
		_ = os.RemoveAll(s.dir(tag))
		return Metadata{}, err
	}
	return m, nil
}

// Update implements Store.
func (s *DirStore) Update(ctx context.Context, tag string, binary []byte) (Metadata, error) {
	if err := ValidateTag(tag); err != nil {
		return Metadata{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readMetadata(tag)
	if err != nil {
		return Metadata{}, err
	}
	m = m.updated(binary, s.now())
	if err := s.write(tag, binary, m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Delete implements Store.
func (s *DirStore) Delete(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetadata(tag); err != nil {
		return err
	}
	current, err := s.readCurrent()
	if err != nil && !errors.Is(err, ErrNoCurrent) {
		return err
	}
	if current == tag {
		if err := os.Remove(s.currentPath()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clear current extension: %w", err)
		}
	}
	if err := os.RemoveAll(s.dir(tag)); err != nil {
		return fmt.Errorf("failed to delete extension %s: %w", tag, err)
	}
	return nil
}

// Current implements Store.
func (s *DirStore) Current(ctx context.Context) (Extension, error) {
	tag, err := s.readCurrent()
	if err != nil {
		return Extension{}, err
	}
	ext, err := s.Get(ctx, tag)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTag) {
		return Extension{}, ErrNoCurrent
	}
	return ext, err
}

// SetCurrent implements Store.
func (s *DirStore) SetCurrent(ctx context.Context, tag string) error {
	if err := ValidateTag(tag); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.readMetadata(tag); err != nil {
		return err
	}
	return writeFileAtomic(s.currentPath(), []byte(tag+"\n"))
}

// ClearCurrent implements Store.
func (s *DirStore) ClearCurrent(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.currentPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear current extension: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *DirStore) Close() error { return nil }

func (s *DirStore) readMetadata(tag string) (Metadata, error) {
	raw, err := os.ReadFile(s.metadataPath(tag))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
		}
		return Metadata{}, fmt.Errorf("failed to read metadata for %s: %w", tag, err)
	}
	var m Metadata
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata for %s: %w", tag, err)
	}
	return m, nil
}

func (s *DirStore) readCurrent() (string, error) {
	raw, err := os.ReadFile(s.currentPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoCurrent
		}
		return "", fmt.Errorf("failed to read current extension: %w", err)
	}
	tag := string(bytes.TrimSpace(raw))
	if tag == "" {
		return "", ErrNoCurrent
	}
	return tag, nil
}

// write stores the binary before the metadata, so a reader that finds
// metadata always finds the matching binary.
func (s *DirStore) write(tag string, binary []byte, m Metadata) error {
	if err := writeFileAtomic(s.binaryPath(tag), binary); err != nil {
		return err
	}
	raw, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", tag, err)
	}
	return writeFileAtomic(s.metadataPath(tag), raw)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
