// Package store persists extension binaries under a tag, together with their
// metadata and the choice of which one is current.
//
// Three backends are provided:
//   - DirStore: a local directory, or a Fluid dataset mount (NewFluidStore)
//   - PostgresStore: a PostgreSQL database
//   - RedisStore: a Redis instance, which also broadcasts activations so
//     several gateway replicas follow the same current extension
//
// Stores only keep bytes; whether a binary is a usable extension is decided
// by the runtime before anything is written.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no extension is stored under a tag.
	ErrNotFound = errors.New("extension not found")

	// ErrTagExists is returned by Create when the tag is taken.
	ErrTagExists = errors.New("extension tag already exists")

	// ErrInvalidTag is returned for tags that do not satisfy ValidateTag.
	ErrInvalidTag = errors.New("invalid extension tag")

	// ErrNoCurrent is returned by Current when no extension is active.
	ErrNoCurrent = errors.New("no current extension")
)

// MaxTagLength bounds the length of a tag.
const MaxTagLength = 128

// Metadata describes a stored extension. Timestamps are unix seconds.
type Metadata struct {
	Tag       string `json:"tag" yaml:"tag"`
	CreatedAt int64  `json:"created_at" yaml:"created_at"`
	UpdatedAt int64  `json:"updated_at" yaml:"updated_at"`
	Digest    string `json:"digest" yaml:"digest"`
	Size      int    `json:"size" yaml:"size"`
}

// Extension is a stored binary with its metadata.
type Extension struct {
	Metadata
	Binary []byte
}

// Store is implemented by every backend. Implementations are safe for
// concurrent use.
//
// Implementations must:
//   - reject invalid tags with ErrInvalidTag before touching storage
//   - return ErrNotFound for unknown tags
//   - keep CreatedAt fixed across updates
//   - clear the current marker when the current extension is deleted
type Store interface {
	// All lists every stored extension, ordered by tag.
	All(ctx context.Context) ([]Metadata, error)

	// Metadata returns the metadata stored under tag.
	Metadata(ctx context.Context, tag string) (Metadata, error)

	// Get returns the binary and metadata stored under tag.
	Get(ctx context.Context, tag string) (Extension, error)

	// Create stores binary under a new tag. CreatedAt equals UpdatedAt.
	Create(ctx context.Context, tag string, binary []byte) (Metadata, error)

	// Update replaces the binary stored under an existing tag.
	Update(ctx context.Context, tag string, binary []byte) (Metadata, error)

	// Delete removes the extension stored under tag.
	Delete(ctx context.Context, tag string) error

	// Current returns the active extension, or ErrNoCurrent.
	Current(ctx context.Context) (Extension, error)

	// SetCurrent marks an existing tag as the active extension.
	SetCurrent(ctx context.Context, tag string) error

	// ClearCurrent removes the active marker. It is not an error if none is set.
	ClearCurrent(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ValidateTag checks that tag is 1 to MaxTagLength characters of
// [A-Za-z0-9_.:-] and is not "." or "..". Tags end up in file paths and
// database keys, so nothing else is accepted.
func ValidateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidTag)
	}
	if len(tag) > MaxTagLength {
		return fmt.Errorf("%w: longer than %d characters", ErrInvalidTag, MaxTagLength)
	}
	if tag == "." || tag == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	for _, c := range tag {
		if !((c >= 'a' && c <= 'z') ||
			(c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == '.' || c == ':') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidTag, tag, c)
		}
	}
	return nil
}

// Digest is the hex SHA-256 of binary, matching the runtime's module digest.
func Digest(binary []byte) string {
	sum := sha256.Sum256(binary)
	return hex.EncodeToString(sum[:])
}

func newMetadata(tag string, binary []byte, now time.Time) Metadata {
	ts := now.Unix()
	return Metadata{
		Tag:       tag,
		CreatedAt: ts,
		UpdatedAt: ts,
		Digest:    Digest(binary),
		Size:      len(binary),
	}
}

func (m Metadata) updated(binary []byte, now time.Time) Metadata {
	m.UpdatedAt = now.Unix()
	m.Digest = Digest(binary)
	m.Size = len(binary)
	return m
}
