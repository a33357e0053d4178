// Package artifact stores job outputs too large to keep in the job record.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no artifact exists under a key
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts under slash-separated keys.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// DeletePrefix removes every artifact whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key returns the key of a job's artifact: jobs/<id>/<filename>.
func Key(jobID uuid.UUID, filename string) string {
	return path.Join(Prefix(jobID), path.Base(filename))
}

// Prefix returns the key prefix shared by all artifacts of a job.
func Prefix(jobID uuid.UUID) string {
	return "jobs/" + jobID.String() + "/"
}

// Local stores artifacts as files under a root directory.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("prepare artifact directory: %w", err)
	}
	return &Local{root: root}, nil
}

func (l *Local) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean)), nil
}

// Put writes r to key through a temporary file, replacing any previous artifact.
func (l *Local) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dest, err := l.resolve(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("prepare artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temporary file: %w", err)
	}

	n, copyErr := io.Copy(tmp, r)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("write artifact: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("close artifact: %w", closeErr)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return 0, fmt.Errorf("move artifact into place: %w", err)
	}
	return n, nil
}

func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := l.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return f, err
}

// DeletePrefix removes the directory holding prefix. Missing prefixes are not an error.
func (l *Local) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := l.resolve(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("delete artifacts under %s: %w", prefix, err)
	}
	return nil
}
