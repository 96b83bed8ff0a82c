package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local archives into a directory tree below a base path.
type Local struct {
	base string
}

// NewLocal creates the local driver and its base directory.
func NewLocal(base string) (*Local, error) {
	if base == "" {
		return nil, fmt.Errorf("archive directory must not be empty")
	}
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, err
	}
	return &Local{base: base}, nil
}

// Store writes the object below the base directory, creating
// intermediate directories as needed.
func (l *Local) Store(ctx context.Context, key string, r io.Reader) error {
	if strings.Contains(key, "..") {
		return fmt.Errorf("'..' is not allowed in a key")
	}
	path := filepath.Join(l.base, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, r); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
