package credentials

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore reads <dir>/<ref>.json documents.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) Fetch(ctx context.Context, ref string) (Credentials, error) {
	if err := ctx.Err(); err != nil {
		return Credentials{}, err
	}
	ref = strings.TrimSpace(ref)
	if !validRef(ref) {
		return Credentials{}, notFound(ref)
	}
	path := filepath.Join(s.dir, ref+".json")
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Credentials{}, notFound(ref)
		}
		return Credentials{}, fmt.Errorf("read credentials %q: %w", ref, err)
	}
	defer clear(payload)
	return decode(ref, payload)
}
