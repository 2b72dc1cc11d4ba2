package media

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/Pasivchik/twitter-back/internal/config"
)

// Store keeps uploaded files on the local filesystem under a single
// directory, addressed by their original file name.
type Store struct {
	dir string
}

func NewStore(cfg *config.Config) (*Store, error) {
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create media dir")
	}
	return &Store{dir: cfg.MediaDir}, nil
}

// Save writes the uploaded bytes under the original file name and returns
// the storage path. The name is reduced to its base component so a crafted
// name cannot escape the media directory.
func (s *Store) Save(name string, src io.Reader) (string, error) {
	path := s.Path(name)
	dst, err := os.Create(path)
	if err != nil {
		return "", errors.Wrap(err, "create file")
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", errors.Wrap(err, "write file")
	}
	return path, nil
}

func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *Store) Exists(name string) bool {
	info, err := os.Stat(s.Path(name))
	return err == nil && !info.IsDir()
}
