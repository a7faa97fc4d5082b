package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/vietddude/harvester/internal/core/fault"
)

// Store persists accepted image bytes.
type Store interface {
	// Put writes data under destPath in the given tier and returns a ref
	// that Delete accepts.
	Put(ctx context.Context, data []byte, destPath, tier string) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Config for the file store.
type Config struct {
	BasePath string `yaml:"base_path"`
	Tier     string `yaml:"tier"`
}

// FileStore writes blobs below a root directory. Refs are slash-separated
// paths relative to the root.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob base path is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindStorageUnavailable, "blob init", err)
	}
	return &FileStore{root: root}, nil
}

// Put implements Store. The file is written to a temp name and renamed so
// readers never see a partial blob.
func (s *FileStore) Put(ctx context.Context, data []byte, destPath, tier string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref, err := cleanRef(path.Join(tier, destPath))
	if err != nil {
		return "", err
	}
	full := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fault.Wrap(fault.KindStorageUnavailable, "blob mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", fault.Wrap(fault.KindStorageUnavailable, "blob create", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fault.Wrap(fault.KindStorageUnavailable, "blob write", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fault.Wrap(fault.KindStorageUnavailable, "blob close", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fault.Wrap(fault.KindStorageUnavailable, "blob rename", err)
	}
	return ref, nil
}

// Delete implements Store. Deleting a missing blob is not an error.
func (s *FileStore) Delete(ctx context.Context, ref string) error {
	clean, err := cleanRef(ref)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.root, filepath.FromSlash(clean)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.KindStorageUnavailable, "blob delete", err)
	}
	return nil
}

// Path returns the absolute file path for a ref.
func (s *FileStore) Path(ref string) (string, error) {
	clean, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func cleanRef(ref string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(ref, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." {
		return "", fault.New(fault.KindValidation, "blob", fmt.Sprintf("invalid key %q", ref))
	}
	return clean, nil
}

// DestPath builds {job}/{keyword-slug}/{chunk-index}/{hash}.{ext}.
func DestPath(jobID, keyword string, chunkIndex int, hash, format string) string {
	ext := strings.ToLower(format)
	switch ext {
	case "jpeg":
		ext = "jpg"
	case "":
		ext = "bin"
	}
	return path.Join(Slug(jobID), Slug(keyword), fmt.Sprintf("%04d", chunkIndex), Slug(hash)+"."+ext)
}

var fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug lowercases s, folds accents and keeps [a-z0-9-].
func Slug(s string) string {
	folded, _, err := transform.String(fold, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		return "untagged"
	}
	return out
}
