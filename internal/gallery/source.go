package gallery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DirectorySource reads references from a flat directory where the file name
// without extension is the identity id (e.g. "R100.jpg").
type DirectorySource struct {
	Dir        string
	Extensions []string
}

// NewDirectorySource creates a source; an empty extension list defaults to JPEG.
func NewDirectorySource(dir string, extensions []string) *DirectorySource {
	if len(extensions) == 0 {
		extensions = []string{".jpg", ".jpeg"}
	}
	normalized := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	return &DirectorySource{Dir: dir, Extensions: normalized}
}

// List returns the references sorted by file name.
func (s *DirectorySource) List() ([]Reference, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read reference dir %s: %w", s.Dir, err)
	}

	refs := make([]Reference, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !s.accepts(ext) {
			continue
		}
		id := IdentityFromFilename(entry.Name())
		if id == "" {
			continue
		}
		refs = append(refs, Reference{IdentityID: id, Path: filepath.Join(s.Dir, entry.Name())})
	}
	return refs, nil
}

func (s *DirectorySource) accepts(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range s.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// IdentityFromFilename strips the extension and normalises the id to NFC.
func IdentityFromFilename(name string) string {
	base := filepath.Base(name)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	return norm.NFC.String(strings.TrimSpace(id))
}
