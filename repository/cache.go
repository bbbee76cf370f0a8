package repository

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/secureindex/go-secureindex/internal/fsutil"
	"github.com/secureindex/go-secureindex/metadata"
)

// Cache is the durable store of the last verified metadata and index:
//
//	<dir>/root.json
//	<dir>/timestamp.json
//	<dir>/snapshot.json
//	<dir>/00-index.tar(.gz)
//
// Every write is append-then-rename, so a partial write never becomes
// the current file. Transport implementations embed a Cache for the
// local half of the Repository interface.
type Cache struct {
	dir string
}

const cachePerm = 0644

// NewCache opens (creating if needed) a cache directory.
func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// FilePath returns the path a cached file would have. The file may not
// exist yet.
func (c *Cache) FilePath(name string) string {
	return filepath.Join(c.dir, name)
}

// GetCached returns the path of a cached file, or metadata.ErrNotCached.
// Role names are accepted as well as full cache file names.
func (c *Cache) GetCached(name string) (string, error) {
	if !strings.Contains(name, ".") {
		name = fmt.Sprintf("%s.json", name)
	}
	p := c.FilePath(name)
	fi, err := os.Stat(p)
	if err != nil {
		return "", metadata.ErrNotCached{Name: name}
	}
	if !fi.Mode().IsRegular() {
		return "", metadata.ErrNotCached{Name: name}
	}
	if err := fsutil.EnsurePermission(fi, cachePerm); err != nil {
		return "", err
	}
	return p, nil
}

// GetCachedRoot returns the path of the cached trust anchor.
func (c *Cache) GetCachedRoot() (string, error) {
	return c.GetCached(metadata.ROOT)
}

// ClearCache removes the cached metadata files, timestamp and snapshot
// included. The trust anchor and the index are kept.
func (c *Cache) ClearCache() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	rootName := fmt.Sprintf("%s.json", metadata.ROOT)
	for _, e := range entries {
		ok, err := fsutil.IsMetaFile(e)
		if err != nil {
			return err
		}
		if !ok || e.Name() == rootName {
			continue
		}
		if err := os.Remove(c.FilePath(e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// TempFile creates a temporary download file inside the cache
// directory (same filesystem, so the commit rename is atomic). ext is
// carried in the temporary name so callbacks can tell which index form
// a transport served.
func (c *Cache) TempFile(ext string) (*os.File, error) {
	return os.CreateTemp(c.dir, ".incoming-*"+ext)
}

// Commit installs a verified temporary file at its permanent location.
// A DontCache policy removes the file instead.
func (c *Cache) Commit(tmpPath string, policy CachePolicy) error {
	var dest string
	switch policy.Kind {
	case DontCache:
		return os.Remove(tmpPath)
	case CacheAsRole:
		dest = c.FilePath(fmt.Sprintf("%s.json", policy.Role))
	case CacheIndex:
		if strings.HasSuffix(tmpPath, ".tar.gz") {
			dest = c.FilePath(metadata.IndexTarGz)
		} else {
			dest = c.FilePath(metadata.IndexTar)
		}
	default:
		return metadata.ErrRuntime{Msg: fmt.Sprintf("unknown cache policy %d", policy.Kind)}
	}
	if err := os.Chmod(tmpPath, cachePerm); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return err
	}
	if policy.Kind == CacheIndex {
		// drop the stale sibling form so index reads never see bytes the
		// snapshot no longer vouches for
		other := c.FilePath(metadata.IndexTar)
		if dest == other {
			other = c.FilePath(metadata.IndexTarGz)
		}
		if err := os.Remove(other); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// CachedIndex returns the path of the cached index in whichever form
// is present, or metadata.ErrNotCached.
func (c *Cache) CachedIndex() (string, error) {
	if p, err := c.GetCached(metadata.IndexTar); err == nil {
		return p, nil
	}
	return c.GetCached(metadata.IndexTarGz)
}

// ReadFromIndex returns the bytes of one file inside the cached index.
func (c *Cache) ReadFromIndex(target string) ([]byte, error) {
	p, err := c.CachedIndex()
	if err != nil {
		return nil, err
	}
	in, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	var r io.Reader = in
	if strings.HasSuffix(p, ".gz") {
		gz, err := gzip.NewReader(in)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if path.Clean(hdr.Name) != path.Clean(target) {
			continue
		}
		return io.ReadAll(tr)
	}
	return nil, metadata.ErrNotCached{Name: target}
}

// Bootstrap installs an out-of-band trust anchor as the cached root.
// This is the only cache write that does not come out of WithRemote.
func (c *Cache) Bootstrap(rootData []byte) error {
	tmp, err := c.TempFile(".json")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(rootData); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return c.Commit(name, CachePolicy{Kind: CacheAsRole, Role: metadata.ROOT})
}
