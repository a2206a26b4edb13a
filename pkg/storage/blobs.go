package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Blob kinds. Uploads are short-lived working copies deleted once the job
// reaches a terminal state; results live until their TTL lapses.
const (
	BlobKindUpload = "upload"
	BlobKindResult = "result"
)

// FSBlobs implements Blobs on the local filesystem. Blobs live under
// root/{kind}/{yyyy}/{mm}/{dd}/{hash}; the file's mtime is its TTL anchor,
// so Touch is a Chtimes and GC is a tree walk. Files are immutable after
// the tmpfile rename.
type FSBlobs struct {
	root string
	ttls map[string]time.Duration
}

// NewFSBlobs creates the blob tier rooted at dir. The ttls map assigns a
// lifetime per kind; a zero or missing TTL means the kind never expires
// through GC.
func NewFSBlobs(dir string, ttls map[string]time.Duration) (*FSBlobs, error) {
	root := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	cp := make(map[string]time.Duration, len(ttls))
	for k, v := range ttls {
		cp[k] = v
	}
	return &FSBlobs{root: root, ttls: cp}, nil
}

// validHandle rejects handles that could escape the blob root.
func validHandle(handle string) error {
	if handle == "" || strings.Contains(handle, "..") || strings.HasPrefix(handle, "/") {
		return fmt.Errorf("invalid blob handle %q", handle)
	}
	parts := strings.Split(handle, "/")
	if len(parts) != 5 {
		return fmt.Errorf("invalid blob handle %q", handle)
	}
	return nil
}

func (f *FSBlobs) path(handle string) string {
	return filepath.Join(f.root, filepath.FromSlash(handle))
}

// Put streams r into a new blob of the given kind. The write is atomic:
// bytes land in a tmpfile that is renamed into place only after a full,
// hashed copy.
func (f *FSBlobs) Put(kind string, r io.Reader) (*BlobInfo, error) {
	now := time.Now().UTC()
	dir := filepath.Join(f.root, kind, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after successful rename

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	handle := strings.Join([]string{kind, now.Format("2006"), now.Format("01"), now.Format("02"), hash}, "/")
	final := f.path(handle)

	// Identical content stored twice on the same day lands on the same
	// path; the rename just replaces it with equal bytes.
	if err := os.Rename(tmpPath, final); err != nil {
		return nil, fmt.Errorf("failed to finalize blob: %w", err)
	}

	return &BlobInfo{
		Handle:      handle,
		Kind:        kind,
		SizeBytes:   size,
		ContentHash: hash,
		StoredAt:    now,
		ExpiresAt:   f.expiry(kind, now),
	}, nil
}

func (f *FSBlobs) expiry(kind string, stored time.Time) time.Time {
	ttl := f.ttls[kind]
	if ttl <= 0 {
		return time.Time{}
	}
	return stored.Add(ttl)
}

func (f *FSBlobs) Open(handle string) (io.ReadCloser, error) {
	if err := validHandle(handle); err != nil {
		return nil, err
	}
	rc, err := os.Open(f.path(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", handle, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return rc, nil
}

func (f *FSBlobs) Delete(handle string) error {
	if err := validHandle(handle); err != nil {
		return err
	}
	if err := os.Remove(f.path(handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

func (f *FSBlobs) Stat(handle string) (*BlobInfo, error) {
	if err := validHandle(handle); err != nil {
		return nil, err
	}
	info, err := os.Stat(f.path(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", handle, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}

	parts := strings.Split(handle, "/")
	kind := parts[0]
	stored := info.ModTime().UTC()
	return &BlobInfo{
		Handle:      handle,
		Kind:        kind,
		SizeBytes:   info.Size(),
		ContentHash: parts[4],
		StoredAt:    stored,
		ExpiresAt:   f.expiry(kind, stored),
	}, nil
}

// Touch extends a blob's TTL by resetting its mtime anchor to now.
func (f *FSBlobs) Touch(handle string, now time.Time) error {
	if err := validHandle(handle); err != nil {
		return err
	}
	if err := os.Chtimes(f.path(handle), now, now); err != nil {
		return fmt.Errorf("failed to touch blob: %w", err)
	}
	return nil
}

// GC removes blobs whose TTL has elapsed and prunes empty date directories.
func (f *FSBlobs) GC(now time.Time) (int, error) {
	removed := 0
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			// Orphaned tempfile from a crashed write.
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
			return nil
		}

		rel, err := filepath.Rel(f.root, path)
		if err != nil {
			return err
		}
		kind := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
		ttl := f.ttls[kind]
		if ttl <= 0 {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil // raced with a delete
		}
		if info.ModTime().Add(ttl).Before(now) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// UsedBytes reports total bytes stored across all kinds.
func (f *FSBlobs) UsedBytes() (int64, error) {
	var total int64
	err := filepath.WalkDir(f.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
