// Package filesystem provides a BlobStorage implementation backed by the local
// filesystem. It stores large entry payloads as immutable blob files,
// LZF-compressed when that makes them smaller.
package filesystem

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	lzf "github.com/zhuyie/golzf"

	"github.com/haukened/fleeting/internal/domain"
	"github.com/haukened/fleeting/internal/store"
)

// Ensure BlobStore implements store.BlobStorage
var _ store.BlobStorage = (*BlobStore)(nil)

// Blob file header bytes.
const (
	formatRaw byte = 0
	formatLZF byte = 1
)

// freshness is how long a new blob is hidden from List so Reconcile cannot
// race an in-flight Create whose index row is not yet committed.
const freshness = time.Second

// BlobStore implements store.BlobStorage using the local filesystem.
// Files are named by the entry ID (with a fixed suffix) to simplify lookup.
type BlobStore struct {
	root string
}

// New returns a filesystem-backed blob store rooted at dir. The directory
// must already exist with secure permissions (0700 recommended).
func New(root string) (*BlobStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, errors.New("blob root is not a directory")
	}
	return &BlobStore{root: root}, nil
}

func (b *BlobStore) path(id string) string { return filepath.Join(b.root, id+".blob") }

// Write stores exactly size bytes from r into a file associated with id.
func (b *BlobStore) Write(id string, r io.Reader, size int64) error {
	if err := validateID(id); err != nil {
		return err
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(r, raw); err != nil {
		return err
	}
	p := b.path(id)
	// #nosec G304: path is constructed from a fixed root plus a validated ID with a fixed suffix.
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err = writeEncoded(f, raw); err != nil {
		_ = os.Remove(p)
		return err
	}
	if err = f.Sync(); err != nil {
		_ = os.Remove(p)
		return err
	}
	return nil
}

// writeEncoded writes the header and either the LZF stream (prefixed with the
// uvarint raw length) or the raw bytes when compression does not pay off.
func writeEncoded(w io.Writer, raw []byte) error {
	bw := bufio.NewWriter(w)
	if len(raw) > 1 {
		out := make([]byte, len(raw)-1)
		n, err := lzf.Compress(raw, out)
		if err == nil && n > 0 {
			var hdr [1 + binary.MaxVarintLen64]byte
			hdr[0] = formatLZF
			k := binary.PutUvarint(hdr[1:], uint64(len(raw)))
			if _, err := bw.Write(hdr[:1+k]); err != nil {
				return err
			}
			if _, err := bw.Write(out[:n]); err != nil {
				return err
			}
			return bw.Flush()
		}
	}
	if err := bw.WriteByte(formatRaw); err != nil {
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	return bw.Flush()
}

// Open reads and decodes the blob for id.
func (b *BlobStore) Open(id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.path(id)) // #nosec G304 path constructed internally
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("blob truncated")
	}
	switch data[0] {
	case formatRaw:
		return io.NopCloser(bytes.NewReader(data[1:])), nil
	case formatLZF:
		rawLen, k := binary.Uvarint(data[1:])
		if k <= 0 {
			return nil, errors.New("blob header corrupt")
		}
		out := make([]byte, rawLen)
		n, err := lzf.Decompress(data[1+k:], out)
		if err != nil {
			return nil, fmt.Errorf("decompress blob: %w", err)
		}
		if uint64(n) != rawLen {
			return nil, fmt.Errorf("decompress blob: got %d bytes, want %d", n, rawLen)
		}
		return io.NopCloser(bytes.NewReader(out)), nil
	default:
		return nil, fmt.Errorf("unknown blob format %d", data[0])
	}
}

// Delete removes the blob file for a given entry id.
func (b *BlobStore) Delete(id string) error {
	if id == "" {
		return nil
	}
	if err := validateID(id); err != nil {
		return err
	}
	return os.Remove(b.path(id))
}

// List returns all blob IDs currently present. Higher layers derive orphans
// by diffing against index-reported external IDs.
func (b *BlobStore) List() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".blob" {
			continue
		}
		if info, err := e.Info(); err == nil && time.Since(info.ModTime()) < freshness {
			continue
		}
		ids = append(ids, name[:len(name)-5])
	}
	return ids, nil
}

// validateID enforces the canonical entry ID form, which rules out path
// separators and traversal.
func validateID(id string) error {
	if _, err := domain.ParseID(id); err != nil {
		return errors.New("invalid blob id: must be 32 lowercase hex chars")
	}
	return nil
}
