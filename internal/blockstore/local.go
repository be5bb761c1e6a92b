package blockstore

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// HashSize is the length in bytes of a hex-encoded SHA-256 content hash.
const HashSize = 64

// Empty is the sentinel hash for a block that has never been written.
var Empty = fmt.Sprintf("%0*d", HashSize, 0)

// Local is a filesystem-backed, content-addressed block store. Committed
// blocks live under blocksPath, sharded by block index and named by their
// SHA-256 content hash; stashed (evicted-but-uncommitted) blocks live under
// stashPath, named by index.
type Local struct {
	blockSize  uint64
	blocksPath string
	stashPath  string
	compress   bool

	mu sync.Mutex // serializes stash directory housekeeping
}

// Open creates (if needed) and returns a Local store rooted at blocksPath
// and stashPath, storing blockSize-byte blocks. compress enables gzip
// compression of committed (not stashed) blocks.
func Open(blocksPath, stashPath string, blockSize uint64, compress bool) (*Local, error) {
	if err := os.MkdirAll(blocksPath, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: creating blocks path: %w", err)
	}
	if err := os.MkdirAll(stashPath, 0o755); err != nil {
		return nil, fmt.Errorf("blockstore: creating stash path: %w", err)
	}
	return &Local{
		blockSize:  blockSize,
		blocksPath: blocksPath,
		stashPath:  stashPath,
		compress:   compress,
	}, nil
}

func (s *Local) BlockGranularity() uint64 { return s.blockSize }
func (s *Local) BlocksPath() string       { return s.blocksPath }

func (s *Local) BlockFullPath(index uint64, hash string) string {
	return filepath.Join(s.blocksPath, fmt.Sprintf("block-%020d", index))
}

func (s *Local) stashFile(index uint64) string {
	return filepath.Join(s.stashPath, fmt.Sprintf("%020d", index))
}

// StashPath returns the stash file path for index, or "" if no stash entry
// exists.
func (s *Local) StashPath(index uint64) string {
	p := s.stashFile(index)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// ListStash scans stashPath for entries left by a prior session.
func (s *Local) ListStash() ([]uint64, error) {
	entries, err := os.ReadDir(s.stashPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("blockstore: ListStash: %w", err)
	}
	indices := make([]uint64, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var index uint64
		if _, err := fmt.Sscanf(e.Name(), "%020d", &index); err != nil {
			continue
		}
		indices = append(indices, index)
	}
	return indices, nil
}

func (s *Local) Store(data []byte, index uint64) (string, error) {
	if uint64(len(data)) != s.blockSize {
		return "", fmt.Errorf("blockstore: Store: block %d has %d bytes, want %d", index, len(data), s.blockSize)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := s.BlockFullPath(index, hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("blockstore: Store: %w", err)
	}
	dst := filepath.Join(dir, hash)
	if _, err := os.Stat(dst); err == nil {
		// Already committed under this hash; content-addressing makes this
		// a no-op (e.g. a block that round-trips back to prior content).
		return hash, nil
	}

	payload := data
	if s.compress {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(data); err != nil {
			return "", fmt.Errorf("blockstore: Store: compress: %w", err)
		}
		if err := gw.Close(); err != nil {
			return "", fmt.Errorf("blockstore: Store: compress: %w", err)
		}
		payload = buf.Bytes()
	}

	if err := atomic.WriteFile(dst, bytes.NewReader(payload)); err != nil {
		return "", fmt.Errorf("blockstore: Store: write: %w", err)
	}
	return hash, nil
}

func (s *Local) Stash(data []byte, index uint64) error {
	if uint64(len(data)) != s.blockSize {
		return fmt.Errorf("blockstore: Stash: block %d has %d bytes, want %d", index, len(data), s.blockSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomic.WriteFile(s.stashFile(index), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("blockstore: Stash: %w", err)
	}
	return nil
}

// Unstash confirms a writable stash copy is available for index; the handler
// subsequently reads it directly from disk via FetchStash/StashPath.
func (s *Local) Unstash(index uint64) error {
	if _, err := os.Stat(s.stashFile(index)); err != nil {
		return fmt.Errorf("blockstore: Unstash: block %d: %w", index, err)
	}
	return nil
}

func (s *Local) FetchStash(index uint64) ([]byte, error) {
	data, err := os.ReadFile(s.stashFile(index))
	if err != nil {
		return nil, fmt.Errorf("blockstore: FetchStash: %w", err)
	}
	return data, nil
}

func (s *Local) CommitStash(index uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.stashFile(index))
	if err != nil {
		return "", fmt.Errorf("blockstore: CommitStash: %w", err)
	}
	hash, err := s.Store(data, index)
	if err != nil {
		return "", err
	}
	if err := os.Remove(s.stashFile(index)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("blockstore: CommitStash: removing stash copy: %w", err)
	}
	return hash, nil
}

func (s *Local) Fetch(index uint64, hash string) ([]byte, error) {
	path := filepath.Join(s.BlockFullPath(index, hash), hash)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("blockstore: Fetch: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if s.compress {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("blockstore: Fetch: decompress: %w", err)
		}
		defer gr.Close()
		r = gr
	}

	buf := make([]byte, s.blockSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("blockstore: Fetch: short read: %w", err)
	}
	return buf, nil
}

func (s *Local) Close() error { return nil }

var _ Store = (*Local)(nil)
