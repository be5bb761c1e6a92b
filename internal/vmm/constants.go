package vmm

import "strings"

// HashSize is the length in bytes of a hex-encoded SHA-256 content hash.
const HashSize = 64

// EmptyHash is the sentinel for "never written" blocks.
var EmptyHash = strings.Repeat("0", HashSize)

const (
	// DefaultBlockSizeBytes is used when neither PRIVATEER_BLOCK_SIZE nor
	// PRIVATEER_NUM_BLOCKS is set.
	DefaultBlockSizeBytes = 134217728 // 128 MiB

	// DefaultMaxMemBlocks bounds the resident set per sub-region when
	// PRIVATEER_MAX_MEM_BLOCKS is unset.
	DefaultMaxMemBlocks = 65536

	// DefaultWorkers is the fixed handler pool size (N in spec.md §3/§5).
	DefaultWorkers = 8
)

const (
	metaFileName       = "_metadata"
	blocksPathFileName = "_blocks_path"
	capacityFileName   = "_capacity"
)
