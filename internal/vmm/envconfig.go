package vmm

import (
	"fmt"
	"os"
	"strconv"
)

// resolveBlockSize implements spec.md §6: PRIVATEER_BLOCK_SIZE wins outright;
// otherwise PRIVATEER_NUM_BLOCKS derives block size from capacity (must
// divide evenly); otherwise DefaultBlockSizeBytes.
func resolveBlockSize(capacity uint64) (uint64, error) {
	if v := os.Getenv("PRIVATEER_BLOCK_SIZE"); v != "" {
		size, err := strconv.ParseUint(v, 10, 64)
		if err != nil || size == 0 {
			return 0, newErr(KindConfigInvalid, "resolveBlockSize", fmt.Errorf("invalid PRIVATEER_BLOCK_SIZE %q", v))
		}
		return size, nil
	}
	if v := os.Getenv("PRIVATEER_NUM_BLOCKS"); v != "" {
		numBlocks, err := strconv.ParseUint(v, 10, 64)
		if err != nil || numBlocks == 0 {
			return 0, newErr(KindConfigInvalid, "resolveBlockSize", fmt.Errorf("invalid PRIVATEER_NUM_BLOCKS %q", v))
		}
		if capacity%numBlocks != 0 {
			return 0, newErr(KindConfigInvalid, "resolveBlockSize",
				fmt.Errorf("PRIVATEER_NUM_BLOCKS=%d does not divide capacity %d evenly", numBlocks, capacity))
		}
		return capacity / numBlocks, nil
	}
	return DefaultBlockSizeBytes, nil
}

// resolveMaxMemBlocks implements PRIVATEER_MAX_MEM_BLOCKS, defaulting to
// DefaultMaxMemBlocks.
func resolveMaxMemBlocks() (uint64, error) {
	v := os.Getenv("PRIVATEER_MAX_MEM_BLOCKS")
	if v == "" {
		return DefaultMaxMemBlocks, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n == 0 {
		return 0, newErr(KindConfigInvalid, "resolveMaxMemBlocks", fmt.Errorf("invalid PRIVATEER_MAX_MEM_BLOCKS %q", v))
	}
	return n, nil
}
