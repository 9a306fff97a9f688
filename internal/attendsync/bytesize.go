package attendsync

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
)

// parseBytes reads a storage size. Decimal units ("64kb", "1.5m") are powers
// of 1000; IEC units ("64kib", "2gib") are powers of 1024. A bare number is
// bytes.
func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}

func formatBytes(b uint64) string {
	return humanize.IBytes(b)
}
