package safeconv

import "math"

// IntToUint32 converts int to uint32 with clamping into [0, MaxUint32].
func IntToUint32(v int) uint32 {
	if v < 0 {
		return 0
	}
	if uint64(v) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(v) // #nosec G115 clamped above
}
