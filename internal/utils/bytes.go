// Package utils holds small helpers shared across the storage engine
// packages: defensive byte copies, ordering, and file sync helpers.
package utils

// CopyBytes returns a deep copy of b so callers never alias the
// original backing array (skiplist nodes, block reads, and WAL replay
// all hand back slices that must outlive the buffer they were read
// from).
func CopyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// CompareBytes orders two byte slices the same way bytes.Compare does.
// Kept as a named helper because the skiplist and block search code
// call it at a very high frequency and benefit from being able to swap
// the comparator in one place.
func CompareBytes(a, b []byte) int {
	la, lb := len(a), len(b)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	default:
		return 0
	}
}
