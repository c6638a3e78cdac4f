package fanout

import "github.com/openisr/nexus/internal/chunk"

// CopyPageSafe copies min(len(dst), len(src)) bytes from src to dst in
// PageSize-bounded strides. A chunk buffer is plain Go memory and needs
// no page-boundary care, but the caller's scatter/gather memory may be
// assembled from independently-allocated page-sized segments upstream of
// this package; copying in page-sized strides keeps this function a
// direct fit if Data is ever replaced by a true segment list instead of
// a flattened slice.
func CopyPageSafe(dst, src []byte) int {
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	copied := 0
	for copied < n {
		stride := n - copied
		if stride > chunk.PageSize {
			stride = chunk.PageSize
		}
		copy(dst[copied:copied+stride], src[copied:copied+stride])
		copied += stride
	}
	return copied
}
