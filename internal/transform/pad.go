package transform

import "errors"

// ErrTooBig is returned by Pad when the padded result would reach or
// exceed the buffer's capacity — the caller falls back to storing the
// chunk uncompressed at full chunksize (spec.md §4.1).
var ErrTooBig = errors.New("transform: padded length would reach buffer capacity")

// ErrBadPadding is returned by Unpad when the trailing pad bytes do not
// form a valid PKCS-style pad.
var ErrBadPadding = errors.New("transform: invalid padding")

// Pad appends PKCS-style padding to data[:n] in place: p bytes of value
// p, where p = blockSize - (n mod blockSize), 1 <= p <= blockSize. It
// refuses (ErrTooBig) if the padded length would reach len(data), per
// spec.md's Open Question resolution: refuse only when the *padded*
// length would reach chunksize, never the pre-pad length.
func Pad(data []byte, n, blockSize int) (padded int, err error) {
	p := blockSize - (n % blockSize)
	if p == 0 {
		p = blockSize
	}
	total := n + p
	if total >= len(data) {
		return 0, ErrTooBig
	}
	for i := 0; i < p; i++ {
		data[n+i] = byte(p)
	}
	for i := total; i < len(data); i++ {
		data[i] = 0
	}
	return total, nil
}

// Unpad validates and strips PKCS-style padding from data[:n], returning
// the unpadded length.
func Unpad(data []byte, n, blockSize int) (int, error) {
	if n == 0 {
		return 0, ErrBadPadding
	}
	p := int(data[n-1])
	if p < 1 || p > blockSize || p > n {
		return 0, ErrBadPadding
	}
	for i := n - p; i < n; i++ {
		if data[i] != byte(p) {
			return 0, ErrBadPadding
		}
	}
	return n - p, nil
}
