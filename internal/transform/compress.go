package transform

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/openisr/nexus/internal/chunk"
)

// zstdEncoder/zstdDecoder are process-wide: the klauspost/compress/zstd
// docs call out that constructing one per call is expensive and that a
// single encoder/decoder is safe for concurrent use via EncodeAll/
// DecodeAll.
var (
	zstdEncoder     *zstd.Encoder
	zstdDecoder     *zstd.Decoder
	zstdInitOnce    sync.Once
	zstdInitErr     error
)

func initZstd() {
	zstdEncoder, zstdInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if zstdInitErr != nil {
		return
	}
	zstdDecoder, zstdInitErr = zstd.NewReader(nil)
}

// Compress writes the compressed form of data[:n] into scratch, starting
// at offset 0, using algo. It returns the compressed length. Callers pad
// separately (Pad) and must treat ErrTooBig from either step the same
// way: fall back to compression None at full chunksize.
func Compress(scratch []byte, data []byte, n int, algo chunk.Compression) (int, error) {
	switch algo {
	case chunk.CompressNone:
		if n > len(scratch) {
			return 0, ErrTooBig
		}
		copy(scratch, data[:n])
		return n, nil
	case chunk.CompressFlate:
		return compressFlate(scratch, data[:n])
	case chunk.CompressZstd:
		return compressZstd(scratch, data[:n])
	default:
		return 0, fmt.Errorf("transform: %w: compression id %d", ErrUnsupportedAlgorithm, algo)
	}
}

// Decompress expands scratch[:length] (the algo-compressed form) into
// out, which must be exactly chunksize — spec.md §4.1: "expects output
// size == chunksize".
func Decompress(out []byte, scratch []byte, length int, algo chunk.Compression) error {
	switch algo {
	case chunk.CompressNone:
		if length != len(out) {
			return fmt.Errorf("transform: %w: none-compressed length %d != chunksize %d", ErrBadPadding, length, len(out))
		}
		copy(out, scratch[:length])
		return nil
	case chunk.CompressFlate:
		return decompressFlate(out, scratch[:length])
	case chunk.CompressZstd:
		return decompressZstd(out, scratch[:length])
	default:
		return fmt.Errorf("transform: %w: compression id %d", ErrUnsupportedAlgorithm, algo)
	}
}

// ErrUnsupportedAlgorithm is returned when an agent-supplied algorithm
// id falls outside the device's declared set (spec.md §4.1).
var ErrUnsupportedAlgorithm = fmt.Errorf("unsupported algorithm")

func compressFlate(scratch []byte, plain []byte) (int, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return 0, fmt.Errorf("transform: flate writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return 0, fmt.Errorf("transform: flate compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("transform: flate close: %w", err)
	}
	if buf.Len() > len(scratch) {
		return 0, ErrTooBig
	}
	n := copy(scratch, buf.Bytes())
	return n, nil
}

func decompressFlate(out []byte, compressed []byte) error {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("transform: flate decompress: %w", err)
	}
	if n != len(out) {
		return fmt.Errorf("transform: flate decompress: short output %d != %d", n, len(out))
	}
	return nil
}

func compressZstd(scratch []byte, plain []byte) (int, error) {
	zstdInitOnce.Do(initZstd)
	if zstdInitErr != nil {
		return 0, fmt.Errorf("transform: zstd init: %w", zstdInitErr)
	}
	out := zstdEncoder.EncodeAll(plain, nil)
	if len(out) > len(scratch) {
		return 0, ErrTooBig
	}
	n := copy(scratch, out)
	return n, nil
}

func decompressZstd(out []byte, compressed []byte) error {
	zstdInitOnce.Do(initZstd)
	if zstdInitErr != nil {
		return fmt.Errorf("transform: zstd init: %w", zstdInitErr)
	}
	decoded, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, len(out)))
	if err != nil {
		return fmt.Errorf("transform: zstd decompress: %w", err)
	}
	if len(decoded) != len(out) {
		return fmt.Errorf("transform: zstd decompress: short output %d != %d", len(decoded), len(out))
	}
	copy(out, decoded)
	return nil
}
