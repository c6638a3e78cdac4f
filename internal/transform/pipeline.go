package transform

import (
	"fmt"

	"github.com/openisr/nexus/internal/bufpool"
	"github.com/openisr/nexus/internal/chunk"
)

// Pipeline ties compress, pad, cipher and hash into the two directions
// the state machine drives: EncodeWrite (plaintext -> stored ciphertext,
// DIRTY -> DIRTY_ENCRYPTED) and DecodeRead (stored ciphertext ->
// plaintext, ENCRYPTED -> CLEAN). It is pure and stateless per call; the
// only state is the scratch pool, one set per worker (spec.md §5).
type Pipeline struct {
	chunksize int
	pool      *bufpool.Pool
	allowed   map[chunk.Compression]bool
}

// New constructs a Pipeline for a device with the given chunksize and
// the set of compression algorithms that device allows (spec.md §4.1:
// "Fails with UnsupportedAlgorithm if an agent-supplied algorithm id is
// outside the device's allowed set").
func New(chunksize int, allowed []chunk.Compression) *Pipeline {
	m := make(map[chunk.Compression]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
	}
	m[chunk.CompressNone] = true // always legal as a fallback target
	return &Pipeline{chunksize: chunksize, pool: bufpool.New(chunksize), allowed: m}
}

// Pool exposes the pipeline's scratch pool to callers that need a
// chunk-sized buffer outside a pipeline call (the state machine's
// encrypt/decrypt scratch buffers, for instance).
func (p *Pipeline) Pool() *bufpool.Pool { return p.pool }

// compressAndPad writes the compress-then-pad result of plain into
// scratch and returns the stored length. compression None never pads:
// its compressed form already fills the buffer exactly (invariant 5:
// "if compression is NONE, length == chunksize") and chunksize is
// always a multiple of the cipher block size, so there is nothing to
// align.
func (p *Pipeline) compressAndPad(scratch []byte, plain []byte, algo chunk.Compression) (int, error) {
	n, err := Compress(scratch, plain, len(plain), algo)
	if err != nil {
		return 0, err
	}
	if algo == chunk.CompressNone {
		return n, nil
	}
	return Pad(scratch, n, BlockSize)
}

func (p *Pipeline) checkAllowed(algo chunk.Compression) error {
	if !p.allowed[algo] {
		return fmt.Errorf("transform: %w: %v", ErrUnsupportedAlgorithm, algo)
	}
	return nil
}

// EncodeResult is the outcome of EncodeWrite.
type EncodeResult struct {
	Length      int
	Compression chunk.Compression
	Tag         []byte // hash(ciphertext)
	Key         []byte // hash(plaintext)
}

// EncodeWrite compresses, pads, and encrypts plain (exactly chunksize
// bytes) in place into out (which must also be chunksize bytes),
// falling back to uncompressed storage when the preferred algorithm's
// output would not leave room for padding (spec.md §4.3: "compress
// TooBig and algo != NONE --> retry with NONE").
func (p *Pipeline) EncodeWrite(out []byte, plain []byte, preferred chunk.Compression) (EncodeResult, error) {
	if len(plain) != p.chunksize || len(out) != p.chunksize {
		return EncodeResult{}, fmt.Errorf("transform: buffer length must equal chunksize %d", p.chunksize)
	}
	if err := p.checkAllowed(preferred); err != nil {
		return EncodeResult{}, err
	}

	key := make([]byte, HashLen)
	copy(key, Hash(plain, len(plain)))

	algo := preferred
	scratch := p.pool.GetChunk()
	defer p.pool.PutChunk(scratch)

	length, err := p.compressAndPad(scratch, plain, algo)
	if err == ErrTooBig && algo != chunk.CompressNone {
		// Either the compressed form alone didn't fit, or it fit but
		// left no room for padding once padded (spec.md §4.3: "a
		// write's compressed form happens to exactly equal chunksize
		// after padding, padding is refused"). Either way, fall back
		// to storing uncompressed at full chunksize.
		algo = chunk.CompressNone
		length, err = p.compressAndPad(scratch, plain, algo)
	}
	if err != nil {
		return EncodeResult{}, fmt.Errorf("transform: compress: %w", err)
	}

	copy(out, scratch[:length])
	for i := length; i < len(out); i++ {
		out[i] = 0
	}

	if err := Cipher(out, key, length, Encrypt); err != nil {
		return EncodeResult{}, fmt.Errorf("transform: cipher: %w", err)
	}
	tag := make([]byte, HashLen)
	copy(tag, Hash(out, length))

	return EncodeResult{Length: length, Compression: algo, Tag: tag, Key: key}, nil
}

// DecodeRead verifies tag, decrypts, unpads and decompresses cipher[:length]
// into plain (exactly chunksize bytes). It returns the chunk.Fault to
// surface if verification or any transform step fails, or a nil fault
// on success.
func (p *Pipeline) DecodeRead(plain []byte, cipherBuf []byte, length int, algo chunk.Compression, key, tag []byte) (*chunk.Fault, error) {
	if len(plain) != p.chunksize {
		return nil, fmt.Errorf("transform: plain buffer must equal chunksize %d", p.chunksize)
	}
	if length > len(cipherBuf) || length%BlockSize != 0 {
		f := &chunk.Fault{Kind: chunk.TagErr}
		return f, fmt.Errorf("transform: invalid stored length %d", length)
	}

	actualTag := Hash(cipherBuf, length)
	if !hashEqual(actualTag, tag) {
		return &chunk.Fault{Kind: chunk.TagErr}, fmt.Errorf("transform: tag mismatch")
	}

	scratch := p.pool.GetChunk()
	defer p.pool.PutChunk(scratch)
	copy(scratch, cipherBuf[:length])

	if err := Cipher(scratch, key, length, Decrypt); err != nil {
		return &chunk.Fault{Kind: chunk.CryptErr}, fmt.Errorf("transform: cipher: %w", err)
	}

	n := length
	if algo != chunk.CompressNone {
		unpadded, err := Unpad(scratch, length, BlockSize)
		if err != nil {
			return &chunk.Fault{Kind: chunk.CompressErr}, fmt.Errorf("transform: unpad: %w", err)
		}
		n = unpadded
	}

	if err := Decompress(plain, scratch, n, algo); err != nil {
		return &chunk.Fault{Kind: chunk.CompressErr}, fmt.Errorf("transform: decompress: %w", err)
	}

	actualKey := Hash(plain, len(plain))
	if !hashEqual(actualKey, key) {
		return &chunk.Fault{Kind: chunk.KeyErr}, fmt.Errorf("transform: key mismatch on post-hash")
	}

	return nil, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
