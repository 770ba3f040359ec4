package cryptocodec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Chunk is one lazily-produced VSC2 ciphertext chunk, paired with its IV and
// position. Index/Total let a streaming consumer (internal/cryptoadapter)
// know when it has reached the terminating chunk without buffering the rest.
type Chunk struct {
	IV         []byte
	Ciphertext []byte // chunk plaintext, AES-GCM sealed (includes trailing tag)
	Index      uint32
	Total      uint32
}

// ChunkProducer lazily encrypts one chunk at a time from a plaintext
// reader, so streaming uploads never hold the whole ciphertext.
type ChunkProducer struct {
	engine    *Engine
	src       io.Reader
	chunkSize int
	total     uint32
	index     uint32
	buf       []byte
	done      bool
}

// NewChunkProducer builds a producer that will emit total chunks of at most
// chunkSize plaintext bytes each, reading from src.
func NewChunkProducer(engine *Engine, src io.Reader, plaintextSize int64, chunkSize int) *ChunkProducer {
	if chunkSize <= 0 {
		chunkSize = DefaultPlaintextChunkSize
	}
	return &ChunkProducer{
		engine:    engine,
		src:       src,
		chunkSize: chunkSize,
		total:     ceilChunks(plaintextSize, int64(chunkSize)),
		buf:       make([]byte, chunkSize),
	}
}

// Total returns the total chunk count this producer will emit.
func (p *ChunkProducer) Total() uint32 { return p.total }

// Next returns the next encrypted chunk, or io.EOF once all chunks (including
// the mandatory single chunk for an empty file) have been produced.
func (p *ChunkProducer) Next() (Chunk, error) {
	if p.done {
		return Chunk{}, io.EOF
	}

	n, readErr := io.ReadFull(p.src, p.buf)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return Chunk{}, fmt.Errorf("cryptocodec: reading plaintext chunk %d: %w", p.index, readErr)
	}
	// ReadFull returns io.ErrUnexpectedEOF for a short final read and io.EOF
	// only when n==0; both mean "this is the last chunk" for our purposes.
	isLast := p.index+1 >= p.total || readErr == io.ErrUnexpectedEOF || readErr == io.EOF

	iv, ciphertext, err := p.engine.encrypt(p.buf[:n])
	if err != nil {
		return Chunk{}, err
	}

	chunk := Chunk{IV: iv, Ciphertext: ciphertext, Index: p.index, Total: p.total}
	p.index++
	if isLast {
		p.done = true
	}
	return chunk, nil
}

// EncryptVSC2 encrypts the full plaintext into the VSC2 wire format in one
// call, for callers that already hold the whole blob in memory.
func (e *Engine) EncryptVSC2(plaintext []byte, chunkSize int) ([]byte, error) {
	if chunkSize <= 0 {
		chunkSize = e.OptimalChunkSize()
	}
	total := ceilChunks(int64(len(plaintext)), int64(chunkSize))

	out := make([]byte, 0, vsc2HeaderSize+int(total)*(IVSize+TagSize)+len(plaintext))
	out = appendVSC2Header(out, uint32(chunkSize), total) //nolint:gosec // chunkSize bounded by caller config

	producer := NewChunkProducer(e, bytes.NewReader(plaintext), int64(len(plaintext)), chunkSize)
	for {
		chunk, err := producer.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk.IV...)
		out = append(out, chunk.Ciphertext...)
	}
	return out, nil
}

func appendVSC2Header(out []byte, chunkSize, total uint32) []byte {
	var hdr [vsc2HeaderSize]byte
	copy(hdr[0:4], vsc2Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], chunkSize)
	binary.LittleEndian.PutUint32(hdr[8:12], total)
	return append(out, hdr[:]...)
}

// VSC2Header is the parsed 12-byte VSC2 header.
type VSC2Header struct {
	PlaintextChunkSize uint32
	TotalChunks        uint32
}

// ParseVSC2Header reads and validates the 12-byte VSC2 header from r.
func ParseVSC2Header(r io.Reader) (VSC2Header, error) {
	var hdr [vsc2HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return VSC2Header{}, formatErr(-1, "vsc2: reading header: %w", err)
	}
	if string(hdr[0:4]) != vsc2Magic {
		return VSC2Header{}, formatErr(-1, "vsc2: bad magic %q", hdr[0:4])
	}
	chunkSize := binary.LittleEndian.Uint32(hdr[4:8])
	total := binary.LittleEndian.Uint32(hdr[8:12])
	if chunkSize == 0 {
		return VSC2Header{}, formatErr(-1, "vsc2: zero chunk size")
	}
	if total == 0 {
		return VSC2Header{}, formatErr(-1, "vsc2: zero chunk count")
	}
	return VSC2Header{PlaintextChunkSize: chunkSize, TotalChunks: total}, nil
}

// DecryptVSC2Stream decrypts a VSC2 stream chunk-by-chunk from r, writing
// plaintext to w as each chunk verifies. The full ciphertext is never held
// in memory — only one chunk at a time.
func (e *Engine) DecryptVSC2Stream(r io.Reader, w io.Writer) error {
	hdr, err := ParseVSC2Header(r)
	if err != nil {
		return err
	}

	ciphertextChunk := make([]byte, int(hdr.PlaintextChunkSize)+TagSize)
	iv := make([]byte, IVSize)

	for i := uint32(0); i < hdr.TotalChunks; i++ {
		if _, err := io.ReadFull(r, iv); err != nil {
			return formatErr(int(i), "vsc2: reading iv: %w", err) //nolint:gosec // i bounded by TotalChunks
		}

		isLast := i == hdr.TotalChunks-1
		buf := ciphertextChunk
		n, err := io.ReadFull(r, buf)
		switch {
		case err == nil:
			// Full-size read; if this is the last chunk it may still be
			// exactly chunk-sized (e.g. a plaintext that divides evenly).
		case err == io.ErrUnexpectedEOF && isLast:
			buf = buf[:n]
		default:
			return formatErr(int(i), "vsc2: reading chunk: %w", err) //nolint:gosec
		}
		if len(buf) < TagSize {
			return formatErr(int(i), "vsc2: truncated chunk (%d bytes)", len(buf)) //nolint:gosec
		}

		plaintext, err := e.decrypt(iv, buf, int(i)) //nolint:gosec
		if err != nil {
			return err
		}
		if _, err := w.Write(plaintext); err != nil {
			return fmt.Errorf("cryptocodec: writing decrypted chunk %d: %w", i, err)
		}
	}

	// Trailing garbage after the declared chunk count is a format error.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return formatErr(int(hdr.TotalChunks), "vsc2: trailing data after declared chunk count")
	}
	return nil
}

// DecryptVSC2 decrypts a whole in-memory VSC2 blob into plaintext.
func (e *Engine) DecryptVSC2(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := e.DecryptVSC2Stream(bytes.NewReader(data), &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// VSC2Size returns the exact encoded size of a VSC2 blob for a given
// plaintext size and chunk size.
func VSC2Size(plaintextSize int64, chunkSize int) int64 {
	if chunkSize <= 0 {
		chunkSize = DefaultPlaintextChunkSize
	}
	total := int64(ceilChunks(plaintextSize, int64(chunkSize)))
	return int64(vsc2HeaderSize) + total*IVSize + plaintextSize + total*TagSize
}
