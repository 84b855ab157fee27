// Package checkpoint persists the quantizer's mutable state - the codebook
// and both EMA accumulators - as one atomically written binary file.
//
// The three sections are always serialized together: restoring a codebook
// without the accumulators that produced it would break the EMA update
// invariant. Writes go to a temp file in the target directory and are
// renamed into place, so a crash never leaves a partial checkpoint behind.
//
// Format (little-endian):
//
//	[FileHeader][payload]
//
// where payload is codebook (K*D float32), cluster sizes (K float32) and
// EMA sums (K*D float32) back to back, optionally zstd- or lz4-compressed.
// The header carries an xxhash64 digest of the uncompressed payload.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/joejenb/VQVAE/quantizer"
)

const (
	// MagicNumber identifies quantizer checkpoint files (ASCII: "VQCB").
	MagicNumber = 0x56514342
	// Version is the current checkpoint format version.
	Version = 0x00010000

	// headerSize is the packed encoding size of fileHeader.
	headerSize = 36
)

// Compression selects the payload compression algorithm.
type Compression uint8

const (
	// CompressionNone stores the payload uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses zstd (better ratio).
	CompressionZSTD Compression = 2
)

var (
	// ErrInvalidMagic indicates the file is not a quantizer checkpoint.
	ErrInvalidMagic = errors.New("checkpoint: invalid magic number")
	// ErrInvalidVersion indicates an unsupported format version.
	ErrInvalidVersion = errors.New("checkpoint: unsupported version")
	// ErrChecksumMismatch indicates payload corruption.
	ErrChecksumMismatch = errors.New("checkpoint: payload digest mismatch")
	// ErrTruncated indicates the file is shorter than its header promises.
	ErrTruncated = errors.New("checkpoint: truncated file")
)

// fileHeader is the fixed-size header at the start of every checkpoint.
type fileHeader struct {
	Magic            uint32
	Version          uint32
	Compression      uint8
	Padding          [3]byte
	NumEmbeddings    uint32
	EmbeddingDim     uint32
	PayloadSize      uint32
	UncompressedSize uint32
	Digest           uint64
}

// Option configures Save.
type Option func(*options)

type options struct {
	compression Compression
}

// WithCompression selects the payload compression algorithm.
// The default is CompressionZSTD.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// Save writes a consistent snapshot of the quantizer's state to path,
// atomically replacing any existing file.
func Save(path string, q *quantizer.EMAQuantizer, opts ...Option) error {
	o := options{compression: CompressionZSTD}
	for _, opt := range opts {
		opt(&o)
	}

	state := q.Snapshot()
	payload := encodePayload(state)
	digest := xxhash.Sum64(payload)

	stored, err := compress(payload, o.compression)
	if err != nil {
		return fmt.Errorf("checkpoint: compress payload: %w", err)
	}

	header := fileHeader{
		Magic:            MagicNumber,
		Version:          Version,
		Compression:      uint8(o.compression),
		NumEmbeddings:    uint32(state.NumEmbeddings),
		EmbeddingDim:     uint32(state.EmbeddingDim),
		PayloadSize:      uint32(len(stored)),
		UncompressedSize: uint32(len(payload)),
		Digest:           digest,
	}

	hdr := bytes.NewBuffer(make([]byte, 0, headerSize+len(stored)))
	if err := binary.Write(hdr, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("checkpoint: encode header: %w", err)
	}
	buf := append(hdr.Bytes(), stored...)

	return atomicWrite(path, buf)
}

// Load reads a checkpoint from path and restores it into q. The quantizer's
// configuration (K, D) must match the checkpoint.
func Load(path string, q *quantizer.EMAQuantizer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(data) < headerSize {
		return ErrTruncated
	}

	var header fileHeader
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("checkpoint: decode header: %w", err)
	}
	if header.Magic != MagicNumber {
		return fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, header.Magic)
	}
	if header.Version != Version {
		return fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, header.Version)
	}
	if len(data) < headerSize+int(header.PayloadSize) {
		return ErrTruncated
	}

	payload, err := decompress(data[headerSize:headerSize+int(header.PayloadSize)], Compression(header.Compression), int(header.UncompressedSize))
	if err != nil {
		return fmt.Errorf("checkpoint: decompress payload: %w", err)
	}
	if xxhash.Sum64(payload) != header.Digest {
		return ErrChecksumMismatch
	}

	state, err := decodePayload(payload, int(header.NumEmbeddings), int(header.EmbeddingDim))
	if err != nil {
		return err
	}

	return q.Restore(state)
}

func encodePayload(s *quantizer.State) []byte {
	total := len(s.Codebook) + len(s.ClusterSize) + len(s.EMASum)
	buf := make([]byte, 0, total*4)
	buf = appendFloat32s(buf, s.Codebook)
	buf = appendFloat32s(buf, s.ClusterSize)
	buf = appendFloat32s(buf, s.EMASum)
	return buf
}

func decodePayload(payload []byte, numEmbeddings, embeddingDim int) (*quantizer.State, error) {
	table := numEmbeddings * embeddingDim
	want := (2*table + numEmbeddings) * 4
	if len(payload) != want {
		return nil, fmt.Errorf("checkpoint: payload is %d bytes, want %d", len(payload), want)
	}

	s := &quantizer.State{
		NumEmbeddings: numEmbeddings,
		EmbeddingDim:  embeddingDim,
		Codebook:      readFloat32s(payload[:table*4]),
		ClusterSize:   readFloat32s(payload[table*4 : (table+numEmbeddings)*4]),
		EMASum:        readFloat32s(payload[(table+numEmbeddings)*4:]),
	}
	return s, nil
}

func appendFloat32s(buf []byte, vals []float32) []byte {
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func readFloat32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

func compress(payload []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(payload))
		compressed := make([]byte, bound)
		n, err := lz4.CompressBlock(payload, compressed, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible: fall back to raw storage. The size fields in
			// the header disambiguate on load.
			return payload, nil
		}
		return compressed[:n], nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), nil
	default:
		return nil, fmt.Errorf("checkpoint: unknown compression type %d", c)
	}
}

func decompress(stored []byte, c Compression, uncompressedSize int) ([]byte, error) {
	if len(stored) == uncompressedSize {
		// Stored raw: either CompressionNone or an incompressible payload.
		return stored, nil
	}

	switch c {
	case CompressionLZ4:
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(stored, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(stored, nil)
	default:
		return nil, ErrTruncated
	}
}

// atomicWrite writes data to a temp file in path's directory, fsyncs it and
// renames it over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
