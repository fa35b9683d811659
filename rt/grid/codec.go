package grid

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec selects how a bitfield payload is compressed for transport between
// the process that rebuilds the grid and the processes that march with it.
type Codec uint8

const (
	CodecZstd Codec = iota + 1
	CodecSnappy
)

func (c Codec) String() string {
	switch c {
	case CodecZstd:
		return "zstd"
	case CodecSnappy:
		return "snappy"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

const codecVersion = 1

var (
	bitfieldMagic = [4]byte{'O', 'C', 'C', 'B'}

	ErrBadHeader = errors.New("grid: bad bitfield header")
)

// header is the fixed little-endian prefix of an encoded bitfield.
type header struct {
	Magic      [4]byte
	Version    uint8
	Codec      Codec
	Cascades   uint16
	Resolution uint16
	_          uint16
	RawSize    uint32
}

// WriteBitfield serialises b with the given codec.
func WriteBitfield(w io.Writer, b *Bitfield, c Codec) error {
	if b == nil {
		return fmt.Errorf("grid: nil bitfield")
	}
	hdr := header{
		Magic:      bitfieldMagic,
		Version:    codecVersion,
		Codec:      c,
		Cascades:   uint16(b.Cascades),
		Resolution: uint16(b.Resolution),
		RawSize:    uint32(len(b.Bits)),
	}

	var payload []byte
	switch c {
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("grid: zstd encoder: %w", err)
		}
		payload = enc.EncodeAll(b.Bits, nil)
		if err := enc.Close(); err != nil {
			return fmt.Errorf("grid: zstd encoder: %w", err)
		}
	case CodecSnappy:
		payload = snappy.Encode(nil, b.Bits)
	default:
		return fmt.Errorf("%w: unknown %s", ErrBadHeader, c)
	}

	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBitfield decodes a bitfield written by WriteBitfield.
func ReadBitfield(r io.Reader) (*Bitfield, error) {
	var hdr header
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if hdr.Magic != bitfieldMagic {
		return nil, fmt.Errorf("%w: magic %q", ErrBadHeader, hdr.Magic[:])
	}
	if hdr.Version != codecVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, hdr.Version)
	}

	if err := checkShape(int(hdr.Cascades), int(hdr.Resolution)); err != nil {
		return nil, err
	}
	rawSize := int(hdr.Cascades) * CellCount(int(hdr.Resolution)) / 8
	if int(hdr.RawSize) != rawSize {
		return nil, fmt.Errorf("%w: raw size %d for %d cascades of %d^3", ErrBadHeader, hdr.RawSize, hdr.Cascades, hdr.Resolution)
	}

	limit := payloadLimit(rawSize)
	payload, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrBadHeader, limit)
	}

	var raw []byte
	switch hdr.Codec {
	case CodecZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(rawSize)), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("grid: zstd decoder: %w", err)
		}
		defer dec.Close()
		raw, err = dec.DecodeAll(payload, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("grid: zstd payload: %w", err)
		}
	case CodecSnappy:
		n, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, fmt.Errorf("grid: snappy payload: %w", err)
		}
		if n != rawSize {
			return nil, fmt.Errorf("%w: snappy payload holds %d bytes, want %d", ErrBadHeader, n, rawSize)
		}
		raw, err = snappy.Decode(make([]byte, rawSize), payload)
		if err != nil {
			return nil, fmt.Errorf("grid: snappy payload: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown %s", ErrBadHeader, hdr.Codec)
	}

	if len(raw) != rawSize {
		return nil, fmt.Errorf("%w: decoded %d bytes, want %d", ErrBadHeader, len(raw), rawSize)
	}
	return &Bitfield{
		Cascades:   int(hdr.Cascades),
		Resolution: int(hdr.Resolution),
		Bits:       raw,
	}, nil
}

// payloadLimit bounds the compressed size of rawSize bytes for both codecs:
// snappy's worst case is 32 + n + n/6, zstd stays well below it.
func payloadLimit(rawSize int) int64 {
	n := int64(rawSize)
	return n + n/6 + 1024
}

// EncodeBitfield is WriteBitfield into a fresh byte slice.
func EncodeBitfield(b *Bitfield, c Codec) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteBitfield(&buf, b, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
