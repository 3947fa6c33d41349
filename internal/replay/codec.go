package replay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrGridTooLarge    = errors.New("grid dimensions exceed codec limits")
	ErrCellOutOfRange  = errors.New("cell state out of range")
	ErrPayloadCorrupt  = errors.New("payload corrupt")
	ErrShapeMismatch   = errors.New("grid shape mismatch")
	ErrPayloadTooSmall = errors.New("payload too small")
)

// maxGridRows is bounded by the 2-bit packing into a uint64 per column
const maxGridRows = 32

// cellStates is the number of distinct low-cardinality cell states (2 bits)
const cellStates = 4

// GridCodec packs a small fixed-size grid of low-cardinality cell states
// into per-column integers to shrink per-record footprint under pressure.
// Decode is the exact inverse of Encode.
type GridCodec struct {
	rows int
	cols int
}

// NewGridCodec creates a codec for a rows x cols grid. Cell states must be
// in [0, 4); rows is limited to 32 by the 2-bit packing.
func NewGridCodec(rows, cols int) (*GridCodec, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrGridTooLarge, rows, cols)
	}
	if rows > maxGridRows {
		return nil, fmt.Errorf("%w: %d rows exceeds %d", ErrGridTooLarge, rows, maxGridRows)
	}
	return &GridCodec{rows: rows, cols: cols}, nil
}

// Encode packs the grid column-wise, 2 bits per cell
func (c *GridCodec) Encode(cells [][]uint8) ([]uint64, error) {
	if len(cells) != c.rows {
		return nil, fmt.Errorf("%w: got %d rows, want %d", ErrShapeMismatch, len(cells), c.rows)
	}
	packed := make([]uint64, c.cols)
	for r, row := range cells {
		if len(row) != c.cols {
			return nil, fmt.Errorf("%w: row %d has %d cols, want %d", ErrShapeMismatch, r, len(row), c.cols)
		}
		for col, state := range row {
			if state >= cellStates {
				return nil, fmt.Errorf("%w: cell (%d,%d)=%d", ErrCellOutOfRange, r, col, state)
			}
			packed[col] |= uint64(state) << (2 * uint(r))
		}
	}
	return packed, nil
}

// Decode unpacks per-column integers back into the grid
func (c *GridCodec) Decode(packed []uint64) ([][]uint8, error) {
	if len(packed) != c.cols {
		return nil, fmt.Errorf("%w: got %d columns, want %d", ErrShapeMismatch, len(packed), c.cols)
	}
	cells := make([][]uint8, c.rows)
	for r := range cells {
		cells[r] = make([]uint8, c.cols)
		for col := range cells[r] {
			cells[r][col] = uint8((packed[col] >> (2 * uint(r))) & 0x3)
		}
	}
	return cells, nil
}

// payload flags
const (
	flagRaw        = 0x0
	flagCompressed = 0x1
)

// EncodePayload serializes packed columns into a record payload, optionally
// lz4-compressed. The first byte is a flag; the rest is little-endian
// uint64 columns, possibly wrapped in an lz4 frame.
func (c *GridCodec) EncodePayload(cells [][]uint8, compress bool) ([]byte, error) {
	packed, err := c.Encode(cells)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, 8*len(packed))
	for i, v := range packed {
		binary.LittleEndian.PutUint64(raw[8*i:], v)
	}

	if !compress {
		return append([]byte{flagRaw}, raw...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(flagCompressed)
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload is the exact inverse of EncodePayload
func (c *GridCodec) DecodePayload(payload []byte) ([][]uint8, error) {
	if len(payload) < 1 {
		return nil, ErrPayloadTooSmall
	}
	flag, body := payload[0], payload[1:]

	var raw []byte
	switch flag {
	case flagRaw:
		raw = body
	case flagCompressed:
		r := lz4.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		raw = decompressed
	default:
		return nil, fmt.Errorf("%w: unknown flag 0x%x", ErrPayloadCorrupt, flag)
	}

	if len(raw) != 8*c.cols {
		return nil, fmt.Errorf("%w: %d bytes for %d columns", ErrPayloadCorrupt, len(raw), c.cols)
	}
	packed := make([]uint64, c.cols)
	for i := range packed {
		packed[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}
	return c.Decode(packed)
}
