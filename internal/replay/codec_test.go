package replay

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomGrid(rows, cols int, rng *rand.Rand) [][]uint8 {
	cells := make([][]uint8, rows)
	for r := range cells {
		cells[r] = make([]uint8, cols)
		for c := range cells[r] {
			cells[r][c] = uint8(rng.Intn(cellStates))
		}
	}
	return cells
}

func TestGridCodec_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, dim := range []struct{ rows, cols int }{{3, 3}, {8, 8}, {15, 15}, {32, 4}} {
		codec, err := NewGridCodec(dim.rows, dim.cols)
		if err != nil {
			t.Fatalf("NewGridCodec(%d,%d): %v", dim.rows, dim.cols, err)
		}
		cells := randomGrid(dim.rows, dim.cols, rng)

		packed, err := codec.Encode(cells)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if len(packed) != dim.cols {
			t.Fatalf("packed length = %d, want %d columns", len(packed), dim.cols)
		}

		decoded, err := codec.Decode(packed)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for r := range cells {
			if !bytes.Equal(decoded[r], cells[r]) {
				t.Fatalf("row %d mismatch: got %v, want %v", r, decoded[r], cells[r])
			}
		}
	}
}

func TestGridCodec_DecodeIsIdempotentInverse(t *testing.T) {
	codec, _ := NewGridCodec(6, 7)
	rng := rand.New(rand.NewSource(7))
	cells := randomGrid(6, 7, rng)

	packed, _ := codec.Encode(cells)
	once, _ := codec.Decode(packed)
	repacked, err := codec.Encode(once)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	for i := range packed {
		if packed[i] != repacked[i] {
			t.Fatalf("column %d: %d != %d after round trip", i, packed[i], repacked[i])
		}
	}
}

func TestGridCodec_RejectsBadInput(t *testing.T) {
	if _, err := NewGridCodec(33, 3); !errors.Is(err, ErrGridTooLarge) {
		t.Fatalf("expected ErrGridTooLarge for 33 rows, got %v", err)
	}
	if _, err := NewGridCodec(0, 3); err == nil {
		t.Fatal("expected error for zero rows")
	}

	codec, _ := NewGridCodec(2, 2)
	if _, err := codec.Encode([][]uint8{{0, 1}}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := codec.Encode([][]uint8{{0, 1}, {4, 0}}); !errors.Is(err, ErrCellOutOfRange) {
		t.Fatalf("expected ErrCellOutOfRange, got %v", err)
	}
	if _, err := codec.Decode([]uint64{1}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch on decode, got %v", err)
	}
}

func TestGridCodec_PayloadRoundTrip(t *testing.T) {
	codec, _ := NewGridCodec(8, 8)
	rng := rand.New(rand.NewSource(99))
	cells := randomGrid(8, 8, rng)

	for _, compress := range []bool{false, true} {
		payload, err := codec.EncodePayload(cells, compress)
		if err != nil {
			t.Fatalf("EncodePayload(compress=%v): %v", compress, err)
		}
		decoded, err := codec.DecodePayload(payload)
		if err != nil {
			t.Fatalf("DecodePayload(compress=%v): %v", compress, err)
		}
		for r := range cells {
			if !bytes.Equal(decoded[r], cells[r]) {
				t.Fatalf("compress=%v row %d mismatch", compress, r)
			}
		}
	}
}

func TestGridCodec_PayloadErrors(t *testing.T) {
	codec, _ := NewGridCodec(2, 2)
	if _, err := codec.DecodePayload(nil); !errors.Is(err, ErrPayloadTooSmall) {
		t.Fatalf("expected ErrPayloadTooSmall, got %v", err)
	}
	if _, err := codec.DecodePayload([]byte{0xFF, 1, 2}); !errors.Is(err, ErrPayloadCorrupt) {
		t.Fatalf("expected ErrPayloadCorrupt for unknown flag, got %v", err)
	}
	if _, err := codec.DecodePayload([]byte{flagRaw, 1, 2, 3}); !errors.Is(err, ErrPayloadCorrupt) {
		t.Fatalf("expected ErrPayloadCorrupt for truncated body, got %v", err)
	}
}
