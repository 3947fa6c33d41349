package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrBoardTooLarge = errors.New("board exceeds state block dimensions")
	ErrBadCellCount  = errors.New("cell count does not match board dimensions")
)

// Shared state block layout (little-endian):
//
//	[0:4)    magic
//	[4:8)    round sequence
//	[8:10)   board width
//	[10:12)  board height
//	[12:13)  current player
//	[13:14)  reserved
//	[14:16)  move count
//	[16:...) cell states, one byte per cell, row-major
const (
	stateMagic = 0x47565342 // "GVSB"

	offMagic   = 0
	offRound   = 4
	offWidth   = 8
	offHeight  = 10
	offPlayer  = 12
	offMoves   = 14
	offCells   = 16
	headerSize = offCells
)

// Board is the bounded problem grid handed to every worker slot
type Board struct {
	Width  int
	Height int
	Cells  []uint8 // row-major, len = Width*Height
}

// Meta is the per-round metadata written alongside the board
type Meta struct {
	CurrentPlayer uint8
	MoveCount     uint16
}

// StateBlock is a fixed-size shared memory block encoding the current
// problem state for zero-copy hand-off to all slots. It is single-writer
// (the orchestrator) and multi-reader (workers) per dispatch cycle: the
// block is overwritten wholesale before each round, never mutated in place
// during one.
type StateBlock struct {
	mu        sync.RWMutex
	buf       []byte
	maxWidth  int
	maxHeight int
}

// NewStateBlock allocates a state block sized for the given maximum board
func NewStateBlock(maxWidth, maxHeight int) (*StateBlock, error) {
	if maxWidth <= 0 || maxHeight <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrBoardTooLarge, maxWidth, maxHeight)
	}
	b := &StateBlock{
		buf:       make([]byte, headerSize+maxWidth*maxHeight),
		maxWidth:  maxWidth,
		maxHeight: maxHeight,
	}
	binary.LittleEndian.PutUint32(b.buf[offMagic:], stateMagic)
	return b, nil
}

// WriteRound overwrites the block wholesale with a new round's state and
// bumps the round sequence.
func (b *StateBlock) WriteRound(board Board, meta Meta) error {
	if board.Width > b.maxWidth || board.Height > b.maxHeight || board.Width <= 0 || board.Height <= 0 {
		return fmt.Errorf("%w: %dx%d into %dx%d", ErrBoardTooLarge, board.Width, board.Height, b.maxWidth, b.maxHeight)
	}
	if len(board.Cells) != board.Width*board.Height {
		return fmt.Errorf("%w: %d cells for %dx%d", ErrBadCellCount, len(board.Cells), board.Width, board.Height)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	round := binary.LittleEndian.Uint32(b.buf[offRound:]) + 1
	binary.LittleEndian.PutUint32(b.buf[offRound:], round)
	binary.LittleEndian.PutUint16(b.buf[offWidth:], uint16(board.Width))
	binary.LittleEndian.PutUint16(b.buf[offHeight:], uint16(board.Height))
	b.buf[offPlayer] = meta.CurrentPlayer
	b.buf[offPlayer+1] = 0
	binary.LittleEndian.PutUint16(b.buf[offMoves:], meta.MoveCount)
	copy(b.buf[offCells:], board.Cells[:board.Width*board.Height])
	return nil
}

// Round returns the current round sequence number
func (b *StateBlock) Round() uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return binary.LittleEndian.Uint32(b.buf[offRound:])
}

// ReadBoard returns a copy of the current board
func (b *StateBlock) ReadBoard() Board {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w := int(binary.LittleEndian.Uint16(b.buf[offWidth:]))
	h := int(binary.LittleEndian.Uint16(b.buf[offHeight:]))
	cells := make([]uint8, w*h)
	copy(cells, b.buf[offCells:offCells+w*h])
	return Board{Width: w, Height: h, Cells: cells}
}

// ReadMeta returns the current round metadata
func (b *StateBlock) ReadMeta() Meta {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Meta{
		CurrentPlayer: b.buf[offPlayer],
		MoveCount:     binary.LittleEndian.Uint16(b.buf[offMoves:]),
	}
}

// Cell returns the cell state at (x, y) of the current board.
// Coordinates outside the board read as the zero state rather than
// panicking the calling slot.
func (b *StateBlock) Cell(x, y int) uint8 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	w := int(binary.LittleEndian.Uint16(b.buf[offWidth:]))
	h := int(binary.LittleEndian.Uint16(b.buf[offHeight:]))
	if x < 0 || y < 0 || x >= w || y >= h {
		return 0
	}
	return b.buf[offCells+y*w+x]
}
