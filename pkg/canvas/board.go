// Package canvas holds the in-memory pixel grid, its default (background) colors
// and the optional placemap overlay.
package canvas

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Empty is the color byte of a transparent, never-painted cell.
const Empty = 0xFF

// Placemap classifications
const (
	PlacemapNormal  = 0
	PlacemapTendril = 2
)

var ErrSizeMismatch = errors.New("map size does not match board dimensions")

// Board is the authoritative color grid. All methods are safe for concurrent use.
type Board struct {
	width       int
	height      int
	paletteSize int

	mu       sync.RWMutex
	pixels   []byte
	defaults []byte
	placemap []byte // nil when the board has no placemap
}

// NewBoard creates a board with every cell set to defaultColor.
func NewBoard(width, height, paletteSize int, defaultColor byte) *Board {
	b := &Board{
		width:       width,
		height:      height,
		paletteSize: paletteSize,
		pixels:      make([]byte, width*height),
		defaults:    make([]byte, width*height),
	}
	for i := range b.pixels {
		b.pixels[i] = defaultColor
		b.defaults[i] = defaultColor
	}
	return b
}

func (b *Board) Width() int       { return b.width }
func (b *Board) Height() int      { return b.height }
func (b *Board) PaletteSize() int { return b.paletteSize }

func (b *Board) inBounds(x, y int) bool {
	return x >= 0 && x < b.width && y >= 0 && y < b.height
}

// Pixel returns the current color at (x, y), or -1 outside the board.
func (b *Board) Pixel(x, y int) int {
	if !b.inBounds(x, y) {
		return -1
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.pixels[y*b.width+x])
}

// SetPixel writes a color. Out-of-bounds writes are ignored.
func (b *Board) SetPixel(x, y, color int) {
	if !b.inBounds(x, y) {
		return
	}
	b.mu.Lock()
	b.pixels[y*b.width+x] = byte(color)
	b.mu.Unlock()
}

// DefaultColor returns the background color at (x, y), or -1 outside the board.
func (b *Board) DefaultColor(x, y int) int {
	if !b.inBounds(x, y) {
		return -1
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.defaults[y*b.width+x])
}

// Placemap returns the placemap classification at (x, y). ok is false when the
// board has no placemap. Cells outside the board report placemap type -1.
func (b *Board) Placemap(x, y int) (kind int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.placemap == nil {
		return 0, false
	}
	if !b.inBounds(x, y) {
		return -1, true
	}
	return int(b.placemap[y*b.width+x]), true
}

// SetDefaults replaces the background map and resets every cell to it.
func (b *Board) SetDefaults(data []byte) error {
	if len(data) != b.width*b.height {
		return fmt.Errorf("default map: %w (got %d bytes, want %d)", ErrSizeMismatch, len(data), b.width*b.height)
	}
	b.mu.Lock()
	copy(b.defaults, data)
	copy(b.pixels, data)
	b.mu.Unlock()
	return nil
}

// SetPlacemap installs a placemap overlay. A nil slice removes it.
func (b *Board) SetPlacemap(data []byte) error {
	if data != nil && len(data) != b.width*b.height {
		return fmt.Errorf("placemap: %w (got %d bytes, want %d)", ErrSizeMismatch, len(data), b.width*b.height)
	}
	b.mu.Lock()
	if data == nil {
		b.placemap = nil
	} else {
		b.placemap = append([]byte(nil), data...)
	}
	b.mu.Unlock()
	return nil
}

// LoadDefaultsFile reads a raw one-byte-per-cell background map.
func (b *Board) LoadDefaultsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read default map: %w", err)
	}
	return b.SetDefaults(data)
}

// LoadPlacemapFile reads a raw one-byte-per-cell placemap.
func (b *Board) LoadPlacemapFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read placemap: %w", err)
	}
	return b.SetPlacemap(data)
}
