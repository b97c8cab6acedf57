package winslot

import "sync"

// Rect is a window placement handed to the session driver so each
// session window lands in its own grid cell.
type Rect struct {
	X      int
	Y      int
	Width  int
	Height int
}

// Config describes the screen and grid. Zero values fall back to a
// 2x4 grid on 1920x1080.
type Config struct {
	ScreenWidth  int
	ScreenHeight int
	Rows         int
	Cols         int
}

// Grid computes a fixed set of window positions and hands them out
// round-robin with wraparound. No rendering happens here; the driver
// decides what (if anything) to do with the rectangle.
type Grid struct {
	mu        sync.Mutex
	positions []Rect
	idx       int
}

// Reserved vertical space for taskbar/title chrome so the bottom row
// stays fully on-screen.
const chromeHeight = 40

func New(cfg Config) *Grid {
	if cfg.ScreenWidth <= 0 {
		cfg.ScreenWidth = 1920
	}
	if cfg.ScreenHeight <= 0 {
		cfg.ScreenHeight = 1080
	}
	if cfg.Rows <= 0 {
		cfg.Rows = 2
	}
	if cfg.Cols <= 0 {
		cfg.Cols = 4
	}

	w := cfg.ScreenWidth / cfg.Cols
	h := (cfg.ScreenHeight - chromeHeight) / cfg.Rows

	g := &Grid{}
	for row := 0; row < cfg.Rows; row++ {
		for col := 0; col < cfg.Cols; col++ {
			g.positions = append(g.positions, Rect{
				X:      col * w,
				Y:      row * h,
				Width:  w - 10,
				Height: h - 10,
			})
		}
	}
	return g
}

// Next returns the next position, cycling through the grid.
func (g *Grid) Next() Rect {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.positions) == 0 {
		return Rect{Width: 480, Height: 540}
	}
	r := g.positions[g.idx%len(g.positions)]
	g.idx++
	return r
}

// Reset rewinds the cycle to the first cell.
func (g *Grid) Reset() {
	g.mu.Lock()
	g.idx = 0
	g.mu.Unlock()
}

func (g *Grid) Total() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.positions)
}
