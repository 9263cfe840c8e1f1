// Package signature records free-hand signature strokes and rasterizes them
// into the PNG artifact that is bound to a decision.
package signature

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/pitabwire/signoff/model"
)

// ContentType is the media type of every artifact produced by this package.
const ContentType = "image/png"

// Default surface geometry.
const (
	DefaultWidth     = 480
	DefaultHeight    = 160
	DefaultPenRadius = 1
)

var ink = color.NRGBA{R: 0x11, G: 0x18, B: 0x27, A: 0xff}

// Point is one pointer sample on the drawing surface, in surface pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is a continuous pointer path from press to release.
type Stroke []Point

// Options describes the drawing surface.
type Options struct {
	Width  int
	Height int
	// PenRadius is the brush radius in pixels; 0 draws one-pixel lines.
	PenRadius int
}

func (o Options) withDefaults() Options {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.PenRadius < 0 {
		o.PenRadius = 0
	}
	return o
}

// Pad is a fixed-size drawing surface. Samples that fall outside the surface
// are dropped and split the stroke they belong to. A Pad is safe for
// concurrent use.
type Pad struct {
	opts Options

	mu      sync.Mutex
	strokes []Stroke
	open    bool
}

// NewPad creates an empty pad.
func NewPad(opts Options) *Pad {
	return &Pad{opts: opts.withDefaults()}
}

// Bounds returns the surface size.
func (p *Pad) Bounds() (width, height int) {
	return p.opts.Width, p.opts.Height
}

// Begin starts a new stroke at pt (pointer down).
func (p *Pad) Begin(pt Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	p.add(pt)
}

// Extend continues the current stroke to pt (pointer move).
func (p *Pad) Extend(pt Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.add(pt)
}

// End closes the current stroke (pointer up).
func (p *Pad) End() {
	p.mu.Lock()
	p.open = false
	p.mu.Unlock()
}

// Draw records a complete stroke.
func (p *Pad) Draw(s Stroke) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	for _, pt := range s {
		p.add(pt)
	}
	p.open = false
}

func (p *Pad) add(pt Point) {
	if !p.inside(pt) {
		p.open = false
		return
	}
	if !p.open {
		p.strokes = append(p.strokes, Stroke{})
		p.open = true
	}
	last := len(p.strokes) - 1
	p.strokes[last] = append(p.strokes[last], pt)
}

func (p *Pad) inside(pt Point) bool {
	if math.IsNaN(pt.X) || math.IsNaN(pt.Y) {
		return false
	}
	return pt.X >= 0 && pt.Y >= 0 && pt.X < float64(p.opts.Width) && pt.Y < float64(p.opts.Height)
}

// IsEmpty reports whether nothing has been drawn.
func (p *Pad) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.strokes) == 0
}

// Clear discards every stroke. Clearing an empty pad is a no-op.
func (p *Pad) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strokes = nil
	p.open = false
}

// Strokes returns a copy of the recorded strokes.
func (p *Pad) Strokes() []Stroke {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stroke, len(p.strokes))
	for i, s := range p.strokes {
		out[i] = append(Stroke(nil), s...)
	}
	return out
}

// ToImage rasterizes the strokes into a PNG. The same strokes always
// produce the same bytes. It fails with an EMPTY_SIGNATURE error when
// nothing was drawn.
func (p *Pad) ToImage() ([]byte, error) {
	strokes := p.Strokes()

	if len(strokes) == 0 {
		return nil, model.NewEmptySignatureError()
	}

	img := image.NewNRGBA(image.Rect(0, 0, p.opts.Width, p.opts.Height))
	brush := disc(p.opts.PenRadius)
	for _, s := range strokes {
		prev := round(s[0])
		stamp(img, prev, brush)
		for _, pt := range s[1:] {
			next := round(pt)
			line(prev, next, func(q image.Point) { stamp(img, q, brush) })
			prev = next
		}
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode signature: %w", err)
	}
	return buf.Bytes(), nil
}

// Render rasterizes strokes on a fresh pad with the given surface.
func Render(opts Options, strokes []Stroke) ([]byte, error) {
	pad := NewPad(opts)
	for _, s := range strokes {
		pad.Draw(s)
	}
	return pad.ToImage()
}

func round(pt Point) image.Point {
	return image.Pt(int(math.Floor(pt.X)), int(math.Floor(pt.Y)))
}

// disc returns the pixel offsets covered by a round brush of radius r.
func disc(r int) []image.Point {
	var offs []image.Point
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				offs = append(offs, image.Pt(dx, dy))
			}
		}
	}
	return offs
}

func stamp(img *image.NRGBA, at image.Point, brush []image.Point) {
	b := img.Bounds()
	for _, o := range brush {
		q := at.Add(o)
		if q.In(b) {
			img.SetNRGBA(q.X, q.Y, ink)
		}
	}
}

// line walks the integer points from a to b inclusive (Bresenham).
func line(a, b image.Point, plot func(image.Point)) {
	dx := abs(b.X - a.X)
	dy := -abs(b.Y - a.Y)
	sx, sy := 1, 1
	if a.X > b.X {
		sx = -1
	}
	if a.Y > b.Y {
		sy = -1
	}
	err := dx + dy
	for {
		plot(a)
		if a == b {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			a.X += sx
		}
		if e2 <= dx {
			err += dx
			a.Y += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
