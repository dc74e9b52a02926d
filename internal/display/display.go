// Package display renders measurements on a monochrome SSD1306 panel.
package display

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"cloudpico-node/internal/errcode"
	"cloudpico-node/internal/types"
)

const (
	ErrRenderFault errcode.Code = "display_render_fault"
	ErrFlushFault  errcode.Code = "display_flush_fault"
)

// Panel is a frame-buffered display. *ssd1306.Dev satisfies it.
type Panel interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
	Halt() error
}

// Opener initializes the panel and returns it.
type Opener func() (Panel, error)

// SSD1306 returns an Opener for a 128x64 SSD1306 on bus.
func SSD1306(bus i2c.Bus) Opener {
	return func() (Panel, error) {
		dev, err := ssd1306.NewI2C(bus, &ssd1306.DefaultOpts)
		if err != nil {
			return nil, err
		}
		return dev, nil
	}
}

// Baselines of the three text lines.
var linePositions = [3]image.Point{{X: 1, Y: 10}, {X: 1, Y: 20}, {X: 1, Y: 30}}

// lineSpacing is the distance between baselines. Each line owns the rows
// (baseline-lineSpacing, baseline] and nothing is drawn outside them.
const lineSpacing = 10

// Lines returns the three text lines shown for m. Labels are upper case so no
// glyph needs a descender row below its baseline.
func Lines(m types.Measurement) [3]string {
	return [3]string{
		fmt.Sprintf("TEMP: %.2f C", m.Temperature),
		fmt.Sprintf("HUMIDITY: %.1f %%", m.Humidity),
		fmt.Sprintf("PRESS: %.0f Pa", m.Pressure),
	}
}

// lineBand returns the rows of frame bounds owned by the line at pos.
func lineBand(pos image.Point, bounds image.Rectangle) image.Rectangle {
	return image.Rect(bounds.Min.X, pos.Y-lineSpacing+1, bounds.Max.X, pos.Y+1).Intersect(bounds)
}

// band clips drawing on the frame to r.
type band struct {
	*image1bit.VerticalLSB
	r image.Rectangle
}

func (b band) Bounds() image.Rectangle { return b.r }

type Presenter struct {
	open   Opener
	face   font.Face
	logger *slog.Logger

	mu    sync.Mutex
	panel Panel
	frame *image1bit.VerticalLSB
}

func NewPresenter(open Opener, logger *slog.Logger) *Presenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presenter{open: open, face: basicfont.Face7x13, logger: logger}
}

// Init opens the panel once and allocates the off-screen frame.
func (p *Presenter) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panel != nil {
		return nil
	}
	if p.open == nil {
		return errcode.Newf(ErrRenderFault, "display.init", "no panel opener")
	}
	panel, err := p.open()
	if err != nil {
		return errcode.New(ErrFlushFault, "display.init", err)
	}
	p.panel = panel
	p.frame = image1bit.NewVerticalLSB(panel.Bounds())
	return nil
}

// Present clears the frame, draws the three measurement lines and flushes the
// whole frame in one transfer. Nothing reaches the panel if rendering fails.
func (p *Presenter) Present(m types.Measurement) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panel == nil || p.frame == nil {
		return errcode.Newf(ErrRenderFault, "display.present", "panel not initialized")
	}

	clear(p.frame.Pix)

	bounds := p.frame.Bounds()
	d := font.Drawer{
		Src:  image.NewUniform(image1bit.On),
		Face: p.face,
	}
	for i, line := range Lines(m) {
		pos := linePositions[i]
		width := font.MeasureString(p.face, line).Ceil()
		if pos.X+width > bounds.Max.X || pos.Y > bounds.Max.Y {
			return errcode.Newf(ErrRenderFault, "display.present",
				fmt.Sprintf("line %q does not fit %dx%d", line, bounds.Dx(), bounds.Dy()))
		}
		d.Dst = band{VerticalLSB: p.frame, r: lineBand(pos, bounds)}
		d.Dot = fixed.P(pos.X, pos.Y)
		d.DrawString(line)
	}

	if err := p.panel.Draw(bounds, p.frame, image.Point{}); err != nil {
		return errcode.New(ErrFlushFault, "display.present", err)
	}
	p.logger.Debug("display: frame flushed")
	return nil
}

// Close halts the panel.
func (p *Presenter) Close() error {
	p.mu.Lock()
	panel := p.panel
	p.panel = nil
	p.frame = nil
	p.mu.Unlock()
	if panel == nil {
		return nil
	}
	return panel.Halt()
}
