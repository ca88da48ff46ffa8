// Package compositor assembles already-generated panel images and dialogue
// text into finished comic pages (stage 7) and renders HITL placeholder
// previews when a stage result has no panel bytes yet. This is pixel
// post-processing of content the image model already produced, not image
// generation itself (spec.md §1 Non-goals: "the engine does not itself
// render images").
//
// Grounded on internal/services/avatar.go's gg+freetype+x/image usage:
// load a font once, draw into a gg.Context, encode PNG.
package compositor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
)

const (
	pageWidth  = 1600
	pageHeight = 2400
	gutter     = 24
)

// PanelRender is one panel's rendered image plus the dialogue lines placed
// over it.
type PanelRender struct {
	PanelID  string
	Image    []byte // raw encoded image bytes (PNG/JPEG), may be nil for a placeholder
	Size     string // small|medium|large|splash, governs relative panel area
	Bubbles  []Bubble
}

type Bubble struct {
	Character  string
	Text       string
	BubbleType string // speech|thought|caption|sfx
}

// Page is one assembled page's input.
type Page struct {
	Number int
	Panels []PanelRender
}

// RenderedPage is the compositor's output for one page.
type RenderedPage struct {
	Number int
	PNG    []byte
}

// Compositor lays panels into a page grid and burns dialogue bubbles onto
// the composite, the way avatarService burns initials onto a generated
// background.
type Compositor struct {
	fontFace font.Face
}

// New loads the text rendering font once at boot (grounded on
// avatar.go's loadFontFace, generalized to pull the path from an env var
// with a built-in fallback since the compositor has no per-tenant config).
func New() (*Compositor, error) {
	face, err := loadFontFace(fontPath(), 28)
	if err != nil {
		return nil, fmt.Errorf("compositor: load font: %w", err)
	}
	return &Compositor{fontFace: face}, nil
}

func fontPath() string {
	if p := strings.TrimSpace(os.Getenv("PANELFORGE_COMPOSITOR_FONT")); p != "" {
		return p
	}
	return "/usr/share/fonts/truetype/dejavu/DejaVuSans-Bold.ttf"
}

func loadFontFace(path string, size float64) (font.Face, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed, err := truetype.Parse(raw)
	if err != nil {
		return nil, err
	}
	return truetype.NewFace(parsed, &truetype.Options{Size: size, DPI: 72, Hinting: font.HintingFull}), nil
}

// RenderPage lays out a page's panels in a simple top-to-bottom grid (one
// row per panel group by reading order) and burns each panel's dialogue
// bubbles onto the composite.
func (c *Compositor) RenderPage(page Page) (RenderedPage, error) {
	dc := gg.NewContext(pageWidth, pageHeight)
	dc.SetColor(color.White)
	dc.Clear()

	if len(page.Panels) == 0 {
		return c.encode(dc, page.Number)
	}

	rowHeight := (pageHeight - gutter*(len(page.Panels)+1)) / len(page.Panels)
	if rowHeight < 1 {
		rowHeight = 1
	}
	y := gutter
	for _, panel := range page.Panels {
		c.drawPanel(dc, panel, gutter, y, pageWidth-2*gutter, rowHeight)
		y += rowHeight + gutter
	}
	return c.encode(dc, page.Number)
}

func (c *Compositor) drawPanel(dc *gg.Context, panel PanelRender, x, y, w, h int) {
	dc.Push()
	dc.DrawRectangle(float64(x), float64(y), float64(w), float64(h))
	dc.Clip()

	if img, err := decodeImage(panel.Image); err == nil && img != nil {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
		dc.DrawImage(dst, x, y)
	} else {
		dc.SetColor(color.Gray{Y: 220})
		dc.DrawRectangle(float64(x), float64(y), float64(w), float64(h))
		dc.Fill()
	}

	dc.SetColor(color.Black)
	dc.DrawRectangle(float64(x), float64(y), float64(w), float64(h))
	dc.SetLineWidth(3)
	dc.Stroke()

	dc.SetFontFace(c.fontFace)
	dc.SetColor(color.Black)
	bubbleY := y + 30
	for _, b := range panel.Bubbles {
		line := b.Text
		if b.Character != "" {
			line = b.Character + ": " + b.Text
		}
		dc.DrawStringWrapped(line, float64(x+16), float64(bubbleY), 0, 0, float64(w-32), 1.4, gg.AlignLeft)
		bubbleY += 40
	}

	dc.Pop()
}

func decodeImage(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no image bytes")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	return img, err
}

func (c *Compositor) encode(dc *gg.Context, pageNumber int) (RenderedPage, error) {
	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return RenderedPage{}, fmt.Errorf("encode page %d: %w", pageNumber, err)
	}
	return RenderedPage{Number: pageNumber, PNG: buf.Bytes()}, nil
}

// RenderPlaceholder draws a single-panel "pending" preview for the HITL
// coordinator when no real output exists yet for a stage (spec.md §4.4
// previews at "the session's configured quality level").
func (c *Compositor) RenderPlaceholder(label string) ([]byte, error) {
	dc := gg.NewContext(pageWidth/2, pageHeight/4)
	dc.SetColor(color.Gray{Y: 235})
	dc.Clear()
	dc.SetColor(color.Black)
	dc.SetFontFace(c.fontFace)
	dc.DrawStringAnchored(label, pageWidth/4, pageHeight/8, 0.5, 0.5)
	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
