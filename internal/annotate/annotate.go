// Package annotate draws detections onto frames for the live preview.
package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/esp32-object-sentry/internal/policy"
	"github.com/dj-oyu/esp32-object-sentry/pkg/types"
)

// Mode selects which detections are drawn.
type Mode string

const (
	ModeAll     Mode = "all"     // every detection
	ModeGrouped Mode = "grouped" // only members of a configured group
)

var ttf *truetype.Font

func init() {
	var err error
	ttf, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

var (
	colorSuspicious = color.RGBA{R: 230, G: 40, B: 40, A: 255}
	colorAllowed    = color.RGBA{R: 40, G: 200, B: 70, A: 255}
	colorOther      = color.RGBA{R: 240, G: 200, B: 30, A: 255}
	colorLabelText  = color.White
)

// Annotator renders boxes and labels. It is safe for concurrent use.
type Annotator struct {
	groups    policy.Groups
	mode      Mode
	quality   int
	lineWidth float64

	mu   sync.Mutex
	face font.Face
	size float64
}

// New creates an annotator. quality is the JPEG quality of Render.
func New(groups policy.Groups, mode Mode, quality int) (*Annotator, error) {
	switch mode {
	case ModeAll, ModeGrouped:
	case "":
		mode = ModeAll
	default:
		return nil, fmt.Errorf("unknown annotate mode: %s", mode)
	}
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Annotator{
		groups:    groups,
		mode:      mode,
		quality:   quality,
		lineWidth: 2,
	}, nil
}

// Visible returns the detections the annotator's mode draws.
func (a *Annotator) Visible(dets []types.Detection) []types.Detection {
	if a.mode == ModeAll {
		return dets
	}
	out := make([]types.Detection, 0, len(dets))
	for _, d := range dets {
		if a.groups.GroupOf(d.ClassID) != "" {
			out = append(out, d)
		}
	}
	return out
}

// ColorFor returns the box colour of a class.
func (a *Annotator) ColorFor(classID int) color.Color {
	switch {
	case a.groups.Contains(policy.GroupSuspicious, classID):
		return colorSuspicious
	case a.groups.Contains(policy.GroupAllowed, classID):
		return colorAllowed
	default:
		return colorOther
	}
}

// Label is the text drawn above a box.
func Label(d types.Detection) string {
	name := d.ClassName
	if name == "" {
		name = fmt.Sprintf("class_%d", d.ClassID)
	}
	return fmt.Sprintf("%s %.2f", name, d.Confidence)
}

// Annotate returns a copy of img with dets drawn on it.
func (a *Annotator) Annotate(img image.Image, dets []types.Detection) image.Image {
	dc := gg.NewContextForImage(img)
	visible := a.Visible(dets)
	if len(visible) == 0 {
		return dc.Image()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	dc.SetFontFace(a.fontFace(img.Bounds().Dy()))

	for _, d := range visible {
		c := a.ColorFor(d.ClassID)
		r := d.Box.Rect()

		dc.SetColor(c)
		dc.SetLineWidth(a.lineWidth)
		dc.DrawRectangle(float64(r.Min.X), float64(r.Min.Y), float64(r.Dx()), float64(r.Dy()))
		dc.Stroke()

		text := Label(d)
		tw, th := dc.MeasureString(text)
		pad := 3.0
		y := float64(r.Min.Y) - th - 2*pad
		if y < 0 {
			y = float64(r.Min.Y)
		}
		dc.SetColor(c)
		dc.DrawRectangle(float64(r.Min.X), y, tw+2*pad, th+2*pad)
		dc.Fill()

		dc.SetColor(colorLabelText)
		dc.DrawStringAnchored(text, float64(r.Min.X)+pad, y+pad, 0, 1)
	}

	return dc.Image()
}

// fontFace scales the label font with the frame height. Caller holds mu.
func (a *Annotator) fontFace(height int) font.Face {
	size := float64(height) / 40
	if size < 10 {
		size = 10
	}
	if a.face == nil || a.size != size {
		a.face = truetype.NewFace(ttf, &truetype.Options{Size: size})
		a.size = size
	}
	return a.face
}

// Render annotates frame and encodes it as JPEG. With nothing to draw the
// source JPEG is returned unchanged.
func (a *Annotator) Render(frame types.Frame, dets []types.Detection) ([]byte, error) {
	if len(a.Visible(dets)) == 0 && len(frame.JPEG) > 0 {
		return frame.JPEG, nil
	}
	if frame.Image == nil {
		return nil, fmt.Errorf("frame %d has no decoded image", frame.Seq)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, a.Annotate(frame.Image, dets), &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}
