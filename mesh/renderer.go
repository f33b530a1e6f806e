package mesh

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strings"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/kwv/driftmesh/pointcloud"
)

// Plane selects the two coordinates a cloud is projected onto.
type Plane string

const (
	PlaneXY Plane = "xy"
	PlaneXZ Plane = "xz"
	PlaneYZ Plane = "yz"
)

// ParsePlane parses a plane name. The empty string selects PlaneXY.
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "xy":
		return PlaneXY, nil
	case "xz":
		return PlaneXZ, nil
	case "yz":
		return PlaneYZ, nil
	}
	return "", fmt.Errorf("unknown plane %q (want xy, xz or yz)", s)
}

// Project returns the in-plane coordinates of v.
func (p Plane) Project(v r3.Vec) (float64, float64) {
	switch p {
	case PlaneXZ:
		return v.X, v.Z
	case PlaneYZ:
		return v.Y, v.Z
	default:
		return v.X, v.Y
	}
}

const (
	DefaultSourceColor  = "#E8A33D"
	DefaultTargetColor  = "#6B6B6B"
	DefaultAlignedColor = "#2F6FDE"

	DefaultRenderPadding    = 0.1
	DefaultRenderResolution = 150.0
	DefaultPointRadius      = 0.01

	// overlaySide is the canvas length, in millimetres, of the longer side
	// of the projected extent.
	overlaySide = 200.0
)

// nrgbaToRGBA converts color.NRGBA to the premultiplied color.RGBA canvas expects.
func nrgbaToRGBA(c color.NRGBA) color.RGBA {
	if c.A == 0 {
		return color.RGBA{0, 0, 0, 0}
	}
	if c.A == 255 {
		return color.RGBA{c.R, c.G, c.B, 255}
	}
	alpha32 := uint32(c.A)
	return color.RGBA{
		R: uint8((uint32(c.R) * alpha32) / 255),
		G: uint8((uint32(c.G) * alpha32) / 255),
		B: uint8((uint32(c.B) * alpha32) / 255),
		A: c.A,
	}
}

// withAlpha returns c at the given opacity, premultiplied.
func withAlpha(c color.RGBA, alpha uint8) color.RGBA {
	return nrgbaToRGBA(color.NRGBA{R: c.R, G: c.G, B: c.B, A: alpha})
}

// OverlayLayer is one cloud drawn as dots of a single color.
type OverlayLayer struct {
	Name  string
	Cloud *pointcloud.Cloud
	Color color.RGBA
}

// OverlayRenderer draws registration clouds projected onto a plane.
// Layers are drawn in order, so later layers sit on top.
type OverlayRenderer struct {
	Layers      []OverlayLayer
	Plane       Plane
	Padding     float64           // fraction of the canvas side
	PointRadius float64           // fraction of the canvas side
	Resolution  canvas.Resolution // PNG output only
	// Displacements draws a line from each point of From to the point with
	// the same index in To.
	Displacements bool
	From, To      *pointcloud.Cloud
}

// NewOverlayRenderer builds the source / target / aligned overlay of a
// result. The result must still carry its clouds.
func NewOverlayRenderer(r *JobResult, cfg RenderConfig, alignedColor string) (*OverlayRenderer, error) {
	if !r.HasClouds() {
		return nil, fmt.Errorf("result for job %s has no clouds to render", r.JobID)
	}
	plane, err := ParsePlane(cfg.Plane)
	if err != nil {
		return nil, err
	}
	if alignedColor == "" {
		alignedColor = DefaultAlignedColor
	}

	or := &OverlayRenderer{
		Layers: []OverlayLayer{
			{Name: "source", Cloud: r.Source, Color: withAlpha(parseHexColor(DefaultSourceColor), 140)},
			{Name: "target", Cloud: r.Target, Color: parseHexColor(DefaultTargetColor)},
			{Name: "aligned", Cloud: r.Aligned, Color: withAlpha(parseHexColor(alignedColor), 200)},
		},
		Plane:         plane,
		Padding:       DefaultRenderPadding,
		PointRadius:   DefaultPointRadius,
		Resolution:    canvas.DPI(DefaultRenderResolution),
		Displacements: true,
		From:          r.Source,
		To:            r.Aligned,
	}
	if cfg.Padding > 0 {
		or.Padding = cfg.Padding
	}
	if cfg.PointRadius > 0 {
		or.PointRadius = cfg.PointRadius
	}
	if cfg.Resolution > 0 {
		or.Resolution = canvas.DPI(cfg.Resolution)
	}
	return or, nil
}

// canvasRenderer is an interface that both svg and rasterizer renderers implement
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// frame maps projected coordinates to canvas millimetres.
type frame struct {
	minU, minV    float64
	scale, pad    float64
	width, height float64
}

func (f frame) toCanvas(u, v float64) (float64, float64) {
	return (u-f.minU)*f.scale + f.pad, (v-f.minV)*f.scale + f.pad
}

// computeFrame fits the projected extent of all layers into a canvas whose
// longer side is overlaySide plus padding.
func (r *OverlayRenderer) computeFrame() (frame, error) {
	minU, minV := math.MaxFloat64, math.MaxFloat64
	maxU, maxV := -math.MaxFloat64, -math.MaxFloat64
	points := 0
	for _, l := range r.Layers {
		if l.Cloud == nil {
			continue
		}
		for _, p := range l.Cloud.Points {
			u, v := r.Plane.Project(p)
			minU, maxU = math.Min(minU, u), math.Max(maxU, u)
			minV, maxV = math.Min(minV, v), math.Max(maxV, v)
			points++
		}
	}
	if points == 0 {
		return frame{}, fmt.Errorf("nothing to render: all layers are empty")
	}

	side := math.Max(maxU-minU, maxV-minV)
	if side <= 0 {
		side = 1 // a single point, or every point coincides
	}
	f := frame{
		minU:  minU,
		minV:  minV,
		scale: overlaySide / side,
		pad:   r.Padding * overlaySide,
	}
	f.width = (maxU-minU)*f.scale + 2*f.pad
	f.height = (maxV-minV)*f.scale + 2*f.pad
	return f, nil
}

// RenderToSVG writes the overlay as an SVG to the provided writer
func (r *OverlayRenderer) RenderToSVG(w io.Writer) error {
	f, err := r.computeFrame()
	if err != nil {
		return err
	}
	svgRenderer := svg.New(w, f.width, f.height, nil)
	r.renderToCanvas(svgRenderer, f)
	return svgRenderer.Close()
}

// RenderToPNG writes the overlay as a PNG with a legend to the provided writer
func (r *OverlayRenderer) RenderToPNG(w io.Writer) error {
	img, err := r.RenderImage()
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// RenderImage rasterizes the overlay and draws the legend in the top-left corner.
func (r *OverlayRenderer) RenderImage() (*image.RGBA, error) {
	f, err := r.computeFrame()
	if err != nil {
		return nil, err
	}
	rast := rasterizer.New(f.width, f.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, f)

	img := image.NewRGBA(rast.Bounds())
	draw.Draw(img, img.Bounds(), rast, rast.Bounds().Min, draw.Src)
	r.drawLegend(img)
	return img, nil
}

func (r *OverlayRenderer) renderToCanvas(renderer canvasRenderer, f frame) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(f.width, f.height), bgStyle, canvas.Identity)

	if r.Displacements && r.From != nil && r.To != nil {
		lineStyle := canvas.DefaultStyle
		lineStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		lineStyle.Stroke = canvas.Paint{Color: withAlpha(color.RGBA{128, 128, 128, 255}, 160)}
		lineStyle.StrokeWidth = 0.2

		n := min(r.From.Len(), r.To.Len())
		for i := 0; i < n; i++ {
			x1, y1 := f.toCanvas(r.Plane.Project(r.From.Point(i)))
			x2, y2 := f.toCanvas(r.Plane.Project(r.To.Point(i)))
			p := &canvas.Path{}
			p.MoveTo(x1, y1)
			p.LineTo(x2, y2)
			renderer.RenderPath(p, lineStyle, canvas.Identity)
		}
	}

	radius := r.PointRadius * overlaySide
	for _, l := range r.Layers {
		if l.Cloud == nil {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: l.Color}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, p := range l.Cloud.Points {
			cx, cy := f.toCanvas(r.Plane.Project(p))
			renderer.RenderPath(canvas.Circle(radius).Translate(cx, cy), style, canvas.Identity)
		}
	}
}

// drawLegend adds a swatch and label per layer to the image
func (r *OverlayRenderer) drawLegend(img *image.RGBA) {
	y := 15
	for _, l := range r.Layers {
		swatch := l.Color
		swatch.A = 255
		draw.Draw(img, image.Rect(10, y-6, 22, y+6), image.NewUniform(swatch), image.Point{}, draw.Src)

		label := l.Name
		if l.Cloud != nil {
			label = fmt.Sprintf("%s (%d)", l.Name, l.Cloud.Len())
		}
		drawText(img, 28, y+4, label, color.RGBA{0, 0, 0, 255})
		y += 18
	}
	drawText(img, 10, y+4, "plane "+string(r.Plane), color.RGBA{96, 96, 96, 255})
}

// drawText renders text onto an image at the specified position
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// parseHexColor parses a hex color string like "#FF6B6B" to color.RGBA
func parseHexColor(hex string) color.RGBA {
	// Default to red if parsing fails
	defaultColor := color.RGBA{255, 0, 0, 255}

	hex = strings.TrimPrefix(hex, "#")
	if len(hex) != 6 {
		return defaultColor
	}

	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return defaultColor
	}
	return color.RGBA{r, g, b, 255}
}
