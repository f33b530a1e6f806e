package pointcloud

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// XYZOption configures ParseXYZ.
type XYZOption func(*xyzConfig)

type xyzConfig struct {
	flipY bool
}

// WithFlipY negates the Y column while reading, converting between a
// Y-down scanner frame and a Y-up one.
func WithFlipY() XYZOption {
	return func(c *xyzConfig) {
		c.flipY = true
	}
}

// ParseXYZ reads a whitespace-separated point file. The first line names the
// columns; X, Y and Z are required, R, G and B are optional and read as 0-255
// integers. Other columns are ignored. Blank lines and lines starting with
// '#' after the header are skipped.
func ParseXYZ(r io.Reader, opts ...XYZOption) (*Cloud, error) {
	var cfg xyzConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reading xyz header: %w", err)
		}
		return nil, fmt.Errorf("xyz: missing header line")
	}

	cols := map[string]int{}
	for i, name := range strings.Fields(sc.Text()) {
		cols[strings.ToUpper(name)] = i
	}
	xi, okX := cols["X"]
	yi, okY := cols["Y"]
	zi, okZ := cols["Z"]
	if !okX || !okY || !okZ {
		return nil, fmt.Errorf("xyz: header %q has no X Y Z columns", sc.Text())
	}
	ri, okR := cols["R"]
	gi, okG := cols["G"]
	bi, okB := cols["B"]
	hasColor := okR && okG && okB

	need := max(xi, yi, zi)
	if hasColor {
		need = max(need, ri, gi, bi)
	}

	cloud := &Cloud{}
	line := 1
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) <= need {
			return nil, fmt.Errorf("xyz line %d: %d columns, want at least %d", line, len(fields), need+1)
		}

		var p r3.Vec
		var err error
		if p.X, err = parseCoord(fields[xi]); err != nil {
			return nil, fmt.Errorf("xyz line %d: %w", line, err)
		}
		if p.Y, err = parseCoord(fields[yi]); err != nil {
			return nil, fmt.Errorf("xyz line %d: %w", line, err)
		}
		if p.Z, err = parseCoord(fields[zi]); err != nil {
			return nil, fmt.Errorf("xyz line %d: %w", line, err)
		}
		if cfg.flipY {
			p.Y = -p.Y
		}
		cloud.Points = append(cloud.Points, p)

		if hasColor {
			c, err := parseColor(fields[ri], fields[gi], fields[bi])
			if err != nil {
				return nil, fmt.Errorf("xyz line %d: %w", line, err)
			}
			cloud.Colors = append(cloud.Colors, c)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading xyz: %w", err)
	}
	if len(cloud.Points) == 0 {
		return nil, fmt.Errorf("xyz: no points")
	}
	return cloud, nil
}

func parseCoord(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing coordinate %q: %w", s, err)
	}
	if !finite(v) {
		return 0, fmt.Errorf("coordinate %q is not finite", s)
	}
	return v, nil
}

func parseColor(r, g, b string) (color.RGBA, error) {
	var out [3]uint8
	for i, s := range []string{r, g, b} {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return color.RGBA{}, fmt.Errorf("parsing color channel %q: %w", s, err)
		}
		out[i] = uint8(v)
	}
	return color.RGBA{R: out[0], G: out[1], B: out[2], A: 255}, nil
}

// ReadXYZFile reads a point file from disk.
func ReadXYZFile(path string, opts ...XYZOption) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening point file: %w", err)
	}
	defer func() { _ = f.Close() }()

	c, err := ParseXYZ(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// WriteXYZ writes the cloud with an "X Y Z" header, or "X Y Z R G B" when
// the cloud has colors.
func WriteXYZ(w io.Writer, c *Cloud) error {
	bw := bufio.NewWriter(w)
	colored := c.HasColors()
	header := "X Y Z"
	if colored {
		header += " R G B"
	}
	if _, err := fmt.Fprintln(bw, header); err != nil {
		return err
	}
	for i, p := range c.Points {
		line := strconv.FormatFloat(p.X, 'g', -1, 64) + " " +
			strconv.FormatFloat(p.Y, 'g', -1, 64) + " " +
			strconv.FormatFloat(p.Z, 'g', -1, 64)
		if colored {
			col := c.Colors[i]
			line += fmt.Sprintf(" %d %d %d", col.R, col.G, col.B)
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteXYZFile writes the cloud to path, creating or truncating it.
func WriteXYZFile(path string, c *Cloud) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating point file: %w", err)
	}
	if err := WriteXYZ(f, c); err != nil {
		_ = f.Close()
		return fmt.Errorf("writing point file: %w", err)
	}
	return f.Close()
}
