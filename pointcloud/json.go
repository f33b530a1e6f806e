package pointcloud

import (
	"encoding/json"
	"fmt"
	"image/color"

	"gonum.org/v1/gonum/spatial/r3"
)

// jsonCloud is the wire form: {"points": [[x,y,z], ...], "colors": [[r,g,b], ...]}.
type jsonCloud struct {
	Points [][3]float64 `json:"points"`
	Colors [][3]uint8   `json:"colors,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (c *Cloud) MarshalJSON() ([]byte, error) {
	out := jsonCloud{Points: make([][3]float64, len(c.Points))}
	for i, p := range c.Points {
		out.Points[i] = [3]float64{p.X, p.Y, p.Z}
	}
	if c.HasColors() {
		out.Colors = make([][3]uint8, len(c.Colors))
		for i, col := range c.Colors {
			out.Colors[i] = [3]uint8{col.R, col.G, col.B}
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cloud) UnmarshalJSON(data []byte) error {
	var in jsonCloud
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if len(in.Colors) > 0 && len(in.Colors) != len(in.Points) {
		return fmt.Errorf("cloud has %d colors for %d points", len(in.Colors), len(in.Points))
	}

	c.Points = make([]r3.Vec, len(in.Points))
	for i, p := range in.Points {
		c.Points[i] = r3.Vec{X: p[0], Y: p[1], Z: p[2]}
	}
	c.Colors = nil
	if len(in.Colors) > 0 {
		c.Colors = make([]color.RGBA, len(in.Colors))
		for i, col := range in.Colors {
			c.Colors[i] = color.RGBA{R: col[0], G: col[1], B: col[2], A: 255}
		}
	}
	return nil
}

// ParseJSON decodes a JSON cloud and validates it.
func ParseJSON(data []byte) (*Cloud, error) {
	var c Cloud
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing cloud JSON: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("parsing cloud JSON: %w", err)
	}
	return &c, nil
}
