package pointcloud

import (
	"bytes"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func TestParseXYZ_PositionsOnly(t *testing.T) {
	in := "X Y Z\n0 0 0\n1 2 3\n\n# comment\n-1.5 0.25 1e-3\n"
	c, err := ParseXYZ(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseXYZ() error: %v", err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", c.Len())
	}
	if c.Point(2) != (r3.Vec{X: -1.5, Y: 0.25, Z: 0.001}) {
		t.Errorf("Point(2) = %+v", c.Point(2))
	}
	if c.HasColors() {
		t.Error("cloud without color columns has colors")
	}
}

func TestParseXYZ_ColumnOrderAndColors(t *testing.T) {
	in := "R G B Z Y X intensity\n255 0 10 3 2 1 0.5\n"
	c, err := ParseXYZ(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseXYZ() error: %v", err)
	}
	if c.Point(0) != (r3.Vec{X: 1, Y: 2, Z: 3}) {
		t.Errorf("Point(0) = %+v", c.Point(0))
	}
	if !c.HasColors() {
		t.Fatal("expected colors")
	}
	if c.Color(0) != (color.RGBA{R: 255, G: 0, B: 10, A: 255}) {
		t.Errorf("Color(0) = %+v", c.Color(0))
	}
}

func TestParseXYZ_FlipY(t *testing.T) {
	c, err := ParseXYZ(strings.NewReader("X Y Z\n1 2 3\n"), WithFlipY())
	if err != nil {
		t.Fatalf("ParseXYZ() error: %v", err)
	}
	if c.Point(0).Y != -2 {
		t.Errorf("Y = %v, want -2", c.Point(0).Y)
	}
}

func TestParseXYZ_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"empty", "", "missing header"},
		{"no position columns", "A B C\n1 2 3\n", "no X Y Z columns"},
		{"short row", "X Y Z\n1 2\n", "line 2"},
		{"bad number", "X Y Z\n1 two 3\n", "parsing coordinate"},
		{"bad color", "X Y Z R G B\n1 2 3 300 0 0\n", "color channel"},
		{"no points", "X Y Z\n", "no points"},
		{"nan", "X Y Z\nNaN 0 0\n", "not finite"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseXYZ(strings.NewReader(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestWriteXYZ_RoundTrip(t *testing.T) {
	c := &Cloud{
		Points: []r3.Vec{{X: 0.1, Y: -2, Z: 3e5}, {X: 1, Y: 1, Z: 1}},
		Colors: []color.RGBA{{R: 1, G: 2, B: 3, A: 255}, {R: 4, G: 5, B: 6, A: 255}},
	}

	var buf bytes.Buffer
	if err := WriteXYZ(&buf, c); err != nil {
		t.Fatalf("WriteXYZ() error: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "X Y Z R G B\n") {
		t.Errorf("unexpected header in %q", buf.String())
	}

	back, err := ParseXYZ(&buf)
	if err != nil {
		t.Fatalf("ParseXYZ() error: %v", err)
	}
	for i := range c.Points {
		if back.Point(i) != c.Point(i) {
			t.Errorf("point %d = %+v, want %+v", i, back.Point(i), c.Point(i))
		}
		if back.Color(i) != c.Color(i) {
			t.Errorf("color %d = %+v, want %+v", i, back.Color(i), c.Color(i))
		}
	}
}

func TestXYZFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cloud.xyz")
	c := New([]r3.Vec{{X: 1, Y: 2, Z: 3}})
	if err := WriteXYZFile(path, c); err != nil {
		t.Fatalf("WriteXYZFile() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "X Y Z\n1 2 3\n" {
		t.Errorf("file contents = %q", data)
	}

	back, err := ReadXYZFile(path)
	if err != nil {
		t.Fatalf("ReadXYZFile() error: %v", err)
	}
	if back.Point(0) != c.Point(0) {
		t.Errorf("Point(0) = %+v", back.Point(0))
	}

	if _, err := ReadXYZFile(filepath.Join(t.TempDir(), "missing.xyz")); err == nil {
		t.Error("expected error for missing file")
	}
}
