package pointcloud

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"os"
)

// maxInflatedBytes caps decompressed payloads at 256 MB. Larger payloads are
// rejected rather than truncated.
var maxInflatedBytes int64 = 256 << 20

// Decode decodes a point cloud payload in any of the supported encodings:
//   - gzip- or zlib-compressed data (unwrapped, then decoded again)
//   - JSON ({"points": [[x,y,z], ...]})
//   - XYZ text with a column header
func Decode(data []byte) (*Cloud, error) {
	return decode(data, 0)
}

func decode(data []byte, depth int) (*Cloud, error) {
	data = bytes.TrimLeft(data, " \t\r\n")
	if len(data) == 0 {
		return nil, fmt.Errorf("empty data")
	}
	if depth > 1 {
		return nil, fmt.Errorf("nested compression is not supported")
	}

	switch {
	case IsGzip(data):
		raw, err := inflate(gzip.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("decompressing gzip data: %w", err)
		}
		return decode(raw, depth+1)
	case IsZlib(data):
		// "x " is also a valid zlib header, so text gets a second chance.
		raw, err := inflate(zlib.NewReader(bytes.NewReader(data)))
		if err == nil {
			return decode(raw, depth+1)
		}
		if c, xyzErr := ParseXYZ(bytes.NewReader(data)); xyzErr == nil {
			return c, nil
		}
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	case data[0] == '{':
		return ParseJSON(data)
	default:
		c, err := ParseXYZ(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("unknown format: not compressed, JSON, or XYZ: %w", err)
		}
		return c, nil
	}
}

// IsGzip checks for the gzip magic bytes.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// IsZlib checks for a zlib header: deflate method and a valid FCHECK.
func IsZlib(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	cmf, flg := data[0], data[1]
	return cmf&0x0f == 8 && (uint16(cmf)<<8|uint16(flg))%31 == 0
}

func inflate(r io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("creating reader: %w", err)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(io.LimitReader(r, maxInflatedBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > maxInflatedBytes {
		return nil, fmt.Errorf("decompressed data exceeds %d bytes", maxInflatedBytes)
	}
	return out, nil
}

// DecodeFile reads and decodes a point cloud file in any supported encoding.
func DecodeFile(path string) (*Cloud, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	c, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}
