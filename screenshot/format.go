// Package screenshot provides the bitmap back-end for rendered output:
// format selection, encoding and client-side scaling.
package screenshot

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"
)

// Format identifies an output image format.
type Format string

const (
	// PNG is the lossless default format.
	PNG Format = "png"
	// JPEG is encoded at a fixed 0.8 quality.
	JPEG Format = "jpeg"
)

// JPEGQuality is the fixed encoder quality used for JPEG output.
const JPEGQuality = 80

// ParseFormat normalizes a user-supplied format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "png", "":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	default:
		return "", fmt.Errorf("unsupported image format %q", s)
	}
}

// FormatFromPath infers the output format from a file extension. Unknown or
// missing extensions fall back to PNG.
func FormatFromPath(path string) Format {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if f, err := ParseFormat(ext); err == nil && ext != "" {
		return f
	}
	return PNG
}

// Encode serializes an image in the given format.
func Encode(img image.Image, f Format) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch f {
	case JPEG:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s image: %w", f, err)
	}
	return buf.Bytes(), nil
}
