package screenshot

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
)

// Scale resizes captured image bytes by ratio and re-encodes them in the
// given format. It is used when the capture itself could not apply the
// ratio engine-side (full-surface captures without a clip viewport).
func Scale(data []byte, ratio float64, f Format) ([]byte, error) {
	if ratio <= 0 {
		return nil, fmt.Errorf("invalid scale ratio %v", ratio)
	}
	if ratio == 1 {
		return data, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode capture for scaling: %w", err)
	}

	bounds := img.Bounds()
	w := int(math.Round(float64(bounds.Dx()) * ratio))
	h := int(math.Round(float64(bounds.Dy()) * ratio))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dc := gg.NewContext(w, h)
	dc.Scale(ratio, ratio)
	dc.DrawImage(img, 0, 0)

	return Encode(dc.Image(), f)
}
