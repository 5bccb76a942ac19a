package webpage

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/go-rod/rod/lib/proto"

	"github.com/vmeurisse/slimerjs/screenshot"
)

// ClipRect returns the active clip rectangle, or nil when output is not
// clipped.
func (p *Page) ClipRect() *ClipRect {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.clip == nil {
		return nil
	}
	clip := *p.clip
	return &clip
}

// SetClipRect restricts rendered output to a rectangle. Top and Left must
// be non-negative and Width and Height positive; nil clears clipping.
func (p *Page) SetClipRect(clip *ClipRect) error {
	if clip != nil {
		if clip.Top < 0 || clip.Left < 0 || clip.Width <= 0 || clip.Height <= 0 {
			return usageErrorf("clipRect", "invalid rectangle %+v", *clip)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if clip == nil {
		p.clip = nil
		return nil
	}
	c := *clip
	p.clip = &c
	return nil
}

// RenderBytes captures the surface as image bytes. Format png is the
// lossless default; jpg/jpeg encodes at the fixed quality. Ratio scales
// the output; zero means unscaled.
func (p *Page) RenderBytes(format string, ratio float64) ([]byte, error) {
	f, err := screenshot.ParseFormat(format)
	if err != nil {
		return nil, usageErrorf("render", "%v", err)
	}
	if ratio < 0 {
		return nil, usageErrorf("render", "scale ratio must be positive, got %v", ratio)
	}
	if ratio == 0 {
		ratio = 1
	}

	p.mu.Lock()
	if p.state != StateOpen {
		p.mu.Unlock()
		return nil, ErrPageNotOpen
	}
	capture := p.capture
	clip := p.clip
	p.mu.Unlock()

	req := &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	}
	if f == screenshot.JPEG {
		quality := screenshot.JPEGQuality
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		req.Quality = &quality
	}
	if clip != nil {
		// Clip and ratio apply engine-side in one capture viewport.
		req.Clip = &proto.PageViewport{
			X:      clip.Left,
			Y:      clip.Top,
			Width:  clip.Width,
			Height: clip.Height,
			Scale:  ratio,
		}
	}

	data, err := capture(req)
	if err != nil {
		return nil, fmt.Errorf("failed to capture surface: %w", err)
	}

	if clip == nil && ratio != 1 {
		// Full-surface captures have no engine-side viewport to scale
		// through; scale the bitmap instead.
		data, err = screenshot.Scale(data, ratio, f)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// RenderBase64 captures the surface and returns base64 encoded bytes.
// It is RenderBytes at a different encoding.
func (p *Page) RenderBase64(format string, ratio float64) (string, error) {
	data, err := p.RenderBytes(format, ratio)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Render captures the surface into a file, inferring the format from the
// path extension and defaulting to PNG.
func (p *Page) Render(path string, ratio float64) error {
	data, err := p.RenderBytes(string(screenshot.FormatFromPath(path)), ratio)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write render output: %w", err)
	}
	return nil
}
