package webpage

import (
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// Settings is the flat configuration of one controller. Mutations only take
// effect on the next Open call: the controller snapshots the struct when a
// load begins and applies the snapshot to the surface.
type Settings struct {
	// UserAgent overrides the engine user agent when non-empty.
	UserAgent string

	// JavaScriptEnabled controls content script execution.
	JavaScriptEnabled bool

	// LoadTimeout bounds how long Open waits for the terminal load event.
	// Zero means wait indefinitely.
	LoadTimeout time.Duration
}

// DefaultSettings returns the controller defaults.
func DefaultSettings() Settings {
	return Settings{
		JavaScriptEnabled: true,
	}
}

// applySettings pushes a settings snapshot to the surface.
func applySettings(page *rod.Page, s Settings) error {
	if s.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent: s.UserAgent,
		}); err != nil {
			return err
		}
	}

	if err := (proto.EmulationSetScriptExecutionDisabled{
		Value: !s.JavaScriptEnabled,
	}).Call(page); err != nil {
		return err
	}

	return nil
}

// Settings returns a copy of the live settings.
func (p *Page) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// SetSettings replaces the live settings. The change has no retroactive
// effect on an already loading or loaded surface.
func (p *Page) SetSettings(s Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s
}
