package webpage

import (
	"context"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// startPopupInterception watches for engine targets opened by this
// surface's content. Every intercepted top-level open spawns a new child
// controller over the unnavigated surface, registers it in the child
// registry and fires the page-created notification; the opener then
// performs the actual navigation. In-frame open requests never reach the
// target layer and are ignored. Callers hold the page mutex.
func (p *Page) startPopupInterception() {
	client := p.engine.Client()
	if client == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.popupStop = cancel
	openerID := p.surface.TargetID

	scoped := client.Context(ctx)
	wait := scoped.EachEvent(func(e *proto.TargetTargetCreated) {
		info := e.TargetInfo
		if info == nil || info.Type != "page" {
			return
		}
		if info.OpenerID != openerID {
			return
		}
		p.adoptPopup(info.TargetID)
	})
	go wait()
}

// adoptPopup wraps an engine-created popup target in a new controller.
// Construction is bounded by the popup wait budget so a target the engine
// never finishes building cannot wedge interception.
func (p *Page) adoptPopup(targetID proto.TargetTargetID) {
	surface, err := p.engine.SurfaceFromTarget(targetID, p.popupWait)
	if err != nil {
		p.log.Warn("popup adoption failed", zap.Error(err))
		return
	}

	child := New(p.engine, Options{
		Settings:    p.Settings(),
		Logger:      p.log,
		FocusBudget: p.focusBudget,
		PopupWait:   p.popupWait,
		LibraryPath: p.libraryPath,
	})

	child.mu.Lock()
	child.adoptSurface(surface)
	// A popup already has its surface; it skips the opening handshake and
	// is immediately operable. Its lifetime is independent of the parent.
	child.state = StateOpen
	child.mu.Unlock()

	p.childMu.Lock()
	p.children = append(p.children, child)
	p.childMu.Unlock()

	p.log.Debug("popup intercepted", zap.String("target", string(targetID)))

	if fn := p.handlers().pageCreated; fn != nil {
		p.bridge.emitLocked(func() { fn(child) })
	}
}
