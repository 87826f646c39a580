package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// presenceConfidence is the minimum detection confidence treated as a
// person actually being in frame.
const presenceConfidence = 0.5

// RunProactive fires a scene check at the configured interval while the
// assistant is idle. A check that finds someone present synthesizes a
// system-originated turn so the assistant can volunteer an observation.
// Returns when ctx is cancelled. No-op when the interval is zero or no
// vision sidecar is wired.
func (o *Orchestrator) RunProactive(ctx context.Context) {
	if o.cfg.ProactiveInterval <= 0 || o.deps.Vision == nil {
		return
	}

	ticker := time.NewTicker(o.cfg.ProactiveInterval)
	defer ticker.Stop()

	o.logger.Info("proactive cycle started", "interval", o.cfg.ProactiveInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.proactiveTick(ctx)
		}
	}
}

// proactiveTick runs one proactive check. Idleness is checked before
// the scene scan and again by Begin itself: a turn that started in
// between simply wins and the tick is skipped.
func (o *Orchestrator) proactiveTick(ctx context.Context) {
	if o.State() != StateIdle {
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	scene, err := o.deps.Vision.Describe(scanCtx, "person")
	if err != nil {
		o.logger.Debug("proactive scan failed", "error", err)
		return
	}

	present := false
	for _, d := range scene.Detections {
		if d.Label == "person" && d.Confidence >= presenceConfidence {
			present = true
			break
		}
	}
	if !present {
		return
	}

	text := "You notice the user is present."
	if desc := strings.TrimSpace(scene.Description); desc != "" {
		text = fmt.Sprintf("You notice: %s. Offer a brief, relevant observation or greeting.", desc)
	}

	if _, err := o.Begin(ctx, OriginProactive, text); err != nil {
		// ErrBusy here means a real turn started between the idleness
		// check and now; the user wins.
		o.logger.Debug("proactive turn skipped", "reason", err)
	}
}
