package countdown

import (
	"fmt"
	"time"
)

// CriticalThreshold is the remaining time at or below which surfaces switch
// to their critical look.
const CriticalThreshold = 5 * time.Minute

// Update is one frame pushed to every attached surface. All surfaces in a
// broadcast receive the same value.
type Update struct {
	Remaining time.Duration
	// Blank means there is no countdown to show.
	Blank bool
	// Expired marks the final zero frame.
	Expired bool
}

// Text formats the frame as MM:SS. Minutes are not wrapped at 60.
func (u Update) Text() string {
	if u.Blank {
		return ""
	}
	return Format(u.Remaining)
}

func (u Update) Critical() bool {
	return !u.Blank && u.Remaining <= CriticalThreshold
}

// Format renders d as MM:SS, truncating to whole seconds.
func Format(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// VisualState is what a surface looks like, independent of the exact time.
type VisualState string

const (
	VisualBlank    VisualState = "blank"
	VisualRunning  VisualState = "running"
	VisualCritical VisualState = "critical"
	VisualExpired  VisualState = "expired"
)

func (u Update) Visual() VisualState {
	switch {
	case u.Blank:
		return VisualBlank
	case u.Expired:
		return VisualExpired
	case u.Critical():
		return VisualCritical
	default:
		return VisualRunning
	}
}

// Surface is anything that renders countdown frames.
type Surface interface {
	Render(Update)
}

// Liveness is implemented by surfaces that can disappear without releasing
// their subscription, such as a browser tab that closed. Disconnected surfaces
// are dropped on the next broadcast.
type Liveness interface {
	Connected() bool
}

// SurfaceFunc adapts a function to a Surface.
type SurfaceFunc func(Update)

func (f SurfaceFunc) Render(u Update) { f(u) }

type AttachOptions struct {
	// OnStateChange is called when the surface's VisualState changes,
	// including once for the initial frame.
	OnStateChange func(VisualState)
}

// Subscription is the handle returned by AttachDisplay. The owner releases it
// on teardown.
type Subscription struct {
	ID       string
	engine   *Engine
	surface  Surface
	opts     AttachOptions
	visual   VisualState
	released bool
}

// Release detaches the surface. Releasing twice is harmless.
func (s *Subscription) Release() {
	if s.released {
		return
	}
	s.released = true
	s.engine.remove(s)
}

func (s *Subscription) alive() bool {
	if s.released {
		return false
	}
	if l, ok := s.surface.(Liveness); ok {
		return l.Connected()
	}
	return true
}
