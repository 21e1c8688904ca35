package scene

import "fmt"

// PixelViewport is an area in pixels, relative to the parent's origin.
type PixelViewport struct {
	X, Y, W, H int32
}

func (p PixelViewport) Valid() bool {
	return p.W >= 0 && p.H >= 0
}

func (p PixelViewport) Empty() bool {
	return p.W == 0 || p.H == 0
}

// Apply cuts the fractional viewport out of this pixel viewport.
func (p PixelViewport) Apply(vp Viewport) PixelViewport {
	return PixelViewport{
		X: p.X + round(vp.X*float32(p.W)),
		Y: p.Y + round(vp.Y*float32(p.H)),
		W: round(vp.W * float32(p.W)),
		H: round(vp.H * float32(p.H)),
	}
}

// Fraction is the inverse of Apply: the share of this viewport that sub
// covers.
func (p PixelViewport) Fraction(sub PixelViewport) Viewport {
	if p.Empty() {
		return Viewport{}
	}
	w, h := float32(p.W), float32(p.H)
	return Viewport{
		X: float32(sub.X-p.X) / w,
		Y: float32(sub.Y-p.Y) / h,
		W: float32(sub.W) / w,
		H: float32(sub.H) / h,
	}
}

func (p PixelViewport) String() string {
	return fmt.Sprintf("[%d %d %d %d]", p.X, p.Y, p.W, p.H)
}

func round(f float32) int32 {
	if f < 0 {
		return int32(f - 0.5)
	}
	return int32(f + 0.5)
}

// Viewport is a fractional area, [0,1] on both axes for the full parent.
type Viewport struct {
	X, Y, W, H float32
}

var FullViewport = Viewport{0, 0, 1, 1}

func (v Viewport) Valid() bool {
	return v.W >= 0 && v.H >= 0 && v.X >= 0 && v.Y >= 0 && v.X+v.W <= 1.0001 && v.Y+v.H <= 1.0001
}

func (v Viewport) String() string {
	return fmt.Sprintf("[%g %g %g %g]", v.X, v.Y, v.W, v.H)
}

// Frustum is the near and far plane setup of a channel.
type Frustum struct {
	Near, Far float32
}

var DefaultFrustum = Frustum{Near: 0.1, Far: 100}
