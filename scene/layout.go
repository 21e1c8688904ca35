package scene

import "slices"

// Layout is one arrangement of channels on the canvases of a config.
// A channel may serve several layouts.
type Layout struct {
	name     string
	channels []*Channel
}

func (l *Layout) Name() string {
	return l.name
}

func (l *Layout) Channels() []*Channel {
	return slices.Clone(l.channels)
}

func (l *Layout) AddChannel(ch *Channel) {
	if !l.Has(ch) {
		l.channels = append(l.channels, ch)
	}
}

func (l *Layout) RemoveChannel(ch *Channel) bool {
	i := slices.Index(l.channels, ch)
	if i < 0 {
		return false
	}
	l.channels = slices.Delete(l.channels, i, i+1)
	return true
}

// Has is false for a nil layout.
func (l *Layout) Has(ch *Channel) bool {
	return l != nil && slices.Contains(l.channels, ch)
}
