package scene

import "fmt"

type WindowSystem byte

const (
	WindowSystemNone WindowSystem = iota
	WindowSystemGLX
	WindowSystemAGL
	WindowSystemWGL
)

var windowSystemNames = map[WindowSystem]string{
	WindowSystemNone: "none",
	WindowSystemGLX:  "glx",
	WindowSystemAGL:  "agl",
	WindowSystemWGL:  "wgl",
}

func (ws WindowSystem) String() string {
	if name, ok := windowSystemNames[ws]; ok {
		return name
	}
	return fmt.Sprintf("ws(%d)", byte(ws))
}

func ParseWindowSystem(name string) (WindowSystem, bool) {
	for ws, n := range windowSystemNames {
		if n == name {
			return ws, true
		}
	}
	return WindowSystemNone, false
}

// DisplayHandle identifies the display device a pipe renders on. Exactly
// one concrete handle is chosen when the pipe is set up.
type DisplayHandle interface {
	WindowSystem() WindowSystem
	String() string
}

// X11Display is an X server connection string plus screen.
type X11Display struct {
	Display string
	Screen  uint32
}

func (X11Display) WindowSystem() WindowSystem { return WindowSystemGLX }

func (d X11Display) String() string {
	if d.Display == "" {
		return fmt.Sprintf(":0.%d", d.Screen)
	}
	return fmt.Sprintf("%s.%d", d.Display, d.Screen)
}

// CGLDisplay is a CoreGraphics display id.
type CGLDisplay struct {
	DisplayID uint32
}

func (CGLDisplay) WindowSystem() WindowSystem { return WindowSystemAGL }

func (d CGLDisplay) String() string {
	return fmt.Sprintf("cgl:%d", d.DisplayID)
}

// WGLDevice is a GPU affinity device index.
type WGLDevice struct {
	Device uint32
}

func (WGLDevice) WindowSystem() WindowSystem { return WindowSystemWGL }

func (d WGLDevice) String() string {
	return fmt.Sprintf("wgl:%d", d.Device)
}
