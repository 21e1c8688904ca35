package fabric_errors

import "fmt"

// Code is a numeric failure reason a node, pipe, window or channel reports
// back to the configuration owner, e.g. why init failed.
type Code uint32

const (
	CodeNone Code = iota
	CodeFBOUnsupported
	CodeFramebufferStatus
	CodeFramebufferUnsupported
	CodeFramebufferIncomplete
	CodeFramebufferInvalidSize
	CodeWindowSystemUnknown
	CodeNodeLaunch
	CodeNodeConnect
	CodePipeNodeNotRunning
	CodePipeDeviceNotFound
	CodePipeCreateContextFailed
	CodeWindowPipeNotRunning
	CodeWindowPVPInvalid
	CodeWindowNoPixelFormat
	CodeWindowCreateFailed
	CodeChannelWindowNotRunning
	CodePBOUnsupported
)

// CodeCustom is the first code applications may use for their own reasons.
const CodeCustom Code = 0x10000

var codeNames = map[Code]string{
	CodeNone:                    "no error",
	CodeFBOUnsupported:          "frame buffer objects not supported",
	CodeFramebufferStatus:       "frame buffer status check failed",
	CodeFramebufferUnsupported:  "unsupported frame buffer format",
	CodeFramebufferIncomplete:   "incomplete frame buffer",
	CodeFramebufferInvalidSize:  "invalid frame buffer size",
	CodeWindowSystemUnknown:     "unknown window system",
	CodeNodeLaunch:              "could not launch node",
	CodeNodeConnect:             "could not connect node",
	CodePipeNodeNotRunning:      "pipe's node is not running",
	CodePipeDeviceNotFound:      "graphics device not found",
	CodePipeCreateContextFailed: "could not create pipe context",
	CodeWindowPipeNotRunning:    "window's pipe is not running",
	CodeWindowPVPInvalid:        "invalid window pixel viewport",
	CodeWindowNoPixelFormat:     "no matching pixel format",
	CodeWindowCreateFailed:      "could not create window",
	CodeChannelWindowNotRunning: "channel's window is not running",
	CodePBOUnsupported:          "pixel buffer objects not supported",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	if c >= CodeCustom {
		return fmt.Sprintf("custom error %d", uint32(c-CodeCustom))
	}
	return fmt.Sprintf("error %d", uint32(c))
}
