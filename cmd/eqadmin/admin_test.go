package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/fabric_errors"
)

const twoChannels = `
name: desk
nodes:
  - name: node0
    pipes:
      - name: gpu0
        windows:
          - name: win0
            viewport: [0, 0, 1600, 900]
            channels:
              - {name: left, viewport: [0, 0, 0.5, 1]}
              - {name: right, viewport: [0.5, 0, 0.5, 1]}
layouts:
  - {name: both, channels: [left, right]}
  - {name: solo, channels: [left]}
canvases:
  - name: main
    layouts: [both, solo]
    segments:
      - {name: s0, channels: [left, right]}
compounds:
  - name: root
    children:
      - {name: l, channel: left}
      - {name: r, channel: right}
`

func newAdmin(t *testing.T, src uint64) (*Admin, *bytes.Buffer) {
	var out bytes.Buffer
	a, err := NewAdmin(Options{Src: src, LogLevel: slog.LevelError, Out: &out})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, &out
}

func writeConfig(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "desk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(twoChannels), 0o644))
	return path
}

func run(t *testing.T, a *Admin, out *bytes.Buffer, line string) string {
	out.Reset()
	require.NoError(t, a.Execute(line), line)
	return out.String()
}

func TestAdmin_Lifecycle(t *testing.T) {
	a, out := newAdmin(t, 1)
	path := writeConfig(t)

	assert.ErrorIs(t, a.Execute("init"), ErrNoConfig)
	assert.Contains(t, run(t, a, out, "load "+path), "config desk: 1 nodes, 2 channels, 1 canvases")
	assert.ErrorIs(t, a.Execute("load "+path), ErrConfigBusy)

	assert.Contains(t, run(t, a, out, "canvases"), "main\tstopped\tlayout both")
	run(t, a, out, "init")
	assert.Contains(t, run(t, a, out, "canvases"), "main\trunning\tlayout both")

	tree := run(t, a, out, "compounds")
	assert.Contains(t, tree, "root\t-\tactive\n")
	assert.Contains(t, tree, "  l\tleft\tactive\n")
	assert.Contains(t, tree, "  r\tright\tactive\n")

	assert.Equal(t, "frame 1 finished\n", run(t, a, out, "finish"))
	assert.Equal(t, "frame 1, nothing to finish\n", run(t, a, out, "finish"))

	assert.Equal(t, "main: layout solo\n", run(t, a, out, "layout main 1"))
	assert.Contains(t, run(t, a, out, "compounds"), "  r\tright\tinactive\n")
	assert.Equal(t, "frame 2 finished\n", run(t, a, out, "finish"))

	assert.Equal(t, "main: layout none\n", run(t, a, out, "layout main none"))
	assert.Contains(t, run(t, a, out, "compounds"), "  l\tleft\tinactive\n")
	assert.ErrorIs(t, a.Execute("layout main x"), ErrBadArgument)
	assert.ErrorIs(t, a.Execute("layout nowhere 0"), ErrBadArgument)
	assert.ErrorIs(t, a.Execute("layout main 2"), fabric_errors.ErrInvalidLayoutIndex)

	assert.Contains(t, run(t, a, out, "exit"), "config desk closed")
	assert.ErrorIs(t, a.Execute("canvases"), ErrNoConfig)
	assert.ErrorIs(t, a.Execute("quit"), io.EOF)
	assert.Error(t, a.Execute("frobnicate"))
}

func TestAdmin_MirrorOverNetwork(t *testing.T) {
	master, mout := newAdmin(t, 1)
	slave, sout := newAdmin(t, 2)

	run(t, master, mout, "load "+writeConfig(t))
	run(t, master, mout, "init")
	run(t, master, mout, "listen tcp://127.0.0.1:0")
	addr, ok := master.hub.ListenAddr("tcp://127.0.0.1:0")
	require.True(t, ok)

	var leftID string
	for _, line := range strings.Split(run(t, master, mout, "channels"), "\n") {
		if fields := strings.Split(line, "\t"); len(fields) > 1 && fields[1] == "left" {
			leftID = fields[0]
		}
	}
	require.NotEmpty(t, leftID)

	peer := strings.TrimSpace(strings.TrimPrefix(run(t, slave, sout, "connect tcp://"+addr.String()), "peer "))
	run(t, slave, sout, "mirror "+peer+" "+leftID)
	require.Eventually(t, func() bool {
		sout.Reset()
		if err := slave.Execute("show " + leftID); err != nil {
			return false
		}
		return strings.Contains(sout.String(), "left") &&
			strings.Contains(sout.String(), "pvp [0 0 800 900]")
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, run(t, slave, sout, "peers"), peer)
	require.NoError(t, slave.Execute("command "+peer+" "+leftID+" redraw now"))
	assert.ErrorIs(t, slave.Execute("show 1-999"), ErrBadArgument)
}
