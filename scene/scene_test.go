package scene

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/session"
)

const wallYAML = `
name: wall
nodes:
  - name: node0
    pipes:
      - name: gpu0
        display: {system: glx, display: ":0", screen: 1}
        windows:
          - name: win0
            viewport: [0, 0, 2000, 1000]
            channels:
              - {name: A, viewport: [0, 0, 0.5, 1]}
              - {name: B, viewport: [0.5, 0, 0.5, 1]}
  - name: node1
    pipes:
      - name: gpu0
        windows:
          - name: win0
            viewport: [0, 0, 1000, 1000]
            channels:
              - {name: C, pixel_viewport: [0, 0, 500, 1000], near: 1, far: 50}
              - {name: D}
layouts:
  - {name: L0, channels: [A, B]}
  - {name: L1, channels: [B, C]}
canvases:
  - name: front
    layouts: [L0, L1]
    layout: 0
    segments:
      - {name: s0, channels: [A, B]}
      - {name: s1, channels: [B, C]}
compounds:
  - name: root
    children:
      - name: cA
        channel: A
        children:
          - {name: cA-C, channel: C}
      - {name: cB, channel: B}
      - {name: cC, channel: C}
      - {name: cD, channel: D}
      - name: helper
`

func loadWall(t *testing.T) *Config {
	cfg, err := Load(strings.NewReader(wallYAML), nil)
	require.NoError(t, err)
	return cfg
}

func compounds(cfg *Config) map[string]*Compound {
	all := map[string]*Compound{}
	var walk func(c *Compound)
	walk = func(c *Compound) {
		all[c.Name()] = c
		for _, child := range c.Children() {
			walk(child)
		}
	}
	for _, root := range cfg.Compounds() {
		walk(root)
	}
	return all
}

func activity(cfg *Config) map[string]bool {
	ret := map[string]bool{}
	for name, c := range compounds(cfg) {
		ret[name] = c.Active()
	}
	return ret
}

func TestLoad(t *testing.T) {
	cfg := loadWall(t)
	assert.Equal(t, "wall", cfg.Name())
	assert.Len(t, cfg.Nodes(), 2)
	assert.Len(t, cfg.Channels(), 4)

	gpu := cfg.Nodes()[0].Pipes()[0]
	assert.Equal(t, WindowSystemGLX, gpu.WindowSystem())
	assert.Equal(t, ":0.1", gpu.Display().String())
	assert.Equal(t, WindowSystemNone, cfg.Nodes()[1].Pipes()[0].WindowSystem())

	assert.Equal(t, PixelViewport{1000, 0, 1000, 1000}, cfg.Channel("B").PixelViewport())
	assert.Equal(t, Viewport{0, 0, 0.5, 1}, cfg.Channel("C").Viewport())
	assert.Equal(t, Frustum{Near: 1, Far: 50}, cfg.Channel("C").Data().Frustum)
	assert.Equal(t, PixelViewport{0, 0, 1000, 1000}, cfg.Channel("D").PixelViewport())

	front := cfg.Canvas("front")
	require.NotNil(t, front)
	assert.Len(t, front.Segments(), 2)
	assert.Equal(t, cfg.Layout("L0"), front.ActiveLayout())
	assert.True(t, cfg.Layout("L1").Has(cfg.Channel("B")))
	assert.False(t, cfg.Layout("L1").Has(cfg.Channel("A")))
}

func TestLoad_Errors(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown field":   "name: x\nbogus: 1\n",
		"unknown channel": "layouts:\n  - {name: L, channels: [nope]}\n",
		"bad display":     "nodes:\n  - name: n\n    pipes:\n      - name: p\n        display: {system: vulkan}\n",
		"short viewport":  "nodes:\n  - name: n\n    pipes:\n      - name: p\n        windows:\n          - {name: w, viewport: [1, 2]}\n",
	} {
		_, err := Load(strings.NewReader(doc), nil)
		assert.Error(t, err, name)
	}
}

func TestLayoutSwitch(t *testing.T) {
	cfg := loadWall(t)
	posts := 0
	cfg.OnNeedsFinish = func() { posts++ }
	front := cfg.Canvas("front")

	// channel-less compounds are active from the start
	assert.Equal(t, map[string]bool{
		"root": true, "helper": true,
		"cA": false, "cA-C": false, "cB": false, "cC": false, "cD": false,
	}, activity(cfg))

	require.NoError(t, front.Init())
	assert.Equal(t, CanvasRunning, front.State())
	assert.Equal(t, 1, posts)
	assert.Equal(t, map[string]bool{
		"root": true, "helper": true,
		"cA": true, "cA-C": false, "cB": true, "cC": false, "cD": false,
	}, activity(cfg))

	posts = 0
	require.NoError(t, front.ActivateLayout(1))
	assert.Equal(t, 1, posts)
	assert.True(t, cfg.NeedsFinish())
	assert.Equal(t, uint32(1), front.ActiveLayoutIndex())
	assert.Equal(t, map[string]bool{
		"root": true, "helper": true,
		// cA-C hangs under cA and is never visited
		"cA": false, "cA-C": false, "cB": true, "cC": true, "cD": false,
	}, activity(cfg))

	// same layout again is a no-op
	posts = 0
	require.NoError(t, front.ActivateLayout(1))
	assert.Zero(t, posts)

	assert.Equal(t, uint64(1), cfg.FinishFrame())
	assert.False(t, cfg.NeedsFinish())

	var names []string
	for _, c := range cfg.ActiveCompounds() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"root", "cB", "cC", "helper"}, names)

	require.NoError(t, front.Exit())
	assert.Equal(t, CanvasStopped, front.State())
	assert.Equal(t, map[string]bool{
		"root": true, "helper": true,
		"cA": false, "cA-C": false, "cB": false, "cC": false, "cD": false,
	}, activity(cfg))
}

func TestLayoutSwitch_OutOfRangeMeansNone(t *testing.T) {
	cfg := loadWall(t)
	front := cfg.Canvas("front")
	require.NoError(t, front.Init())

	require.NoError(t, front.ActivateLayout(7))
	assert.Nil(t, front.ActiveLayout())
	for _, name := range []string{"cA", "cB", "cC"} {
		assert.False(t, compounds(cfg)[name].Active(), name)
	}
	require.NoError(t, front.ActivateLayout(0))
	assert.True(t, compounds(cfg)["cA"].Active())
}

func TestLayoutSwitch_RefusedLeavesNoTrace(t *testing.T) {
	cfg := loadWall(t)
	front := cfg.Canvas("front")
	require.NoError(t, front.Init())
	before := activity(cfg)

	other := loadWall(t)
	front.Segments()[1].AddDestinationChannel(other.Channel("C"))
	cfg.Layout("L1").AddChannel(other.Channel("C"))

	posts := 0
	cfg.OnNeedsFinish = func() { posts++ }
	err := front.ActivateLayout(1)
	assert.ErrorIs(t, err, fabric_errors.ErrStateViolation)
	assert.Equal(t, before, activity(cfg))
	assert.Equal(t, uint32(0), front.ActiveLayoutIndex())
	assert.Zero(t, posts)
}

func TestLayoutSwitch_FinishCallbackMayEditCompounds(t *testing.T) {
	cfg := loadWall(t)
	front := cfg.Canvas("front")
	var added []*Compound
	cfg.OnNeedsFinish = func() {
		added = append(added, cfg.AddCompound("overlay", nil))
	}

	done := make(chan error, 1)
	go func() {
		if err := front.Init(); err != nil {
			done <- err
			return
		}
		done <- front.ActivateLayout(1)
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("layout switch blocked in the finish callback")
	}
	require.Len(t, added, 2)
	for _, comp := range added {
		assert.Contains(t, cfg.Compounds(), comp)
		require.NoError(t, cfg.RemoveCompound(comp))
	}
}

func TestCanvas_StateMachine(t *testing.T) {
	cfg := loadWall(t)
	front := cfg.Canvas("front")

	assert.ErrorIs(t, front.Exit(), fabric_errors.ErrStateViolation)
	assert.ErrorIs(t, front.SwitchLayout(0, 1), fabric_errors.ErrStateViolation)

	// stored, switched on init
	require.NoError(t, front.ActivateLayout(1))
	assert.False(t, compounds(cfg)["cC"].Active())
	require.NoError(t, front.Init())
	assert.True(t, compounds(cfg)["cC"].Active())
	assert.False(t, compounds(cfg)["cA"].Active())
	assert.ErrorIs(t, front.Init(), fabric_errors.ErrStateViolation)

	// a direct switch leaves the selected index alone
	require.NoError(t, front.SwitchLayout(1, 0))
	assert.True(t, compounds(cfg)["cA"].Active())
	assert.Equal(t, uint32(1), front.ActiveLayoutIndex())

	cfg.FinishFrame()
	front.PostDelete()
	assert.Equal(t, CanvasDelete, front.State())
	assert.True(t, cfg.NeedsFinish())
	require.NoError(t, front.Exit())
	assert.Equal(t, CanvasDelete, front.State())
	assert.ErrorIs(t, front.Init(), fabric_errors.ErrStateViolation)
}

func TestCanvas_ConcurrentActivations(t *testing.T) {
	cfg := loadWall(t)
	front := cfg.Canvas("front")
	require.NoError(t, front.Init())
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, front.ActivateLayout(uint32(i%2)))
		}(i)
	}
	wg.Wait()
	want := front.ActiveLayout()
	for _, name := range []string{"A", "C"} {
		ch := cfg.Channel(name)
		assert.Equal(t, want.Has(ch), compounds(cfg)["c"+name].Active(), name)
	}
	assert.True(t, compounds(cfg)["cB"].Active())
}

type recordingRegistry struct {
	*session.Session
	deregistered []object.ID
}

func (r *recordingRegistry) Deregister(ctx context.Context, id object.ID) error {
	r.deregistered = append(r.deregistered, id)
	return r.Session.Deregister(ctx, id)
}

func newRegistry(t *testing.T) *recordingRegistry {
	s, err := session.New(session.Options{Src: 1})
	require.NoError(t, err)
	return &recordingRegistry{Session: s}
}

func TestCanvas_DeregisterOrder(t *testing.T) {
	ctx := context.Background()
	cfg := loadWall(t)
	reg := newRegistry(t)
	require.NoError(t, cfg.Register(ctx, reg))
	front := cfg.Canvas("front")
	// deregistering unbinds the masters, so take the identities first
	s0, s1, cv := front.Segments()[0].ID(), front.Segments()[1].ID(), front.ID()
	assert.True(t, reg.IsMaster(cv))

	require.NoError(t, front.Deregister(ctx, reg))
	assert.Equal(t, []object.ID{s0, s1, cv}, reg.deregistered)
	assert.False(t, reg.IsMaster(s0))
	assert.Equal(t, object.ID0, front.ID())
}

func TestCanvas_DeregisterRefusesNonMasters(t *testing.T) {
	ctx := context.Background()
	cfg := loadWall(t)
	reg := newRegistry(t)
	require.NoError(t, cfg.Register(ctx, reg))
	front := cfg.Canvas("front")
	s1 := front.Segments()[1]
	require.NoError(t, reg.Session.Deregister(ctx, s1.ID()))

	err := front.Deregister(ctx, reg)
	assert.ErrorIs(t, err, fabric_errors.ErrStateViolation)
	assert.Empty(t, reg.deregistered)
	assert.True(t, reg.IsMaster(front.Segments()[0].ID()))
	assert.True(t, reg.IsMaster(front.ID()))
}

func TestConfig_MirrorsFollowCommits(t *testing.T) {
	ctx := context.Background()
	cfg := loadWall(t)
	reg := newRegistry(t)
	require.NoError(t, cfg.Register(ctx, reg))

	a := cfg.Channel("A")
	aID := a.ID()
	mirror := NewChannelMirror()
	mirror.Slave().Attach(a.ID())
	var seen []PixelViewport
	mirror.OnViewportChanged = func(pvp PixelViewport) { seen = append(seen, pvp) }
	join, err := reg.RegisterSlave(a.ID(), &session.LocalMirror{Name: "node1", Slave: mirror.Slave()})
	require.NoError(t, err)
	assert.False(t, join.NeedsBaseline)

	// the initial state is still dirty from loading
	require.NoError(t, cfg.Commit(ctx, reg))
	assert.Equal(t, a.Data(), mirror.Data())
	mirror.SetWindowViewport(PixelViewport{W: 800, H: 600})
	assert.Equal(t, PixelViewport{0, 0, 400, 600}, mirror.PixelViewport())

	require.NoError(t, a.SetViewport(Viewport{0, 0, 0.25, 0.5}))
	a.SetError(fabric_errors.CodeCustom+1, "gpu lost")
	require.NoError(t, cfg.Commit(ctx, reg))
	assert.Equal(t, PixelViewport{0, 0, 200, 300}, mirror.PixelViewport())
	data := mirror.Data()
	assert.Equal(t, "gpu lost", data.ErrorMessage)
	assert.Equal(t, fabric_errors.CodeCustom+1, data.ErrorCode)
	assert.Equal(t, a.Master().Version(), mirror.Slave().Version())
	assert.NotEmpty(t, seen)

	// segments carry the identities of their channels
	seg := cfg.Canvas("front").Segments()[0]
	segMirror := &SegmentData{}
	segSlave := object.NewSlave(segMirror)
	segSlave.Attach(seg.ID())
	require.NoError(t, segSlave.Apply(seg.Master().Snapshot()))
	assert.Equal(t, []object.ID{a.ID(), cfg.Channel("B").ID()}, segMirror.Channels)

	require.NoError(t, cfg.Deregister(ctx, reg))
	assert.False(t, reg.IsMaster(aID))
}

func TestSegment_ChannelChangesReachSlaves(t *testing.T) {
	ctx := context.Background()
	cfg := loadWall(t)
	reg := newRegistry(t)
	require.NoError(t, cfg.Register(ctx, reg))
	require.NoError(t, cfg.Commit(ctx, reg))

	seg := cfg.Canvas("front").Segments()[0]
	data := &SegmentData{}
	slave := object.NewSlave(data)
	slave.Attach(seg.ID())
	require.NoError(t, slave.Apply(seg.Master().Snapshot()))
	_, err := reg.RegisterSlave(seg.ID(), &session.LocalMirror{Name: "node1", Slave: slave})
	require.NoError(t, err)

	read := func() (ids []object.ID) {
		slave.Read(func() { ids = data.Channels })
		return
	}
	a, b, d := cfg.Channel("A").ID(), cfg.Channel("B").ID(), cfg.Channel("D").ID()
	require.Equal(t, []object.ID{a, b}, read())

	seg.AddDestinationChannel(cfg.Channel("D"))
	require.NoError(t, cfg.Commit(ctx, reg))
	assert.Equal(t, seg.Master().Version(), slave.Version())
	assert.Equal(t, []object.ID{a, b, d}, read())

	assert.True(t, seg.RemoveDestinationChannel(cfg.Channel("A")))
	require.NoError(t, cfg.Commit(ctx, reg))
	assert.Equal(t, seg.Master().Version(), slave.Version())
	assert.Equal(t, []object.ID{b, d}, read())
}

func TestChannel_AttributesReachMirror(t *testing.T) {
	ctx := context.Background()
	cfg := loadWall(t)
	reg := newRegistry(t)
	require.NoError(t, cfg.Register(ctx, reg))
	require.NoError(t, cfg.Commit(ctx, reg))

	b := cfg.Channel("B")
	mirror := NewChannelMirror()
	mirror.Slave().Attach(b.ID())
	_, err := reg.RegisterSlave(b.ID(), &session.LocalMirror{Name: "node1", Slave: mirror.Slave()})
	require.NoError(t, err)

	b.SetTasks(TaskClear | TaskDraw)
	b.SetDrawable(2)
	b.SetColor([3]byte{255, 0, 128})
	b.SetMaxSize(4096, 2160)
	b.SetIAttribute(IAttrHintStatistics, 1)
	assert.Equal(t, int32(1), b.IAttribute(IAttrHintStatistics))
	require.NoError(t, cfg.Commit(ctx, reg))

	data := mirror.Data()
	assert.Equal(t, TaskClear|TaskDraw, data.Tasks)
	assert.Equal(t, uint32(2), data.Drawable)
	assert.Equal(t, [3]byte{255, 0, 128}, data.Color)
	assert.Equal(t, [2]int32{4096, 2160}, data.MaxSize)
	assert.Equal(t, int32(1), data.IAttributes[IAttrHintStatistics])
	assert.Equal(t, int32(0), data.IAttributes[IAttrHintSendToken])

	seg := cfg.Canvas("front").Segments()[0]
	assert.True(t, seg.RemoveDestinationChannel(b))
	assert.False(t, seg.RemoveDestinationChannel(b))
	assert.Equal(t, []*Channel{cfg.Channel("A")}, seg.DestinationChannels())
	seg.AddDestinationChannel(b)
	seg.AddDestinationChannel(b)
	assert.Len(t, seg.DestinationChannels(), 2)
}

func TestConfig_PipeWorkers(t *testing.T) {
	ctx := context.Background()
	cfg := loadWall(t)
	reg := newRegistry(t)
	require.NoError(t, cfg.Register(ctx, reg))

	var lock sync.Mutex
	handled := map[string][]string{}
	require.NoError(t, cfg.Start(ctx, func(ctx context.Context, cmd queue.Command) error {
		lock.Lock()
		defer lock.Unlock()
		handled[cmd.Origin.String()] = append(handled[cmd.Origin.String()], string(cmd.Payload))
		return nil
	}))
	a, c := cfg.Channel("A"), cfg.Channel("C")
	origin := object.NewID(9, 1)
	for _, p := range []string{"frame1", "frame2"} {
		require.NoError(t, cfg.Dispatcher().Dispatch(a.ID(), queue.Command{Origin: origin, Payload: []byte(p)}))
	}
	require.NoError(t, cfg.Dispatcher().Dispatch(c.ID(), queue.Command{Origin: c.ID(), Payload: []byte("x")}))
	cfg.Stop()

	assert.Equal(t, []string{"frame1", "frame2"}, handled[origin.String()])
	assert.Equal(t, []string{"x"}, handled[c.ID().String()])
	assert.ErrorIs(t, cfg.Dispatcher().Dispatch(a.ID(), queue.Command{}), fabric_errors.ErrUnknownIdentity)
}

func TestTree_RemoveOrder(t *testing.T) {
	cfg := loadWall(t)
	n := cfg.Nodes()[1]
	p := n.Pipes()[0]
	w := p.Windows()[0]
	assert.ErrorIs(t, cfg.RemoveNode(n), fabric_errors.ErrStateViolation)
	assert.ErrorIs(t, p.RemoveWindow(w), fabric_errors.ErrStateViolation)
	for _, ch := range w.Channels() {
		require.NoError(t, w.RemoveChannel(ch))
	}
	require.NoError(t, p.RemoveWindow(w))
	require.NoError(t, n.RemovePipe(p))
	require.NoError(t, cfg.RemoveNode(n))
	assert.Nil(t, cfg.Channel("C"))
	assert.Len(t, cfg.Nodes(), 1)

	root := cfg.Compounds()[0]
	assert.ErrorIs(t, cfg.RemoveCompound(root), fabric_errors.ErrStateViolation)
	helper := root.Children()[4]
	assert.Equal(t, "helper", helper.Name())
	require.NoError(t, root.RemoveChild(helper))
	assert.Nil(t, helper.Parent())
}

func TestGeometry(t *testing.T) {
	area := PixelViewport{0, 0, 1000, 500}
	vp := Viewport{0.25, 0.5, 0.5, 0.5}
	pvp := area.Apply(vp)
	assert.Equal(t, PixelViewport{250, 250, 500, 250}, pvp)
	assert.Equal(t, vp, area.Fraction(pvp))
	assert.False(t, Viewport{0.5, 0, 0.75, 1}.Valid())
	assert.Equal(t, Viewport{}, PixelViewport{}.Fraction(pvp))
}
