package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/fabric_errors"
	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/scene"
	"github.com/drpcorg/fabric/session"
	"github.com/drpcorg/fabric/store"
	"github.com/drpcorg/fabric/transport"
	"github.com/drpcorg/fabric/utils"
	"github.com/drpcorg/fabric/visitor"
)

type Options struct {
	Src      uint64
	StoreDir string
	History  string
	LogLevel slog.Level
	// Log overrides the stderr text logger built from LogLevel.
	Log utils.Logger
	// Out receives command output; stdout if nil.
	Out io.Writer
	// Net tunes the member connections (TLS, timeouts, buffers).
	Net []transport.NetOpt
}

var (
	ErrNoConfig    = errors.New("no config loaded")
	ErrConfigBusy  = errors.New("a config is already loaded, exit it first")
	ErrBadArgument = errors.New("bad argument")
)

// Admin is the state behind the REPL: one session, its network hub and at
// most one loaded config.
type Admin struct {
	log   utils.Logger
	out   io.Writer
	reg   *prometheus.Registry
	store *store.Store
	sess  *session.Session
	disp  *queue.Dispatcher
	hub   *transport.Hub

	ctx    context.Context
	cancel context.CancelFunc
	cfg    *scene.Config
	live   bool

	mirrors *xsync.MapOf[object.ID, *scene.ChannelMirror]
	metrics *http.Server
}

func NewAdmin(opts Options) (*Admin, error) {
	log := opts.Log
	if log == nil {
		log = utils.NewDefaultLogger(opts.LogLevel)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	a := &Admin{
		log:     log,
		out:     out,
		reg:     prometheus.NewRegistry(),
		disp:    queue.NewDispatcher(),
		mirrors: xsync.NewMapOf[object.ID, *scene.ChannelMirror](),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.reg.MustRegister(queue.Collectors()...)
	a.reg.MustRegister(transport.Collectors()...)

	if opts.StoreDir != "" {
		st, err := store.Open(opts.StoreDir, store.Options{Options: pebble.Options{}, Log: log})
		if err != nil {
			return nil, err
		}
		a.store = st
		a.reg.MustRegister(st.Collector())
	}
	sess, err := session.New(session.Options{
		Src:        opts.Src,
		Log:        log,
		Store:      a.store,
		Registerer: a.reg,
	})
	if err != nil {
		_ = a.closeStore()
		return nil, err
	}
	a.sess = sess
	a.hub = transport.NewHub(sess, a.disp, log, opts.Net...)
	return a, nil
}

// Execute runs one command line. io.EOF means quit.
func (a *Admin) Execute(line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "help":
		return a.CommandHelp(args)
	case "load":
		return a.CommandLoad(args)
	case "init":
		return a.CommandInit(args)
	case "exit":
		return a.CommandExit(args)
	case "canvases":
		return a.CommandCanvases(args)
	case "layout":
		return a.CommandLayout(args)
	case "compounds":
		return a.CommandCompounds(args)
	case "channels":
		return a.CommandChannels(args)
	case "finish":
		return a.CommandFinish(args)
	case "listen":
		return a.CommandListen(args)
	case "connect":
		return a.CommandConnect(args)
	case "disconnect":
		return a.CommandDisconnect(args)
	case "peers":
		return a.CommandPeers(args)
	case "mirror":
		return a.CommandMirror(args)
	case "show":
		return a.CommandShow(args)
	case "command":
		return a.CommandSend(args)
	case "metrics":
		return a.CommandMetrics(args)
	case "quit":
		return io.EOF
	default:
		return fmt.Errorf("command unknown: %s", cmd)
	}
}

func (a *Admin) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.out, format, args...)
}

var help = []string{
	"load <file.yaml>           read a config",
	"init                       register and start the config, canvases running",
	"exit                       stop and deregister the config",
	"canvases                   list canvases",
	"layout <canvas> <n|none>   activate a layout",
	"compounds                  print the task tree",
	"channels                   list channels and their identities",
	"finish                     finish the frame if a finish is pending",
	"listen <addr>              accept members, e.g. tcp://:4100",
	"connect <addr>             dial a member",
	"disconnect <name>          drop a connection",
	"peers                      list links",
	"mirror <peer> <id>         mirror a remote channel",
	"show <id>                  print a mirrored channel",
	"command <peer> <id> <text> send a command to a channel's pipe",
	"metrics <addr>             serve prometheus metrics over http",
	"quit",
}

func (a *Admin) CommandHelp(args []string) error {
	for _, h := range help {
		a.printf("%s\n", h)
	}
	return nil
}

func (a *Admin) CommandLoad(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: load <file.yaml>", ErrBadArgument)
	}
	if a.cfg != nil {
		return ErrConfigBusy
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	cfg, err := scene.Load(f, a.log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.printf("config %s: %d nodes, %d channels, %d canvases\n",
		cfg.Name(), len(cfg.Nodes()), len(cfg.Channels()), len(cfg.Canvases()))
	return nil
}

func (a *Admin) config() (*scene.Config, error) {
	if a.cfg == nil {
		return nil, ErrNoConfig
	}
	return a.cfg, nil
}

// pipeCommand is what the pipe workers run. Rendering is somebody else's
// job; the admin only logs what reached the pipe.
func (a *Admin) pipeCommand(ctx context.Context, cmd queue.Command) error {
	a.log.InfoCtx(ctx, "pipe: command", "origin", cmd.Origin, "payload", string(cmd.Payload))
	return nil
}

func (a *Admin) CommandInit(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if a.live {
		return fmt.Errorf("config %s is running", cfg.Name())
	}
	if err := cfg.Register(a.ctx, a.sess); err != nil {
		return err
	}
	if err := cfg.Start(a.ctx, a.pipeCommand); err != nil {
		return errors.Join(err, cfg.Deregister(a.ctx, a.sess))
	}
	for _, ch := range cfg.Channels() {
		if q, ok := pipeQueue(cfg, ch); ok {
			a.disp.Bind(ch.ID(), q)
		}
	}
	for _, cv := range cfg.Canvases() {
		if err := cv.Init(); err != nil {
			return err
		}
	}
	a.live = true
	if err := cfg.Commit(a.ctx, a.sess); err != nil {
		return err
	}
	a.printf("config %s running\n", cfg.Name())
	return nil
}

func pipeQueue(cfg *scene.Config, ch *scene.Channel) (*queue.CommandQueue, bool) {
	for _, p := range cfg.Pipes() {
		for _, w := range p.Windows() {
			for _, c := range w.Channels() {
				if c == ch {
					return p.CommandQueue(), true
				}
			}
		}
	}
	return nil, false
}

func (a *Admin) CommandExit(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	var errs []error
	if a.live {
		for _, cv := range cfg.Canvases() {
			if err := cv.Exit(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, ch := range cfg.Channels() {
			a.disp.Unbind(ch.ID())
		}
		cfg.Stop()
		errs = append(errs, cfg.Deregister(a.ctx, a.sess))
		a.live = false
	}
	a.cfg = nil
	a.printf("config %s closed\n", cfg.Name())
	return errors.Join(errs...)
}

func layoutName(cv *scene.Canvas) string {
	if l := cv.ActiveLayout(); l != nil {
		return l.Name()
	}
	return "none"
}

func (a *Admin) CommandCanvases(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	for _, cv := range cfg.Canvases() {
		a.printf("%s\t%s\t%s\tlayout %s\t%d segments\n",
			cv.ID(), cv.Name(), cv.State(), layoutName(cv), len(cv.Segments()))
	}
	return nil
}

func (a *Admin) CommandLayout(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if len(args) != 2 {
		return fmt.Errorf("%w: layout <canvas> <n|none>", ErrBadArgument)
	}
	cv := cfg.Canvas(args[0])
	if cv == nil {
		return fmt.Errorf("%w: no canvas %s", ErrBadArgument, args[0])
	}
	index := scene.LayoutNone
	if args[1] != "none" {
		n, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("%w: layout index %s", ErrBadArgument, args[1])
		}
		// the canvas itself falls back to none; refuse typos here
		if n >= uint64(len(cv.Layouts())) {
			return fmt.Errorf("%w: %s has %d layouts", fabric_errors.ErrInvalidLayoutIndex,
				cv.Name(), len(cv.Layouts()))
		}
		index = uint32(n)
	}
	if err := cv.ActivateLayout(index); err != nil {
		return err
	}
	if a.live {
		if err := cfg.Commit(a.ctx, a.sess); err != nil {
			return err
		}
	}
	a.printf("%s: layout %s\n", cv.Name(), layoutName(cv))
	return nil
}

func (a *Admin) CommandCompounds(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	_, err = cfg.Accept(visitor.Func[*scene.Compound](func(c *scene.Compound) (visitor.Result, error) {
		depth := 0
		for p := c.Parent(); p != nil; p = p.Parent() {
			depth++
		}
		state := "inactive"
		if c.Active() {
			state = "active"
		}
		channel := "-"
		if ch := c.Channel(); ch != nil {
			channel = ch.Name()
		}
		a.printf("%s%s\t%s\t%s\n", strings.Repeat("  ", depth), c.Name(), channel, state)
		return visitor.Continue, nil
	}))
	return err
}

func (a *Admin) CommandChannels(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	for _, ch := range cfg.Channels() {
		a.printf("%s\t%s\t%s\n", ch.ID(), ch.Name(), ch.PixelViewport())
	}
	return nil
}

func (a *Admin) CommandFinish(args []string) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if !cfg.NeedsFinish() {
		a.printf("frame %d, nothing to finish\n", cfg.Frame())
		return nil
	}
	a.printf("frame %d finished\n", cfg.FinishFrame())
	return nil
}

func (a *Admin) CommandListen(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: listen <addr>", ErrBadArgument)
	}
	if err := a.hub.Listen(args[0]); err != nil {
		return err
	}
	if addr, ok := a.hub.ListenAddr(args[0]); ok {
		a.printf("listening on %s\n", addr)
	}
	return nil
}

func (a *Admin) CommandConnect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: connect <addr>", ErrBadArgument)
	}
	if err := a.hub.Connect(args[0]); err != nil {
		return err
	}
	a.printf("peer %s\n", transport.ConnectName(args[0]))
	return nil
}

func (a *Admin) CommandDisconnect(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: disconnect <name>", ErrBadArgument)
	}
	return a.hub.Disconnect(args[0])
}

func (a *Admin) CommandPeers(args []string) error {
	stats := a.hub.Stats()
	for _, name := range a.hub.Links() {
		st := stats[name]
		a.printf("%s\tread buffer %d\twrite batch %.0f\n", name, st.ReadBuffer, st.WriteBatch)
	}
	return nil
}

func parseID(s string) (object.ID, error) {
	id := object.ParseID(s)
	if !id.Valid() {
		return id, fmt.Errorf("%w: identity %s", ErrBadArgument, s)
	}
	return id, nil
}

func (a *Admin) CommandMirror(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("%w: mirror <peer> <id>", ErrBadArgument)
	}
	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	m := scene.NewChannelMirror()
	m.OnViewportChanged = func(pvp scene.PixelViewport) {
		a.log.Info("mirror: viewport", "id", id, "pvp", pvp.String())
	}
	if err := a.hub.Subscribe(args[0], id, m.Slave()); err != nil {
		return err
	}
	a.mirrors.Store(id, m)
	return nil
}

func (a *Admin) CommandShow(args []string) error {
	if len(args) == 0 {
		var ids []object.ID
		a.mirrors.Range(func(id object.ID, _ *scene.ChannelMirror) bool {
			ids = append(ids, id)
			return true
		})
		sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
		for _, id := range ids {
			m, _ := a.mirrors.Load(id)
			a.printf("%s\tv%d\t%s\n", id, m.Slave().Version(), m.Data().Name)
		}
		return nil
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	m, ok := a.mirrors.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s is not mirrored", ErrBadArgument, id)
	}
	d := m.Data()
	a.printf("%s v%d %s\n\tpvp %s vp %s\n\tnear %g far %g\n\ttasks %#x\n",
		id, m.Slave().Version(), d.Name, d.PVP, d.VP, d.Frustum.Near, d.Frustum.Far, d.Tasks)
	if d.ErrorCode != 0 {
		a.printf("\terror %d %s\n", d.ErrorCode, d.ErrorMessage)
	}
	return nil
}

func (a *Admin) CommandSend(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: command <peer> <id> <text>", ErrBadArgument)
	}
	id, err := parseID(args[1])
	if err != nil {
		return err
	}
	return a.hub.Command(args[0], id, object.NewID(a.sess.Src(), 0), []byte(strings.Join(args[2:], " ")))
}

func (a *Admin) CommandMetrics(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: metrics <addr>", ErrBadArgument)
	}
	if a.metrics != nil {
		return fmt.Errorf("metrics already served on %s", a.metrics.Addr)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Addr: args[0], Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics: server failed", "addr", args[0], "err", err)
		}
	}()
	a.printf("metrics on http://%s/metrics\n", args[0])
	return nil
}

func (a *Admin) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *Admin) Close() error {
	var errs []error
	if a.cfg != nil {
		errs = append(errs, a.CommandExit(nil))
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
	}
	if a.hub != nil {
		errs = append(errs, a.hub.Close())
	}
	a.cancel()
	errs = append(errs, a.closeStore())
	return errors.Join(errs...)
}
