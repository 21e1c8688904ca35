package scene

import (
	"io"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/drpcorg/fabric/utils"
)

// The configuration file format:
//
//	name: wall
//	nodes:
//	  - name: node0
//	    pipes:
//	      - name: gpu0
//	        display: {system: glx, display: ":0", screen: 0}
//	        windows:
//	          - name: win0
//	            viewport: [0, 0, 1920, 1080]
//	            channels:
//	              - {name: left, viewport: [0, 0, 0.5, 1]}
//	layouts:
//	  - {name: split, channels: [left, right]}
//	canvases:
//	  - name: front
//	    layouts: [split]
//	    layout: 0
//	    segments:
//	      - {name: s0, channels: [left]}
//	compounds:
//	  - name: root
//	    children:
//	      - {name: l, channel: left}

type configFile struct {
	Name      string         `yaml:"name"`
	Nodes     []nodeFile     `yaml:"nodes"`
	Layouts   []layoutFile   `yaml:"layouts"`
	Canvases  []canvasFile   `yaml:"canvases"`
	Compounds []compoundFile `yaml:"compounds"`
}

type nodeFile struct {
	Name  string     `yaml:"name"`
	Pipes []pipeFile `yaml:"pipes"`
}

type displayFile struct {
	System  string `yaml:"system"`
	Display string `yaml:"display"`
	Screen  uint32 `yaml:"screen"`
	Device  uint32 `yaml:"device"`
}

type pipeFile struct {
	Name    string       `yaml:"name"`
	Display *displayFile `yaml:"display"`
	Windows []windowFile `yaml:"windows"`
}

type windowFile struct {
	Name     string        `yaml:"name"`
	Viewport []int32       `yaml:"viewport"`
	Channels []channelFile `yaml:"channels"`
}

type channelFile struct {
	Name          string    `yaml:"name"`
	Viewport      []float32 `yaml:"viewport"`
	PixelViewport []int32   `yaml:"pixel_viewport"`
	Near          *float32  `yaml:"near"`
	Far           *float32  `yaml:"far"`
}

type layoutFile struct {
	Name     string   `yaml:"name"`
	Channels []string `yaml:"channels"`
}

type segmentFile struct {
	Name     string    `yaml:"name"`
	Viewport []float32 `yaml:"viewport"`
	Channels []string  `yaml:"channels"`
}

type canvasFile struct {
	Name     string        `yaml:"name"`
	Layouts  []string      `yaml:"layouts"`
	Layout   *uint32       `yaml:"layout"`
	Segments []segmentFile `yaml:"segments"`
}

type compoundFile struct {
	Name     string         `yaml:"name"`
	Channel  string         `yaml:"channel"`
	Children []compoundFile `yaml:"children"`
}

// Load reads a configuration description.
func Load(r io.Reader, log utils.Logger) (*Config, error) {
	var file configFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "config file")
	}
	cfg := NewConfig(file.Name, log)
	for _, nf := range file.Nodes {
		if err := loadNode(cfg, nf); err != nil {
			return nil, err
		}
	}
	for _, lf := range file.Layouts {
		l := cfg.AddLayout(lf.Name)
		for _, name := range lf.Channels {
			ch, err := findChannel(cfg, name, "layout "+lf.Name)
			if err != nil {
				return nil, err
			}
			l.AddChannel(ch)
		}
	}
	for _, cf := range file.Canvases {
		if err := loadCanvas(cfg, cf); err != nil {
			return nil, err
		}
	}
	for _, cf := range file.Compounds {
		ch, err := findOptionalChannel(cfg, cf.Channel, "compound "+cf.Name)
		if err != nil {
			return nil, err
		}
		if err := loadCompounds(cfg, cfg.AddCompound(cf.Name, ch), cf.Children); err != nil {
			return nil, err
		}
	}
	cfg.log.Info("config: loaded", "config", cfg.name, "nodes", len(cfg.nodes),
		"channels", len(cfg.channels), "canvases", len(cfg.canvases))
	return cfg, nil
}

func findChannel(cfg *Config, name, user string) (*Channel, error) {
	ch := cfg.Channel(name)
	if ch == nil {
		return nil, errors.Errorf("%s: no channel %q", user, name)
	}
	return ch, nil
}

func findOptionalChannel(cfg *Config, name, user string) (*Channel, error) {
	if name == "" {
		return nil, nil
	}
	return findChannel(cfg, name, user)
}

func loadNode(cfg *Config, nf nodeFile) error {
	n := cfg.AddNode(nf.Name)
	for _, pf := range nf.Pipes {
		p := n.AddPipe(pf.Name)
		if pf.Display != nil {
			h, err := displayHandle(*pf.Display)
			if err != nil {
				return errors.Wrapf(err, "pipe %s", pf.Name)
			}
			if err := p.SetDisplay(h); err != nil {
				return err
			}
		}
		for _, wf := range pf.Windows {
			w := p.AddWindow(wf.Name)
			if wf.Viewport != nil {
				if len(wf.Viewport) != 4 {
					return errors.Errorf("window %s: viewport needs 4 values", wf.Name)
				}
				w.SetPixelViewport(PixelViewport{wf.Viewport[0], wf.Viewport[1], wf.Viewport[2], wf.Viewport[3]})
			}
			for _, cf := range wf.Channels {
				if cfg.Channel(cf.Name) != nil {
					return errors.Errorf("channel %q defined twice", cf.Name)
				}
				if err := loadChannel(w.AddChannel(cf.Name), cf); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func loadChannel(ch *Channel, cf channelFile) error {
	switch {
	case cf.Viewport != nil && cf.PixelViewport != nil:
		return errors.Errorf("channel %s: both viewport and pixel_viewport", cf.Name)
	case cf.Viewport != nil:
		if len(cf.Viewport) != 4 {
			return errors.Errorf("channel %s: viewport needs 4 values", cf.Name)
		}
		if err := ch.SetViewport(Viewport{cf.Viewport[0], cf.Viewport[1], cf.Viewport[2], cf.Viewport[3]}); err != nil {
			return err
		}
	case cf.PixelViewport != nil:
		if len(cf.PixelViewport) != 4 {
			return errors.Errorf("channel %s: pixel_viewport needs 4 values", cf.Name)
		}
		pvp := PixelViewport{cf.PixelViewport[0], cf.PixelViewport[1], cf.PixelViewport[2], cf.PixelViewport[3]}
		if err := ch.SetPixelViewport(pvp); err != nil {
			return err
		}
	}
	if cf.Near != nil || cf.Far != nil {
		f := DefaultFrustum
		if cf.Near != nil {
			f.Near = *cf.Near
		}
		if cf.Far != nil {
			f.Far = *cf.Far
		}
		ch.SetNearFar(f.Near, f.Far)
	}
	return nil
}

func displayHandle(df displayFile) (DisplayHandle, error) {
	ws, ok := ParseWindowSystem(df.System)
	if !ok {
		return nil, errors.Errorf("unknown window system %q", df.System)
	}
	switch ws {
	case WindowSystemGLX:
		return X11Display{Display: df.Display, Screen: df.Screen}, nil
	case WindowSystemAGL:
		return CGLDisplay{DisplayID: df.Device}, nil
	case WindowSystemWGL:
		return WGLDevice{Device: df.Device}, nil
	}
	return nil, errors.Errorf("window system %s needs no display", ws)
}

func loadCanvas(cfg *Config, cf canvasFile) error {
	cv := cfg.AddCanvas(cf.Name)
	for _, name := range cf.Layouts {
		l := cfg.Layout(name)
		if l == nil {
			return errors.Errorf("canvas %s: no layout %q", cf.Name, name)
		}
		cv.AddLayout(l)
	}
	if cf.Layout != nil {
		cv.setActiveLayout(*cf.Layout)
	}
	for _, sf := range cf.Segments {
		s := cv.AddSegment(sf.Name)
		if sf.Viewport != nil {
			if len(sf.Viewport) != 4 {
				return errors.Errorf("segment %s: viewport needs 4 values", sf.Name)
			}
			s.SetViewport(Viewport{sf.Viewport[0], sf.Viewport[1], sf.Viewport[2], sf.Viewport[3]})
		}
		for _, name := range sf.Channels {
			ch, err := findChannel(cfg, name, "segment "+sf.Name)
			if err != nil {
				return err
			}
			s.AddDestinationChannel(ch)
		}
	}
	return nil
}

func loadCompounds(cfg *Config, parent *Compound, children []compoundFile) error {
	for _, cf := range children {
		ch, err := findOptionalChannel(cfg, cf.Channel, "compound "+cf.Name)
		if err != nil {
			return err
		}
		if err := loadCompounds(cfg, parent.AddChild(cf.Name, ch), cf.Children); err != nil {
			return err
		}
	}
	return nil
}
