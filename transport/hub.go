package transport

import (
	"net"
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/drpcorg/fabric/object"
	"github.com/drpcorg/fabric/protocol"
	"github.com/drpcorg/fabric/queue"
	"github.com/drpcorg/fabric/session"
	"github.com/drpcorg/fabric/utils"
)

type subscription struct {
	peer  string
	slave *object.Slave
}

// Hub puts a session on the network: every connection gets a Link bound
// to the session and the command dispatcher, and local slaves subscribed
// through a peer are re-mapped whenever that peer reconnects.
type Hub struct {
	net   *Net
	sess  *session.Session
	disp  *queue.Dispatcher
	log   utils.Logger
	links *xsync.MapOf[string, *Link]
	subs  *xsync.MapOf[object.ID, subscription]
}

func NewHub(sess *session.Session, disp *queue.Dispatcher, log utils.Logger, opts ...NetOpt) *Hub {
	h := &Hub{
		sess:  sess,
		disp:  disp,
		log:   utils.OrDefault(log),
		links: xsync.NewMapOf[string, *Link](),
		subs:  xsync.NewMapOf[object.ID, subscription](),
	}
	h.net = NewNet(h.log, h.install, h.destroy, opts...)
	return h
}

func (h *Hub) install(name string) protocol.FeedDrainCloserTraced {
	link := NewLink(name, h.sess, h.disp, h.log)
	h.links.Store(name, link)
	LinkCount.Inc()
	h.subs.Range(func(id object.ID, sub subscription) bool {
		if sub.peer == name {
			if err := link.Map(id, sub.slave); err != nil {
				h.log.Warn("hub: re-map failed", "peer", name, "id", id, "err", err)
			}
		}
		return true
	})
	return link
}

func (h *Hub) destroy(name string, _ protocol.Traced) {
	if _, ok := h.links.LoadAndDelete(name); ok {
		LinkCount.Dec()
	}
}

func (h *Hub) Listen(addr string) error {
	return h.net.Listen(addr)
}

func (h *Hub) ListenAddr(addr string) (net.Addr, bool) {
	return h.net.ListenAddr(addr)
}

func (h *Hub) Unlisten(addr string) error {
	return h.net.Unlisten(addr)
}

// Connect dials addr and keeps redialing; the link is named
// ConnectName(addr).
func (h *Hub) Connect(addr string) error {
	return h.net.Connect(addr)
}

func (h *Hub) Disconnect(name string) error {
	return h.net.Disconnect(name)
}

// ConnectName is the peer name of an outbound connection to addr.
func ConnectName(addr string) string {
	return connectName(addr)
}

// Links lists the names of live links, sorted.
func (h *Hub) Links() (names []string) {
	h.links.Range(func(name string, _ *Link) bool {
		names = append(names, name)
		return true
	})
	slices.Sort(names)
	return
}

func (h *Hub) Link(name string) (*Link, bool) {
	return h.links.Load(name)
}

func (h *Hub) Stats() map[string]PeerStats {
	return h.net.Stats()
}

// Subscribe mirrors the master id, living behind peer, into slave. The
// subscription outlives reconnects until Unsubscribe.
func (h *Hub) Subscribe(peer string, id object.ID, slave *object.Slave) error {
	h.subs.Store(id, subscription{peer: peer, slave: slave})
	link, ok := h.links.Load(peer)
	if !ok {
		// mapped once the peer shows up
		h.sess.MapLocal(id, slave)
		return nil
	}
	return link.Map(id, slave)
}

func (h *Hub) Unsubscribe(id object.ID) error {
	sub, ok := h.subs.LoadAndDelete(id)
	if !ok {
		return ErrAddressUnknown
	}
	if link, ok := h.links.Load(sub.peer); ok {
		return link.Leave(id)
	}
	h.sess.UnmapLocal(id)
	return nil
}

// Command sends a command packet to the owner of target behind peer.
func (h *Hub) Command(peer string, target, origin object.ID, payload []byte) error {
	link, ok := h.links.Load(peer)
	if !ok {
		return ErrAddressUnknown
	}
	return link.Command(target, origin, payload)
}

func (h *Hub) Close() error {
	return h.net.Close()
}
