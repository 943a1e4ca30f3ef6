package sacn

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dsmurfin/sacnkit/packet"
)

//DiscoveryDelegate receives assembled universe lists. SourceDiscovered
//fires when a source's complete, ascending list has been reassembled from
//its pages and differs from the last notified list.
type DiscoveryDelegate interface {
	SourceDiscovered(cid uuid.UUID, name string, universes []uint16)
	SourcesLost(cids []uuid.UUID)
	SocketClosed(iface string, err error)
}

//discoverySource reassembles one source's paged universe list.
type discoverySource struct {
	name string
	//universes accumulates pages; only the first universeCount entries
	//are meaningful
	universes     []uint16
	universeCount int
	nextPage          byte
	nextUniverseIndex int
	dirty             bool
	expiry            expiryTimer
}

//DiscoveryReceiverConfig configures a DiscoveryReceiver.
type DiscoveryReceiverConfig struct {
	IPMode     IPMode
	Interfaces []string
	Delegate   DiscoveryDelegate
	Executor   Executor
	Clock      Clock
	Sockets    SocketFactory
	Logger     logrus.FieldLogger
}

//DiscoveryReceiver listens on the universe discovery multicast group and
//assembles the paged universe lists each source announces.
type DiscoveryReceiver struct {
	mu sync.Mutex

	ipMode     IPMode
	interfaces []string

	clock   Clock
	factory SocketFactory
	log     logrus.FieldLogger

	queue    Executor
	delegate DiscoveryDelegate

	sockets []*receiveSocket
	sources map[uuid.UUID]*discoverySource

	started   bool
	heartbeat Ticker
	done      chan struct{}
}

//NewDiscoveryReceiver creates a DiscoveryReceiver.
func NewDiscoveryReceiver(cfg DiscoveryReceiverConfig) (*DiscoveryReceiver, error) {
	if cfg.IPMode.usesV6() && len(cfg.Interfaces) == 0 {
		return nil, ErrInterfacesRequired
	}
	r := &DiscoveryReceiver{
		ipMode:     cfg.IPMode,
		interfaces: append([]string(nil), cfg.Interfaces...),
		clock:      cfg.Clock,
		factory:    cfg.Sockets,
		log:        cfg.Logger,
		delegate:   cfg.Delegate,
		sources:    make(map[uuid.UUID]*discoverySource),
	}
	if r.clock == nil {
		r.clock = systemClock{}
	}
	if r.factory == nil {
		r.factory = defaultSocketFactory
	}
	if r.log == nil {
		r.log = discardLogger()
	}
	if cfg.Executor != nil {
		r.queue = cfg.Executor
	} else {
		r.queue = newCallbackQueue()
	}
	return r, nil
}

//SetDelegate replaces the delegate. Pass nil to unsubscribe.
func (r *DiscoveryReceiver) SetDelegate(d DiscoveryDelegate) {
	r.mu.Lock()
	r.delegate = d
	r.mu.Unlock()
}

//Start binds sockets and joins the discovery multicast group.
func (r *DiscoveryReceiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrReceiverStarted
	}
	if err := r.bindSocketsLocked(r.interfaces); err != nil {
		r.closeSocketsLocked()
		return err
	}
	r.started = true
	r.heartbeat = r.clock.NewTicker(heartbeatInterval)
	r.done = make(chan struct{})
	go r.run(r.heartbeat, r.done)
	for _, rs := range r.sockets {
		rs.sock.BeginReceiving(r.datagramCallback(), r.closedCallback(rs))
	}
	return nil
}

//Stop halts the heartbeat and closes all sockets synchronously.
func (r *DiscoveryReceiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrReceiverNotStarted
	}
	r.started = false
	r.heartbeat.Stop()
	close(r.done)
	r.closeSocketsLocked()
	r.sources = make(map[uuid.UUID]*discoverySource)
	return nil
}

//UpdateInterfaces diffs the interface set; removed interfaces close
//immediately, added ones join the discovery group.
func (r *DiscoveryReceiver) UpdateInterfaces(interfaces []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ipMode.usesV6() && len(interfaces) == 0 {
		return ErrInterfacesRequired
	}
	if !r.started {
		r.interfaces = append([]string(nil), interfaces...)
		return nil
	}
	next := make(map[string]bool)
	for _, name := range interfaces {
		next[name] = true
	}
	kept := r.sockets[:0]
	current := make(map[string]bool)
	for _, rs := range r.sockets {
		if next[rs.iface] {
			kept = append(kept, rs)
			current[rs.iface] = true
			continue
		}
		rs.sock.Close()
	}
	r.sockets = kept
	var added []string
	for _, name := range interfaces {
		if !current[name] {
			added = append(added, name)
		}
	}
	before := len(r.sockets)
	if len(added) > 0 {
		if err := r.bindSocketsLocked(added); err != nil {
			return err
		}
	}
	for _, rs := range r.sockets[before:] {
		rs.sock.BeginReceiving(r.datagramCallback(), r.closedCallback(rs))
	}
	r.interfaces = append([]string(nil), interfaces...)
	return nil
}

func (r *DiscoveryReceiver) bindSocketsLocked(interfaces []string) error {
	for _, t := range socketTargets(r.ipMode, interfaces) {
		sock := r.factory(t.family, t.iface)
		sock.SetReusePort()
		if err := sock.Bind(packet.Port); err != nil {
			return err
		}
		group := packet.DiscoveryGroupV4()
		if t.family == FamilyIPv6 {
			group = packet.DiscoveryGroupV6()
		}
		if err := sock.JoinMulticast(group); err != nil {
			sock.Close()
			return err
		}
		r.sockets = append(r.sockets, &receiveSocket{
			iface:  t.iface,
			family: t.family,
			sock:   sock,
		})
	}
	return nil
}

func (r *DiscoveryReceiver) closeSocketsLocked() {
	for _, rs := range r.sockets {
		rs.sock.Close()
	}
	r.sockets = nil
}

func (r *DiscoveryReceiver) datagramCallback() func(Datagram) {
	return func(d Datagram) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.started {
			return
		}
		p, err := packet.Parse(d.Data)
		if err != nil {
			r.log.WithField("from", d.SourceHost).WithError(err).Debug("dropped datagram")
			return
		}
		disc, ok := p.(*packet.DiscoveryPacket)
		if !ok {
			return
		}
		r.handleDiscoveryLocked(disc)
	}
}

func (r *DiscoveryReceiver) closedCallback(rs *receiveSocket) func(error) {
	return func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.started {
			return
		}
		iface := rs.iface
		r.postLocked(func(d DiscoveryDelegate) { d.SocketClosed(iface, err) })
	}
}

func (r *DiscoveryReceiver) run(heartbeat Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-heartbeat.C():
			r.mu.Lock()
			if r.started {
				r.heartbeatLocked()
			}
			r.mu.Unlock()
		}
	}
}

//heartbeatLocked evicts sources whose announcements stopped, coalescing
//them into one notification.
func (r *DiscoveryReceiver) heartbeatLocked() {
	var lost []uuid.UUID
	for cid, src := range r.sources {
		if src.expiry.expired(r.clock) {
			lost = append(lost, cid)
			delete(r.sources, cid)
		}
	}
	if len(lost) > 0 {
		r.postLocked(func(d DiscoveryDelegate) { d.SourcesLost(lost) })
	}
}

//handleDiscoveryLocked folds one discovery page into the source's
//accumulated list. A complete changed list is notified only once it
//verifies as ascending.
func (r *DiscoveryReceiver) handleDiscoveryLocked(p *packet.DiscoveryPacket) {
	cid := p.CID()
	src, ok := r.sources[cid]
	if !ok {
		src = &discoverySource{}
		r.sources[cid] = src
	}
	src.name = p.SourceName()
	src.expiry.reset(r.clock, discoveryExpiry)

	page := p.Page()
	last := p.LastPage()
	list := p.Universes()
	n := len(list)

	if page > 0 && page != src.nextPage {
		//mid-sequence of a page run we missed; wait for the next page 0
		src.nextPage = 0
		src.nextUniverseIndex = 0
		return
	}
	if page == 0 {
		src.nextPage = 0
		src.nextUniverseIndex = 0
	}

	remaining := src.universeCount - src.nextUniverseIndex
	changed := n > remaining || (page == last && n < remaining)
	if !changed {
		existing := src.universes[src.nextUniverseIndex : src.nextUniverseIndex+n]
		for i := range list {
			if existing[i] != list[i] {
				changed = true
				break
			}
		}
	}
	if changed {
		src.dirty = true
		src.universes = append(src.universes[:src.nextUniverseIndex], list...)
		src.universeCount = src.nextUniverseIndex + n
	}

	if page < last {
		src.nextUniverseIndex += n
		src.nextPage++
		return
	}

	//final page
	if src.dirty && ascending(src.universes[:src.universeCount]) {
		universes := make([]uint16, src.universeCount)
		copy(universes, src.universes[:src.universeCount])
		name := src.name
		r.postLocked(func(d DiscoveryDelegate) { d.SourceDiscovered(cid, name, universes) })
		src.dirty = false
	}
	src.nextPage = 0
	src.nextUniverseIndex = 0
}

func (r *DiscoveryReceiver) postLocked(call func(d DiscoveryDelegate)) {
	d := r.delegate
	if d == nil {
		return
	}
	r.queue.Post(func() { call(d) })
}

func ascending(list []uint16) bool {
	for i := 1; i < len(list); i++ {
		if list[i-1] > list[i] {
			return false
		}
	}
	return true
}
