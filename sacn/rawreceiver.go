package sacn

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dsmurfin/sacnkit/packet"
)

//SourceData is one accepted data datagram from one source, as delivered to
//the raw receiver delegate and the merge layer.
type SourceData struct {
	Universe         uint16
	CID              uuid.UUID
	Hostname         string
	Name             string
	UniversePriority byte
	StartCode        byte
	Values           []byte
	Preview          bool
	//Sampling is set while the source is still inside its adoption window
	Sampling bool
}

//RawReceiverDelegate receives per-source universe data and lifecycle
//events. Calls arrive on the receiver's callback executor.
type RawReceiverDelegate interface {
	UniverseData(data SourceData)
	SourcesLost(universe uint16, cids []uuid.UUID)
	PAPLost(universe uint16, cid uuid.UUID)
	SamplingStarted(universe uint16)
	SamplingEnded(universe uint16)
	SourceLimitExceeded(universe uint16)
	SocketClosed(universe uint16, iface string, err error)
}

//rawHandler is the internal synchronous event sink. It is invoked with the
//receiver lock held; the default implementation forwards to the public
//delegate via the callback executor, and Receiver substitutes its merge
//glue.
type rawHandler interface {
	handleUniverseData(data *SourceData)
	handleSourcesLost(cids []uuid.UUID)
	handlePAPLost(cid uuid.UUID)
	handleSamplingStarted()
	handleSamplingEnded()
	handleLimitExceeded()
	handleSocketClosed(iface string, err error)
}

//sourceState is the per-source receive state machine.
type sourceState int

const (
	stateWaitingLevels sourceState = iota
	stateWaitingPAP
	stateHasLevels
	stateHasLevelsAndPAP
)

//rawSource tracks one source transmitting on the universe. Identity is
//(cid, hostname, family): packets from the same CID arriving from a
//different host or family are discarded.
type rawSource struct {
	cid      uuid.UUID
	hostname string
	family   IPFamily
	name     string

	lastSequence byte
	hasSequence  bool
	terminated   bool
	state        sourceState
	//sampling marks sources adopted while their socket was sampling
	sampling bool

	packetTimer expiryTimer
	papTimer    expiryTimer
}

//receiveSocket is one bound socket on one interface and family, with its
//sampling bookkeeping.
type receiveSocket struct {
	iface   string
	family  IPFamily
	sock    Socket
	sampling bool
	sampled  bool
}

//RawReceiverConfig configures a RawReceiver. SourceLimit 0 means the
//default of 4; SourceLimitNone disables the limit. FilterPreview nil means
//preview datagrams are discarded.
type RawReceiverConfig struct {
	Universe      uint16
	IPMode        IPMode
	Interfaces    []string
	SourceLimit   int
	FilterPreview *bool
	Delegate      RawReceiverDelegate
	Executor      Executor
	Clock         Clock
	Sockets       SocketFactory
	Logger        logrus.FieldLogger
}

//RawReceiver listens on one universe and demultiplexes datagrams into
//per-source state machines. It validates sequence numbers, manages the
//sampling window and detects source and PAP loss.
type RawReceiver struct {
	mu sync.Mutex

	universe      uint16
	ipMode        IPMode
	interfaces    []string
	sourceLimit   int
	filterPreview bool

	clock   Clock
	factory SocketFactory
	log     logrus.FieldLogger

	queue    Executor
	delegate RawReceiverDelegate
	handler  rawHandler

	sockets []*receiveSocket
	sources map[uuid.UUID]*rawSource

	samplingActive bool
	samplingTimer  expiryTimer
	limitNotified  bool

	started   bool
	heartbeat Ticker
	done      chan struct{}
}

//NewRawReceiver creates a RawReceiver for one universe.
func NewRawReceiver(cfg RawReceiverConfig) (*RawReceiver, error) {
	if !packet.ValidUniverse(cfg.Universe) {
		return nil, ErrUniverseNumber
	}
	if cfg.IPMode.usesV6() && len(cfg.Interfaces) == 0 {
		return nil, ErrInterfacesRequired
	}
	r := &RawReceiver{
		universe:      cfg.Universe,
		ipMode:        cfg.IPMode,
		interfaces:    append([]string(nil), cfg.Interfaces...),
		sourceLimit:   resolveSourceLimit(cfg.SourceLimit),
		filterPreview: true,
		clock:         cfg.Clock,
		factory:       cfg.Sockets,
		log:           cfg.Logger,
		delegate:      cfg.Delegate,
		sources:       make(map[uuid.UUID]*rawSource),
	}
	if cfg.FilterPreview != nil {
		r.filterPreview = *cfg.FilterPreview
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
	r.handler = &delegateForwarder{r: r}
	return r, nil
}

//SetDelegate replaces the delegate. Pass nil to unsubscribe.
func (r *RawReceiver) SetDelegate(d RawReceiverDelegate) {
	r.mu.Lock()
	r.delegate = d
	r.mu.Unlock()
}

//Start binds one socket per interface and family, joins the universe's
//multicast groups and begins the sampling period.
func (r *RawReceiver) Start() error {
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

	r.beginSamplingLocked()
	for _, rs := range r.sockets {
		rs.sock.BeginReceiving(r.datagramCallback(rs), r.closedCallback(rs))
	}
	return nil
}

//Stop halts heartbeats and closes all sockets synchronously. Notifications
//already dispatched to the callback executor may still complete.
func (r *RawReceiver) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return ErrReceiverNotStarted
	}
	r.started = false
	r.heartbeat.Stop()
	close(r.done)
	r.closeSocketsLocked()
	r.sources = make(map[uuid.UUID]*rawSource)
	r.samplingActive = false
	return nil
}

//Universe returns the universe this receiver listens on.
func (r *RawReceiver) Universe() uint16 {
	return r.universe
}

//UpdateInterfaces diffs the interface set. Added interfaces get fresh
//sockets and a sampling window; removed ones close immediately.
func (r *RawReceiver) UpdateInterfaces(interfaces []string) error {
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
	for _, rs := range r.sockets {
		if next[rs.iface] {
			kept = append(kept, rs)
			continue
		}
		rs.sock.Close()
	}
	r.sockets = kept

	current := make(map[string]bool)
	for _, rs := range r.sockets {
		current[rs.iface] = true
	}
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
	r.interfaces = append([]string(nil), interfaces...)
	if len(r.sockets) > before {
		if !r.samplingActive {
			r.beginSamplingLocked()
		}
		for _, rs := range r.sockets[before:] {
			rs.sock.BeginReceiving(r.datagramCallback(rs), r.closedCallback(rs))
		}
	}
	return nil
}

//bindSocketsLocked binds a reuse-port socket on the sACN port for every
//interface and family and joins the universe's multicast group.
func (r *RawReceiver) bindSocketsLocked(interfaces []string) error {
	for _, t := range socketTargets(r.ipMode, interfaces) {
		sock := r.factory(t.family, t.iface)
		sock.SetReusePort()
		if err := sock.Bind(packet.Port); err != nil {
			return err
		}
		group := packet.MulticastGroupV4(r.universe)
		if t.family == FamilyIPv6 {
			group = packet.MulticastGroupV6(r.universe)
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

func (r *RawReceiver) closeSocketsLocked() {
	for _, rs := range r.sockets {
		rs.sock.Close()
	}
	r.sockets = nil
}

func (r *RawReceiver) datagramCallback(rs *receiveSocket) func(Datagram) {
	return func(d Datagram) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.started {
			return
		}
		r.handleDatagramLocked(rs, d)
	}
}

func (r *RawReceiver) closedCallback(rs *receiveSocket) func(error) {
	return func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.started {
			return
		}
		r.handler.handleSocketClosed(rs.iface, err)
	}
}

//run drives the 500 ms loss heartbeat.
func (r *RawReceiver) run(heartbeat Ticker, done chan struct{}) {
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

//beginSamplingLocked opens a sampling window covering every socket that
//has not completed one yet.
func (r *RawReceiver) beginSamplingLocked() {
	opened := false
	for _, rs := range r.sockets {
		if !rs.sampled && !rs.sampling {
			rs.sampling = true
			opened = true
		}
	}
	if !opened {
		return
	}
	r.samplingTimer.reset(r.clock, samplingPeriod)
	if !r.samplingActive {
		r.samplingActive = true
		r.handler.handleSamplingStarted()
	}
}

//heartbeatLocked sweeps the sampling window and the per-source loss
//timers, coalescing lost sources into one notification.
func (r *RawReceiver) heartbeatLocked() {
	if r.samplingActive && r.samplingTimer.expired(r.clock) {
		pending := false
		for _, rs := range r.sockets {
			if rs.sampling {
				rs.sampling = false
				rs.sampled = true
			} else if !rs.sampled {
				pending = true
			}
		}
		if pending {
			r.beginSamplingLocked()
		} else {
			r.samplingActive = false
			for _, src := range r.sources {
				src.sampling = false
			}
			r.handler.handleSamplingEnded()
		}
	}

	var lost []uuid.UUID
	for cid, src := range r.sources {
		if src.state == stateHasLevelsAndPAP && src.papTimer.expired(r.clock) {
			src.state = stateHasLevels
			r.handler.handlePAPLost(cid)
		}
		if src.packetTimer.expired(r.clock) {
			//sources that never delivered data are evicted silently
			if src.state == stateHasLevels || src.state == stateHasLevelsAndPAP {
				lost = append(lost, cid)
			}
			delete(r.sources, cid)
		}
	}
	if len(lost) > 0 {
		r.handler.handleSourcesLost(lost)
	}
}

//handleDatagramLocked parses and dispatches one datagram.
func (r *RawReceiver) handleDatagramLocked(rs *receiveSocket, d Datagram) {
	p, err := packet.Parse(d.Data)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"universe": r.universe,
			"from":     d.SourceHost,
		}).WithError(err).Debug("dropped datagram")
		return
	}
	data, ok := p.(*packet.DataPacket)
	if !ok {
		return //discovery traffic is not for the raw receiver
	}
	if data.Universe() != r.universe {
		return
	}
	if r.filterPreview && data.PreviewData() {
		return
	}
	r.handleDataLocked(rs, data, d)
}

func (r *RawReceiver) handleDataLocked(rs *receiveSocket, p *packet.DataPacket, d Datagram) {
	cid := p.CID()
	src, known := r.sources[cid]
	if known {
		//identity is bound to the first packet: same CID from another
		//host or family is a split-brain device, not this source
		if src.hostname != d.SourceHost || src.family != d.Family {
			return
		}
		if src.terminated {
			return
		}
	} else {
		if r.sourceLimit > 0 && len(r.sources) >= r.sourceLimit {
			if !r.limitNotified {
				r.limitNotified = true
				r.handler.handleLimitExceeded()
			}
			return
		}
		src = &rawSource{
			cid:      cid,
			hostname: d.SourceHost,
			family:   d.Family,
			state:    stateWaitingLevels,
			sampling: rs.sampling,
		}
		r.sources[cid] = src
	}

	seq := p.Sequence()
	if src.hasSequence && !packet.CheckSequence(src.lastSequence, seq) {
		return //out of order; not counted as an arrival
	}
	src.lastSequence = seq
	src.hasSequence = true

	if p.StreamTerminated() {
		src.terminated = true
		src.packetTimer.expire()
		return
	}

	src.packetTimer.reset(r.clock, networkDataLossTimeout)
	src.name = p.SourceName()

	switch p.StartCode() {
	case packet.StartCodeLevels:
		r.handleLevelsLocked(src, p)
	case packet.StartCodePriority:
		r.handlePAPLocked(src, p)
	}
}

func (r *RawReceiver) handleLevelsLocked(src *rawSource, p *packet.DataPacket) {
	notify := false
	switch src.state {
	case stateWaitingLevels:
		if src.sampling {
			//sampling adopts sources without the PAP waiting interval
			src.state = stateHasLevelsAndPAP
			src.papTimer.reset(r.clock, networkDataLossTimeout)
			notify = true
		} else {
			src.state = stateWaitingPAP
			src.papTimer.reset(r.clock, papWaitPeriod)
		}
	case stateWaitingPAP:
		if src.papTimer.expired(r.clock) {
			//no priority stream showed up; treat the source as
			//levels-only from here on
			src.state = stateHasLevels
			src.papTimer.reset(r.clock, networkDataLossTimeout)
			notify = true
		}
	case stateHasLevels:
		notify = true
	case stateHasLevelsAndPAP:
		if src.papTimer.expired(r.clock) {
			src.state = stateHasLevels
			r.handler.handlePAPLost(src.cid)
		}
		notify = true
	}
	if notify {
		r.notifyDataLocked(src, p)
	}
}

func (r *RawReceiver) handlePAPLocked(src *rawSource, p *packet.DataPacket) {
	switch src.state {
	case stateWaitingLevels:
		//still waiting for the first levels packet
		src.papTimer.reset(r.clock, papWaitPeriod)
	case stateWaitingPAP, stateHasLevels:
		src.state = stateHasLevelsAndPAP
		src.papTimer.reset(r.clock, networkDataLossTimeout)
	case stateHasLevelsAndPAP:
		src.papTimer.reset(r.clock, networkDataLossTimeout)
	}
	r.notifyDataLocked(src, p)
}

func (r *RawReceiver) notifyDataLocked(src *rawSource, p *packet.DataPacket) {
	values := append([]byte(nil), p.Data()...)
	r.handler.handleUniverseData(&SourceData{
		Universe:         r.universe,
		CID:              src.cid,
		Hostname:         src.hostname,
		Name:             src.name,
		UniversePriority: p.Priority(),
		StartCode:        p.StartCode(),
		Values:           values,
		Preview:          p.PreviewData(),
		Sampling:         src.sampling,
	})
}

//delegateForwarder is the default rawHandler: it relays events to the
//public delegate on the callback executor.
type delegateForwarder struct {
	r *RawReceiver
}

func (f *delegateForwarder) post(call func(d RawReceiverDelegate)) {
	d := f.r.delegate
	if d == nil {
		return
	}
	f.r.queue.Post(func() { call(d) })
}

func (f *delegateForwarder) handleUniverseData(data *SourceData) {
	dd := *data
	f.post(func(d RawReceiverDelegate) { d.UniverseData(dd) })
}

func (f *delegateForwarder) handleSourcesLost(cids []uuid.UUID) {
	u := f.r.universe
	f.post(func(d RawReceiverDelegate) { d.SourcesLost(u, cids) })
}

func (f *delegateForwarder) handlePAPLost(cid uuid.UUID) {
	u := f.r.universe
	f.post(func(d RawReceiverDelegate) { d.PAPLost(u, cid) })
}

func (f *delegateForwarder) handleSamplingStarted() {
	u := f.r.universe
	f.post(func(d RawReceiverDelegate) { d.SamplingStarted(u) })
}

func (f *delegateForwarder) handleSamplingEnded() {
	u := f.r.universe
	f.post(func(d RawReceiverDelegate) { d.SamplingEnded(u) })
}

func (f *delegateForwarder) handleLimitExceeded() {
	u := f.r.universe
	f.post(func(d RawReceiverDelegate) { d.SourceLimitExceeded(u) })
}

func (f *delegateForwarder) handleSocketClosed(iface string, err error) {
	u := f.r.universe
	f.post(func(d RawReceiverDelegate) { d.SocketClosed(u, iface, err) })
}
