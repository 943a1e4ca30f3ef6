package sacn

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dsmurfin/sacnkit/packet"
)

//SourceDelegate receives source lifecycle events. Calls arrive on the
//source's callback executor, never under its lock.
type SourceDelegate interface {
	TransmissionStarted()
	TransmissionEnded()
	SocketClosed(iface string, err error)
}

//SourceConfig configures a Source. CID is required and should be stable
//across restarts. Priority is the default universe priority (nil for 100).
//If IPMode involves IPv6, Interfaces must be non-empty; for IPv4 only an
//empty set means the wildcard interface.
type SourceConfig struct {
	Name       string
	CID        uuid.UUID
	IPMode     IPMode
	Interfaces []string
	Priority   *byte
	Delegate   SourceDelegate
	Executor   Executor
	Clock      Clock
	Sockets    SocketFactory
	Logger     logrus.FieldLogger
}

//transmitSocket is one bound socket on one interface and family. Retiring
//sockets emit stream-terminated packets for three ticks before closing.
type transmitSocket struct {
	iface       string
	family      IPFamily
	sock        Socket
	retiring    bool
	retireTicks int
}

//Source transmits one or more universes at the mandated 44 Hz cadence and
//announces them via universe discovery every 10 seconds.
type Source struct {
	mu sync.Mutex

	name            string
	cid             uuid.UUID
	ipMode          IPMode
	interfaces      []string
	defaultPriority byte

	clock   Clock
	factory SocketFactory
	log     logrus.FieldLogger

	queue    Executor
	delegate SourceDelegate

	sockets   []*transmitSocket
	universes map[uint16]*sourceUniverse

	started      bool
	stopping     bool
	shouldOutput bool
	//resume state for a Start issued while terminating
	shouldResume  bool
	pendingOutput bool

	ticker          Ticker
	discoveryTicker Ticker
	tickerDone      chan struct{}
}

//NewSource creates a Source. It does not bind sockets or transmit until
//Start is called.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.IPMode.usesV6() && len(cfg.Interfaces) == 0 {
		return nil, ErrInterfacesRequired
	}
	s := &Source{
		name:       cfg.Name,
		cid:        cfg.CID,
		ipMode:     cfg.IPMode,
		interfaces: append([]string(nil), cfg.Interfaces...),
		clock:      cfg.Clock,
		factory:    cfg.Sockets,
		log:        cfg.Logger,
		delegate:   cfg.Delegate,
		universes:  make(map[uint16]*sourceUniverse),
	}
	if s.name == "" {
		s.name = fmt.Sprintf("sACN Source %s", cfg.CID.String()[:8])
	}
	if cfg.Priority != nil {
		s.defaultPriority = clampPriority(*cfg.Priority)
	} else {
		s.defaultPriority = packet.DefaultPriority
	}
	if s.clock == nil {
		s.clock = systemClock{}
	}
	if s.factory == nil {
		s.factory = defaultSocketFactory
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	if cfg.Executor != nil {
		s.queue = cfg.Executor
	} else {
		s.queue = newCallbackQueue()
	}
	return s, nil
}

//SetDelegate replaces the delegate. Pass nil to unsubscribe.
func (s *Source) SetDelegate(d SourceDelegate) {
	s.mu.Lock()
	s.delegate = d
	s.mu.Unlock()
}

//Start binds sockets and begins the transmit cadence. shouldOutput false
//brings the engine up without emitting packets. Starting a source that is
//still terminating fails with ErrSourceTerminating; use StartResuming to
//defer the start until the termination burst completes.
func (s *Source) Start(shouldOutput bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrSourceTerminating
	}
	if s.started {
		return ErrSourceStarted
	}
	return s.startLocked(shouldOutput)
}

//StartResuming behaves like Start but, if the source is mid-termination,
//defers the start until the terminated-packet burst has drained instead of
//failing.
func (s *Source) StartResuming(shouldOutput bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		s.shouldResume = true
		s.pendingOutput = shouldOutput
		return nil
	}
	if s.started {
		return ErrSourceStarted
	}
	return s.startLocked(shouldOutput)
}

func (s *Source) startLocked(shouldOutput bool) error {
	if err := s.bindSocketsLocked(s.interfaces); err != nil {
		s.closeSocketsLocked(nil)
		return err
	}
	s.started = true
	s.shouldOutput = shouldOutput

	s.ticker = s.clock.NewTicker(transmitInterval)
	s.discoveryTicker = s.clock.NewTicker(discoveryInterval)
	s.tickerDone = make(chan struct{})
	go s.run(s.ticker, s.discoveryTicker, s.tickerDone)

	if shouldOutput {
		s.sendDiscoveryLocked()
		s.notifyLocked(func(d SourceDelegate) { d.TransmissionStarted() })
	}
	return nil
}

//Stop marks every universe terminating. Sockets close and TransmissionEnded
//fires once every universe has emitted its three-packet terminated burst.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrSourceNotStarted
	}
	if s.stopping {
		return ErrSourceTerminating
	}
	s.stopping = true
	for _, u := range s.universes {
		u.terminate(false)
	}
	if len(s.universes) == 0 || !s.shouldOutput {
		s.finishStopLocked()
	}
	return nil
}

//run drives the 44 Hz data cadence and the 10 s discovery cadence until
//the source stops.
func (s *Source) run(ticker, discovery Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			s.mu.Lock()
			s.tickLocked()
			s.mu.Unlock()
		case <-discovery.C():
			s.mu.Lock()
			if s.started && s.shouldOutput {
				s.sendDiscoveryLocked()
			}
			s.mu.Unlock()
		}
	}
}

//tickLocked is one 44 Hz transmit tick across all universes and sockets.
func (s *Source) tickLocked() {
	if !s.started {
		return
	}
	for number, u := range s.universes {
		sendLevels := u.transmitCounter%keepAliveInterval == 0 || u.dirtyCounter > 0
		sendPriority := u.hasPriorities && !u.shouldTerminate &&
			(u.dirtyPriority || u.transmitCounter == 0)

		if s.shouldOutput {
			if sendLevels {
				u.levels.SetStreamTerminated(u.shouldTerminate)
				s.sendUniverseLocked(u, &u.levels)
				if u.dirtyCounter > 0 {
					u.dirtyCounter--
				}
			}
			if sendPriority {
				s.sendUniverseLocked(u, &u.priorities)
				u.dirtyPriority = false
			}
		} else if u.dirtyCounter > 0 {
			u.dirtyCounter--
		}

		u.transmitCounter = (u.transmitCounter + 1) % transmitCycle

		if u.shouldTerminate && u.dirtyCounter == 0 {
			if u.removeAfterTerminate {
				delete(s.universes, number)
			}
		}
	}

	s.tickRetiringLocked()

	if s.stopping && s.terminationDrainedLocked() {
		if s.shouldResume {
			s.resumeLocked()
		} else {
			s.finishStopLocked()
		}
	}
}

//sendUniverseLocked stamps the sequence number and sends one packet to the
//universe's multicast group on every active socket.
func (s *Source) sendUniverseLocked(u *sourceUniverse, p *packet.DataPacket) {
	p.SetSequence(u.sequence)
	u.sequence++
	for _, ts := range s.sockets {
		if ts.retiring {
			continue
		}
		if err := sendToUniverse(ts.sock, ts.family, u.number, p.Bytes()); err != nil {
			s.log.WithFields(logrus.Fields{
				"universe":  u.number,
				"interface": ts.iface,
			}).WithError(err).Debug("send failed")
		}
	}
}

//tickRetiringLocked emits the stream-terminated burst on sockets being
//retired by an interface change, then closes them. The universes
//themselves keep transmitting on the remaining sockets.
func (s *Source) tickRetiringLocked() {
	remaining := s.sockets[:0]
	for _, ts := range s.sockets {
		if !ts.retiring {
			remaining = append(remaining, ts)
			continue
		}
		if ts.retireTicks > 0 && s.shouldOutput {
			for _, u := range s.universes {
				wasTerminated := u.levels.StreamTerminated()
				u.levels.SetStreamTerminated(true)
				u.levels.SetSequence(u.sequence)
				u.sequence++
				sendToUniverse(ts.sock, ts.family, u.number, u.levels.Bytes())
				u.levels.SetStreamTerminated(wasTerminated)
			}
		}
		ts.retireTicks--
		if ts.retireTicks > 0 {
			remaining = append(remaining, ts)
			continue
		}
		ts.sock.Close()
		iface := ts.iface
		s.notifyLocked(func(d SourceDelegate) { d.SocketClosed(iface, nil) })
	}
	s.sockets = remaining
}

func (s *Source) terminationDrainedLocked() bool {
	for _, u := range s.universes {
		if u.shouldTerminate && u.dirtyCounter > 0 {
			return false
		}
	}
	return true
}

//resumeLocked re-enters transmission after a Stop that was superseded by
//StartResuming: sockets stay open and every universe starts a fresh dirty
//burst.
func (s *Source) resumeLocked() {
	s.stopping = false
	s.shouldResume = false
	s.shouldOutput = s.pendingOutput
	for _, u := range s.universes {
		u.resume()
	}
	if s.shouldOutput {
		s.sendDiscoveryLocked()
		s.notifyLocked(func(d SourceDelegate) { d.TransmissionStarted() })
	}
}

func (s *Source) finishStopLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.discoveryTicker.Stop()
		close(s.tickerDone)
		s.ticker = nil
		s.discoveryTicker = nil
	}
	s.closeSocketsLocked(nil)
	s.started = false
	s.stopping = false
	for _, u := range s.universes {
		u.resume()
	}
	s.notifyLocked(func(d SourceDelegate) { d.TransmissionEnded() })
}

//AddUniverse registers a universe for transmission from a snapshot of its
//levels and optional per-slot priorities.
func (s *Source) AddUniverse(snapshot UniverseSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !packet.ValidUniverse(snapshot.Number) {
		return ErrUniverseNumber
	}
	if u, ok := s.universes[snapshot.Number]; ok {
		if u.shouldTerminate {
			return ErrUniverseTerminating
		}
		return ErrUniverseExists
	}
	priority := s.defaultPriority
	if snapshot.Priority != nil {
		priority = clampPriority(*snapshot.Priority)
	}
	s.universes[snapshot.Number] = newSourceUniverse(snapshot.Number, s.cid, s.name, priority, snapshot)
	return nil
}

//RemoveUniverse stops transmitting a universe. On a started source the
//universe first emits three stream-terminated packets; it is removed once
//the burst completes.
func (s *Source) RemoveUniverse(universe uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.universes[universe]
	if !ok {
		return ErrUniverseNotFound
	}
	if u.shouldTerminate {
		return ErrUniverseTerminating
	}
	if !s.started || !s.shouldOutput {
		delete(s.universes, universe)
		return nil
	}
	u.terminate(true)
	return nil
}

//Universes returns the universe numbers currently registered, sorted.
func (s *Source) Universes() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.universeNumbersLocked(true)
}

//UpdateName changes the source name on all universes.
func (s *Source) UpdateName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.name = name
	for _, u := range s.universes {
		u.setName(name)
	}
}

//UpdatePriority changes a universe's per-packet universe priority.
func (s *Source) UpdatePriority(universe uint16, priority byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if priority > packet.MaxPriority {
		return ErrInvalidPriority
	}
	u, err := s.mutableUniverseLocked(universe)
	if err != nil {
		return err
	}
	u.setUniversePriority(priority)
	return nil
}

//UpdateLevels replaces a universe's levels. Levels are padded with 0 and
//truncated at 512; an empty slice is rejected.
func (s *Source) UpdateLevels(universe uint16, levels []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(levels) == 0 {
		return ErrLevelsCount
	}
	u, err := s.mutableUniverseLocked(universe)
	if err != nil {
		return err
	}
	u.setLevels(levels)
	return nil
}

//UpdatePriorities replaces a universe's per-slot priorities. The slice
//must be 512 long with values in [0, 200]; nil stops the priority stream.
func (s *Source) UpdatePriorities(universe uint16, priorities []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if priorities != nil && len(priorities) != packet.SlotCount {
		return ErrPrioritiesCount
	}
	if priorities != nil && !validPriorities(priorities) {
		return ErrInvalidPriority
	}
	u, err := s.mutableUniverseLocked(universe)
	if err != nil {
		return err
	}
	u.setPriorities(priorities)
	return nil
}

//UpdateSlot rewrites a single level.
func (s *Source) UpdateSlot(universe uint16, slot int, level byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot < 0 || slot >= packet.SlotCount {
		return ErrInvalidSlot
	}
	u, err := s.mutableUniverseLocked(universe)
	if err != nil {
		return err
	}
	u.levels.SetSlot(slot, level)
	u.markDirty()
	return nil
}

func (s *Source) mutableUniverseLocked(universe uint16) (*sourceUniverse, error) {
	u, ok := s.universes[universe]
	if !ok {
		return nil, ErrUniverseNotFound
	}
	if u.shouldTerminate {
		return nil, ErrUniverseTerminating
	}
	return u, nil
}

//UpdateInterfaces diffs the interface set: new interfaces get fresh
//sockets, removed ones emit terminated bursts and close.
func (s *Source) UpdateInterfaces(interfaces []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ipMode.usesV6() && len(interfaces) == 0 {
		return ErrInterfacesRequired
	}
	if !s.started {
		s.interfaces = append([]string(nil), interfaces...)
		return nil
	}

	current := make(map[string]bool)
	for _, ts := range s.sockets {
		if !ts.retiring {
			current[ts.iface] = true
		}
	}
	next := make(map[string]bool)
	for _, name := range interfaces {
		next[name] = true
	}

	var added []string
	for _, name := range interfaces {
		if !current[name] {
			added = append(added, name)
		}
	}
	for _, ts := range s.sockets {
		if !ts.retiring && !next[ts.iface] {
			ts.retiring = true
			ts.retireTicks = dirtyTransmits
		}
	}
	if len(added) > 0 {
		if err := s.bindSocketsLocked(added); err != nil {
			return err
		}
	}
	s.interfaces = append([]string(nil), interfaces...)
	return nil
}

//bindSocketsLocked creates and binds transmit sockets for the named
//interfaces on every family of the IP mode. An empty set is the IPv4
//wildcard interface.
func (s *Source) bindSocketsLocked(interfaces []string) error {
	for _, t := range socketTargets(s.ipMode, interfaces) {
		sock := s.factory(t.family, t.iface)
		if err := sock.Bind(0); err != nil {
			return err
		}
		s.sockets = append(s.sockets, &transmitSocket{
			iface:  t.iface,
			family: t.family,
			sock:   sock,
		})
	}
	return nil
}

func (s *Source) closeSocketsLocked(err error) {
	for _, ts := range s.sockets {
		ts.sock.Close()
		iface := ts.iface
		s.notifyLocked(func(d SourceDelegate) { d.SocketClosed(iface, err) })
	}
	s.sockets = nil
}

//sendDiscoveryLocked pages the sorted universe list and transmits it to
//the discovery multicast group on every active socket.
func (s *Source) sendDiscoveryLocked() {
	universes := s.universeNumbersLocked(false)
	pages := (len(universes) + packet.MaxDiscoveryUniverses - 1) / packet.MaxDiscoveryUniverses
	if pages == 0 {
		pages = 1
	}
	if pages > maxDiscoveryPages {
		pages = maxDiscoveryPages
	}
	for page := 0; page < pages; page++ {
		lo := page * packet.MaxDiscoveryUniverses
		hi := lo + packet.MaxDiscoveryUniverses
		if hi > len(universes) {
			hi = len(universes)
		}
		p := packet.NewDiscoveryPacket()
		p.SetCID(s.cid)
		p.SetSourceName(s.name)
		p.SetPage(byte(page))
		p.SetLastPage(byte(pages - 1))
		p.SetUniverses(universes[lo:hi])
		for _, ts := range s.sockets {
			if ts.retiring {
				continue
			}
			sendToDiscovery(ts.sock, ts.family, p.Bytes())
		}
	}
}

//universeNumbersLocked lists universe numbers sorted ascending.
//includeTerminating false excludes universes mid-termination, which no
//longer belong in discovery announcements.
func (s *Source) universeNumbersLocked(includeTerminating bool) []uint16 {
	numbers := make([]uint16, 0, len(s.universes))
	for n, u := range s.universes {
		if !includeTerminating && u.shouldTerminate {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

//notifyLocked posts a delegate call onto the callback executor.
func (s *Source) notifyLocked(f func(SourceDelegate)) {
	d := s.delegate
	if d == nil {
		return
	}
	s.queue.Post(func() { f(d) })
}
