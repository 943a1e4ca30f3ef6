package sacn

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dsmurfin/sacnkit/packet"
)

//manualClock is a settable clock. Tickers never fire on their own; tests
//drive tick and heartbeat methods directly.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) NewTicker(time.Duration) Ticker {
	return &manualTicker{ch: make(chan time.Time)}
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               {}

//syncExecutor runs callbacks inline, keeping tests deterministic.
type syncExecutor struct{}

func (syncExecutor) Post(f func()) { f() }

//sentPacket records one Send on a memSocket.
type sentPacket struct {
	data []byte
	host net.IP
	port int
}

//memSocket is an in-memory Socket. Tests inspect what was sent and inject
//datagrams with deliver.
type memSocket struct {
	mu     sync.Mutex
	family IPFamily
	iface  string

	bound    bool
	reuse    bool
	joined   []net.IP
	sent     []sentPacket
	closed   bool
	onData   func(Datagram)
	onClosed func(error)
}

func (s *memSocket) Bind(port int) error { s.bound = true; return nil }
func (s *memSocket) SetReusePort()       { s.reuse = true }

func (s *memSocket) JoinMulticast(group net.IP) error {
	s.joined = append(s.joined, group)
	return nil
}

func (s *memSocket) LeaveMulticast(group net.IP) error { return nil }

func (s *memSocket) Send(b []byte, host net.IP, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := append([]byte(nil), b...)
	s.sent = append(s.sent, sentPacket{data: data, host: host, port: port})
	return nil
}

func (s *memSocket) BeginReceiving(onDatagram func(Datagram), onClosed func(err error)) {
	s.onData = onDatagram
	s.onClosed = onClosed
}

func (s *memSocket) Close() error {
	s.closed = true
	return nil
}

func (s *memSocket) deliver(data []byte, host string) {
	if s.onData != nil {
		s.onData(Datagram{
			Data:       data,
			SourceHost: host,
			SourcePort: packet.Port,
			Family:     s.family,
		})
	}
}

func (s *memSocket) takeSent() []sentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

//memSockets is a SocketFactory recording every socket it creates.
type memSockets struct {
	mu      sync.Mutex
	created []*memSocket
}

func (f *memSockets) factory(family IPFamily, iface string) Socket {
	s := &memSocket{family: family, iface: iface}
	f.mu.Lock()
	f.created = append(f.created, s)
	f.mu.Unlock()
	return s
}

func (f *memSockets) first() *memSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[0]
}

//buildLevels builds the wire bytes of a levels packet.
func buildLevels(cid uuid.UUID, universe uint16, seq byte, priority byte, levels []byte) []byte {
	p := packet.NewDataPacket()
	p.SetCID(cid)
	p.SetSourceName("test source")
	p.SetUniverse(universe)
	p.SetPriority(priority)
	p.SetStartCode(packet.StartCodeLevels)
	p.SetSequence(seq)
	p.SetData(levels)
	return append([]byte(nil), p.Bytes()...)
}

//buildPAP builds the wire bytes of a per-address-priority packet.
func buildPAP(cid uuid.UUID, universe uint16, seq byte, priority byte, pap []byte) []byte {
	p := packet.NewDataPacket()
	p.SetCID(cid)
	p.SetSourceName("test source")
	p.SetUniverse(universe)
	p.SetPriority(priority)
	p.SetStartCode(packet.StartCodePriority)
	p.SetSequence(seq)
	p.SetData(pap)
	return append([]byte(nil), p.Bytes()...)
}

//buildTerminated builds a levels packet with the stream-terminated bit.
func buildTerminated(cid uuid.UUID, universe uint16, seq byte) []byte {
	p := packet.NewDataPacket()
	p.SetCID(cid)
	p.SetUniverse(universe)
	p.SetStartCode(packet.StartCodeLevels)
	p.SetSequence(seq)
	p.SetStreamTerminated(true)
	p.SetData(make([]byte, packet.SlotCount))
	return append([]byte(nil), p.Bytes()...)
}

//fullLevels pads a level prefix to 512 slots.
func fullLevels(prefix ...byte) []byte {
	out := make([]byte, packet.SlotCount)
	copy(out, prefix)
	return out
}
