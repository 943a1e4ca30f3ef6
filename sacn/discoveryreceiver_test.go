package sacn

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsmurfin/sacnkit/packet"
)

type discoveryDelegateRec struct {
	mu         sync.Mutex
	discovered []struct {
		cid       uuid.UUID
		name      string
		universes []uint16
	}
	lost [][]uuid.UUID
}

func (d *discoveryDelegateRec) SourceDiscovered(cid uuid.UUID, name string, universes []uint16) {
	d.mu.Lock()
	d.discovered = append(d.discovered, struct {
		cid       uuid.UUID
		name      string
		universes []uint16
	}{cid, name, universes})
	d.mu.Unlock()
}

func (d *discoveryDelegateRec) SourcesLost(cids []uuid.UUID) {
	d.mu.Lock()
	d.lost = append(d.lost, cids)
	d.mu.Unlock()
}

func (d *discoveryDelegateRec) SocketClosed(iface string, err error) {}

func (d *discoveryDelegateRec) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.discovered)
}

func newTestDiscoveryReceiver(t *testing.T) (*DiscoveryReceiver, *memSockets, *manualClock, *discoveryDelegateRec) {
	t.Helper()
	sockets := &memSockets{}
	clock := newManualClock()
	delegate := &discoveryDelegateRec{}
	r, err := NewDiscoveryReceiver(DiscoveryReceiverConfig{
		IPMode:   IPv4Only,
		Delegate: delegate,
		Executor: syncExecutor{},
		Clock:    clock,
		Sockets:  sockets.factory,
	})
	require.NoError(t, err)
	require.NoError(t, r.Start())
	return r, sockets, clock, delegate
}

func buildDiscovery(cid uuid.UUID, name string, page, last byte, universes []uint16) []byte {
	p := packet.NewDiscoveryPacket()
	p.SetCID(cid)
	p.SetSourceName(name)
	p.SetPage(page)
	p.SetLastPage(last)
	p.SetUniverses(universes)
	return append([]byte(nil), p.Bytes()...)
}

func rangeUniverses(lo, hi uint16) []uint16 {
	out := make([]uint16, 0, hi-lo+1)
	for u := lo; u <= hi; u++ {
		out = append(out, u)
	}
	return out
}

func TestDiscoveryReceiverJoinsGroup(t *testing.T) {
	_, sockets, _, _ := newTestDiscoveryReceiver(t)
	sock := sockets.first()
	require.Len(t, sock.joined, 1)
	assert.Equal(t, "239.255.250.214", sock.joined[0].String())
}

//A 700-universe list paged as 512+188 is reported once, after the final
//page, with the combined ascending list.
func TestDiscoveryReceiverPagination(t *testing.T) {
	_, sockets, _, delegate := newTestDiscoveryReceiver(t)
	sock := sockets.first()
	cid := uuid.New()

	sock.deliver(buildDiscovery(cid, "console", 0, 1, rangeUniverses(1, 512)), "10.0.0.1")
	assert.Equal(t, 0, delegate.count(), "no event until the final page")

	sock.deliver(buildDiscovery(cid, "console", 1, 1, rangeUniverses(513, 700)), "10.0.0.1")
	require.Equal(t, 1, delegate.count())
	got := delegate.discovered[0]
	assert.Equal(t, cid, got.cid)
	assert.Equal(t, "console", got.name)
	require.Len(t, got.universes, 700)
	assert.Equal(t, uint16(1), got.universes[0])
	assert.Equal(t, uint16(700), got.universes[699])

	//an unchanged repeat of the same pages is not re-notified
	sock.deliver(buildDiscovery(cid, "console", 0, 1, rangeUniverses(1, 512)), "10.0.0.1")
	sock.deliver(buildDiscovery(cid, "console", 1, 1, rangeUniverses(513, 700)), "10.0.0.1")
	assert.Equal(t, 1, delegate.count())
}

func TestDiscoveryReceiverChangedListRenotified(t *testing.T) {
	_, sockets, _, delegate := newTestDiscoveryReceiver(t)
	sock := sockets.first()
	cid := uuid.New()

	sock.deliver(buildDiscovery(cid, "console", 0, 0, []uint16{1, 2, 3}), "10.0.0.1")
	require.Equal(t, 1, delegate.count())

	sock.deliver(buildDiscovery(cid, "console", 0, 0, []uint16{1, 2, 3, 4}), "10.0.0.1")
	require.Equal(t, 2, delegate.count())
	assert.Equal(t, []uint16{1, 2, 3, 4}, delegate.discovered[1].universes)

	//shrinking works too
	sock.deliver(buildDiscovery(cid, "console", 0, 0, []uint16{7}), "10.0.0.1")
	require.Equal(t, 3, delegate.count())
	assert.Equal(t, []uint16{7}, delegate.discovered[2].universes)
}

//A page landing mid-sequence is dropped and the assembly restarts at the
//next page zero.
func TestDiscoveryReceiverMidSequenceDropped(t *testing.T) {
	_, sockets, _, delegate := newTestDiscoveryReceiver(t)
	sock := sockets.first()
	cid := uuid.New()

	sock.deliver(buildDiscovery(cid, "console", 1, 1, rangeUniverses(513, 700)), "10.0.0.1")
	assert.Equal(t, 0, delegate.count())

	sock.deliver(buildDiscovery(cid, "console", 0, 1, rangeUniverses(1, 512)), "10.0.0.1")
	sock.deliver(buildDiscovery(cid, "console", 1, 1, rangeUniverses(513, 700)), "10.0.0.1")
	require.Equal(t, 1, delegate.count())
	assert.Len(t, delegate.discovered[0].universes, 700)
}

//A completed list that is not ascending is never reported.
func TestDiscoveryReceiverNonAscendingSuppressed(t *testing.T) {
	_, sockets, _, delegate := newTestDiscoveryReceiver(t)
	sock := sockets.first()
	cid := uuid.New()

	sock.deliver(buildDiscovery(cid, "console", 0, 0, []uint16{5, 3, 9}), "10.0.0.1")
	assert.Equal(t, 0, delegate.count())
}

func TestDiscoveryReceiverExpiry(t *testing.T) {
	r, sockets, clock, delegate := newTestDiscoveryReceiver(t)
	sock := sockets.first()
	cid := uuid.New()
	sock.deliver(buildDiscovery(cid, "console", 0, 0, []uint16{1}), "10.0.0.1")
	require.Equal(t, 1, delegate.count())

	clock.advance(discoveryExpiry + time.Millisecond)
	r.mu.Lock()
	r.heartbeatLocked()
	r.mu.Unlock()

	require.Len(t, delegate.lost, 1)
	assert.Equal(t, []uuid.UUID{cid}, delegate.lost[0])
}
