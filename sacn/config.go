package sacn

import (
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dsmurfin/sacnkit/packet"
)

//IPMode selects which IP families a source or receiver operates on.
type IPMode int

const (
	//IPv4Only uses IPv4 sockets; the wildcard interface is allowed.
	IPv4Only IPMode = iota
	//IPv6Only uses IPv6 sockets; interfaces must be named.
	IPv6Only
	//IPv4AndIPv6 uses both families; interfaces must be named.
	IPv4AndIPv6
)

func (m IPMode) String() string {
	switch m {
	case IPv4Only:
		return "ipv4-only"
	case IPv6Only:
		return "ipv6-only"
	case IPv4AndIPv6:
		return "ipv4-and-ipv6"
	default:
		return "unknown"
	}
}

//usesV4 and usesV6 report which families the mode includes.
func (m IPMode) usesV4() bool { return m == IPv4Only || m == IPv4AndIPv6 }
func (m IPMode) usesV6() bool { return m == IPv6Only || m == IPv4AndIPv6 }

//IPFamily identifies the family a datagram arrived on.
type IPFamily int

const (
	//FamilyIPv4 is an IPv4 datagram or socket.
	FamilyIPv4 IPFamily = iota
	//FamilyIPv6 is an IPv6 datagram or socket.
	FamilyIPv6
)

func (f IPFamily) String() string {
	if f == FamilyIPv6 {
		return "ipv6"
	}
	return "ipv4"
}

//Protocol timing. The data cadence and loss timeouts come from E1.31-2018;
//the sampling and PAP adoption windows follow the common receiver practice
//the standard recommends.
const (
	//transmitInterval is the period of the 44 Hz data cadence.
	transmitInterval = time.Second / 44
	//transmitCycle is the length of the keep-alive cycle in ticks.
	transmitCycle = 44
	//keepAliveInterval spaces the four keep-alive ticks within a cycle.
	keepAliveInterval = 11
	//dirtyTransmits is how many consecutive ticks a change is re-sent for.
	dirtyTransmits = 3

	//networkDataLossTimeout is the source-loss timeout (section 6.7.1.2).
	networkDataLossTimeout = 2500 * time.Millisecond
	//samplingPeriod is the receiver adoption window after startup.
	samplingPeriod = 1500 * time.Millisecond
	//papWaitPeriod is how long a receiver waits for a per-address-priority
	//stream after the first levels packet of a new source.
	papWaitPeriod = 1500 * time.Millisecond
	//heartbeatInterval drives the loss sweeps.
	heartbeatInterval = 500 * time.Millisecond

	//discoveryInterval is the universe discovery cadence (section 4.3).
	discoveryInterval = 10 * time.Second
	//discoveryExpiry is how long a discovered source list stays valid.
	discoveryExpiry = 2 * discoveryInterval
	//maxDiscoveryPages bounds a discovery sequence; page numbers are 8-bit.
	maxDiscoveryPages = 256
)

//defaultSourceLimit is the number of sources a receiver tracks per universe
//unless configured otherwise.
const defaultSourceLimit = 4

//SourceLimitNone disables the per-universe source limit.
const SourceLimitNone = -1

//RandomCID generates a random CID. Embedders should persist the CID of a
//source so it is stable across restarts.
func RandomCID() uuid.UUID {
	return uuid.New()
}

//discardLogger is the default debug logger: everything thrown away.
func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

//resolveSourceLimit maps the configured limit onto the effective one.
func resolveSourceLimit(limit int) int {
	if limit == 0 {
		return defaultSourceLimit
	}
	if limit < 0 {
		return 0 //unlimited
	}
	return limit
}

//clampPriority forces a priority into [0, 200], substituting the default
//for invalid values.
func clampPriority(p byte) byte {
	if p > packet.MaxPriority {
		return packet.DefaultPriority
	}
	return p
}
