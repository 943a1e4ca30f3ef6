package sacn

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/dsmurfin/sacnkit/packet"
)

//Datagram is a received UDP datagram together with where it came from.
type Datagram struct {
	Data       []byte
	SourceHost string
	SourcePort int
	Family     IPFamily
}

//Socket is the UDP capability the protocol runtime consumes. One Socket is
//bound per interface and family. SetReusePort must be called before Bind.
//Implementations deliver datagrams and the final close notification from a
//single goroutine.
type Socket interface {
	Bind(port int) error
	SetReusePort()
	JoinMulticast(group net.IP) error
	LeaveMulticast(group net.IP) error
	Send(b []byte, host net.IP, port int) error
	BeginReceiving(onDatagram func(Datagram), onClosed func(err error))
	Close() error
}

//SocketFactory creates sockets for a family on a named interface. An
//empty name is the IPv4 wildcard interface. The default factory builds
//real UDP sockets; tests substitute in-memory ones.
type SocketFactory func(family IPFamily, iface string) Socket

func defaultSocketFactory(family IPFamily, iface string) Socket {
	return &udpSocket{family: family, ifaceName: iface}
}

//udpSocket implements Socket over the x/net packet connections, which
//carry the per-interface multicast group operations both families need.
type udpSocket struct {
	family    IPFamily
	ifaceName string
	iface     *net.Interface
	reuse     bool
	conn      net.PacketConn
	p4        *ipv4.PacketConn
	p6        *ipv6.PacketConn
	closed    bool
}

func (s *udpSocket) SetReusePort() {
	s.reuse = true
}

func (s *udpSocket) Bind(port int) error {
	if s.ifaceName != "" && s.iface == nil {
		iface, err := net.InterfaceByName(s.ifaceName)
		if err != nil {
			return socketErr(SocketErrBind, s.ifaceName, err)
		}
		s.iface = iface
	}
	network := "udp4"
	if s.family == FamilyIPv6 {
		network = "udp6"
	}
	lc := net.ListenConfig{}
	if s.reuse {
		lc.Control = reusePortControl
	}
	conn, err := lc.ListenPacket(context.Background(), network, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		kind := SocketErrBind
		if s.reuse {
			//the control hook runs during bind, so a reuse failure
			//surfaces here
			var errno syscall.Errno
			if errors.As(err, &errno) && errno == unix.ENOPROTOOPT {
				kind = SocketErrReusePort
			}
		}
		return socketErr(kind, s.ifaceName, err)
	}
	s.conn = conn
	if s.family == FamilyIPv6 {
		s.p6 = ipv6.NewPacketConn(conn)
		if s.iface != nil {
			if err := s.p6.SetMulticastInterface(s.iface); err != nil {
				conn.Close()
				return socketErr(SocketErrInterface, s.ifaceName, err)
			}
		}
	} else {
		s.p4 = ipv4.NewPacketConn(conn)
		if s.iface != nil {
			if err := s.p4.SetMulticastInterface(s.iface); err != nil {
				conn.Close()
				return socketErr(SocketErrInterface, s.ifaceName, err)
			}
		}
	}
	return nil
}

func (s *udpSocket) JoinMulticast(group net.IP) error {
	var err error
	if s.p6 != nil {
		err = s.p6.JoinGroup(s.iface, &net.UDPAddr{IP: group})
	} else {
		err = s.p4.JoinGroup(s.iface, &net.UDPAddr{IP: group})
	}
	if err != nil {
		return socketGroupErr(SocketErrJoin, group, s.ifaceName, err)
	}
	return nil
}

func (s *udpSocket) LeaveMulticast(group net.IP) error {
	var err error
	if s.p6 != nil {
		err = s.p6.LeaveGroup(s.iface, &net.UDPAddr{IP: group})
	} else {
		err = s.p4.LeaveGroup(s.iface, &net.UDPAddr{IP: group})
	}
	if err != nil {
		return socketGroupErr(SocketErrLeave, group, s.ifaceName, err)
	}
	return nil
}

func (s *udpSocket) Send(b []byte, host net.IP, port int) error {
	_, err := s.conn.WriteTo(b, &net.UDPAddr{IP: host, Port: port})
	return err
}

func (s *udpSocket) BeginReceiving(onDatagram func(Datagram), onClosed func(err error)) {
	go func() {
		//a discovery packet is the largest sACN datagram
		buf := make([]byte, 1144)
		for {
			n, addr, err := s.conn.ReadFrom(buf)
			if err != nil {
				if s.closed {
					onClosed(nil)
				} else {
					onClosed(socketErr(SocketErrReceive, s.ifaceName, err))
				}
				return
			}
			udpAddr, ok := addr.(*net.UDPAddr)
			if !ok {
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			onDatagram(Datagram{
				Data:       data,
				SourceHost: udpAddr.IP.String(),
				SourcePort: udpAddr.Port,
				Family:     s.family,
			})
		}
	}()
}

func (s *udpSocket) Close() error {
	s.closed = true
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}


//reusePortControl enables address and port reuse before bind, so several
//receivers on one host can share the sACN port.
func reusePortControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

//socketTarget names one socket to create: an interface and a family.
type socketTarget struct {
	iface  string
	family IPFamily
}

//socketTargets expands an interface set into per-family socket targets.
//An empty set is the IPv4 wildcard interface.
func socketTargets(mode IPMode, interfaces []string) []socketTarget {
	var targets []socketTarget
	if len(interfaces) == 0 {
		if mode.usesV4() {
			targets = append(targets, socketTarget{"", FamilyIPv4})
		}
		return targets
	}
	for _, name := range interfaces {
		if mode.usesV4() {
			targets = append(targets, socketTarget{name, FamilyIPv4})
		}
		if mode.usesV6() {
			targets = append(targets, socketTarget{name, FamilyIPv6})
		}
	}
	return targets
}

//sendToUniverse sends to the data multicast group of a universe for the
//socket's family.
func sendToUniverse(s Socket, family IPFamily, universe uint16, b []byte) error {
	if family == FamilyIPv6 {
		return s.Send(b, packet.MulticastGroupV6(universe), packet.Port)
	}
	return s.Send(b, packet.MulticastGroupV4(universe), packet.Port)
}

//sendToDiscovery sends to the well-known discovery group for the socket's
//family.
func sendToDiscovery(s Socket, family IPFamily, b []byte) error {
	if family == FamilyIPv6 {
		return s.Send(b, packet.DiscoveryGroupV6(), packet.Port)
	}
	return s.Send(b, packet.DiscoveryGroupV4(), packet.Port)
}
