package packet

import (
	"github.com/google/uuid"
)

//Fixed byte offsets within a universe discovery packet.
const (
	discOffRootFal    = 16
	discOffRootVector = 18
	discOffCID        = 22
	discOffFramingFal = 38
	discOffFramingVec = 40
	discOffName       = 44
	discOffReserved   = 108
	discOffListFal    = 112
	discOffListVector = 114
	discOffPage       = 118
	discOffLastPage   = 119
	discOffUniverses  = 120

	discMinLength = 120
	discMaxLength = 1144

	//MaxDiscoveryUniverses is the number of universe numbers that fit in
	//one discovery page.
	MaxDiscoveryUniverses = 512
)

//DiscoveryPacket is an E1.31 universe discovery packet backed by a flat
//byte slice, one page of a source's sorted universe list.
type DiscoveryPacket struct {
	data   []byte
	length uint16
}

//NewDiscoveryPacket creates a DiscoveryPacket with all constant fields
//populated and an empty universe list.
func NewDiscoveryPacket() DiscoveryPacket {
	p := DiscoveryPacket{make([]byte, discMaxLength), discMinLength}
	p.replace(0, constHeader)
	p.replace(discOffRootVector, getAsBytes32(vectorRootExtended))
	p.replace(discOffFramingVec, getAsBytes32(vectorExtendedDiscovery))
	p.replace(discOffListVector, getAsBytes32(vectorDiscoveryList))
	p.setFAL(discMinLength)
	return p
}

func (d *DiscoveryPacket) setFAL(length uint16) {
	rootFAL := calculateFal(length - discOffRootFal)
	d.replace(discOffRootFal, rootFAL[:])
	framingFAL := calculateFal(length - discOffFramingFal)
	d.replace(discOffFramingFal, framingFAL[:])
	listFAL := calculateFal(length - discOffListFal)
	d.replace(discOffListFal, listFAL[:])

	d.length = length
}

func (d *DiscoveryPacket) replace(startIndex int, replacement []byte) {
	copy(d.data[startIndex:], replacement)
}

//SetCID sets the source CID.
func (d *DiscoveryPacket) SetCID(cid uuid.UUID) {
	d.replace(discOffCID, cid[:])
}

//CID returns the source CID.
func (d *DiscoveryPacket) CID() uuid.UUID {
	var cid uuid.UUID
	copy(cid[:], d.data[discOffCID:discOffCID+16])
	return cid
}

//SetSourceName sets the source name field, truncated on a UTF-8 boundary
//and NUL padded.
func (d *DiscoveryPacket) SetSourceName(s string) {
	b := [SourceNameLength]byte{}
	copy(b[:], truncateName(s))
	d.replace(discOffName, b[:])
}

//SourceName returns the stored source name without NUL padding.
func (d *DiscoveryPacket) SourceName() string {
	i := discOffName
	for i < discOffName+SourceNameLength && d.data[i] != 0 {
		i++
	}
	return string(d.data[discOffName:i])
}

//SetPage sets the page number of this packet.
func (d *DiscoveryPacket) SetPage(page byte) {
	d.data[discOffPage] = page
}

//Page returns the page number of this packet.
func (d *DiscoveryPacket) Page() byte {
	return d.data[discOffPage]
}

//SetLastPage sets the final page number of the sequence.
func (d *DiscoveryPacket) SetLastPage(last byte) {
	d.data[discOffLastPage] = last
}

//LastPage returns the final page number of the sequence.
func (d *DiscoveryPacket) LastPage() byte {
	return d.data[discOffLastPage]
}

//SetUniverses sets the universe list for this page. Lists longer than 512
//are truncated.
func (d *DiscoveryPacket) SetUniverses(universes []uint16) {
	if len(universes) > MaxDiscoveryUniverses {
		universes = universes[:MaxDiscoveryUniverses]
	}
	for i, u := range universes {
		d.replace(discOffUniverses+2*i, getAsBytes16(u))
	}
	d.setFAL(uint16(discOffUniverses + 2*len(universes)))
}

//Universes returns the universe list carried by this page.
func (d *DiscoveryPacket) Universes() []uint16 {
	count := (int(d.length) - discOffUniverses) / 2
	universes := make([]uint16, count)
	for i := range universes {
		universes[i] = getAsUint16(d.data[discOffUniverses+2*i:])
	}
	return universes
}

//Bytes returns the wire representation of the packet. The slice aliases
//the packet's internal buffer.
func (d *DiscoveryPacket) Bytes() []byte {
	return d.data[:d.length]
}
