package packet

import (
	"bytes"

	"github.com/google/uuid"
)

//Packet is a decoded sACN packet: either a *DataPacket or a
//*DiscoveryPacket.
type Packet interface {
	CID() uuid.UUID
	SourceName() string
	Bytes() []byte
}

//Parse decodes and validates a received datagram. It returns a
//*DataPacket or a *DiscoveryPacket, or a *ParseError describing the first
//check that failed. All multi-byte fields are big-endian.
func Parse(raw []byte) (Packet, error) {
	if len(raw) < dataOffFramingFal {
		return nil, parseErr(ErrInsufficientLength, len(raw))
	}
	//preamble and postamble size
	if raw[0] != 0x00 || raw[1] != 0x10 || raw[2] != 0x00 || raw[3] != 0x00 {
		return nil, parseErr(ErrBadPreamble, 0)
	}
	//packet identifier ASC-E1.17
	if !bytes.Equal(raw[4:16], constHeader[4:16]) {
		return nil, parseErr(ErrBadIdentifier, 4)
	}
	rootLen, ok := decodeFal(raw[dataOffRootFal:])
	if !ok || int(rootLen) != len(raw)-dataOffRootFal {
		return nil, parseErr(ErrBadFlags, dataOffRootFal)
	}
	rootVector := getAsUint32(raw[dataOffRootVector : dataOffRootVector+4])
	switch rootVector {
	case vectorRootData:
		return parseData(raw)
	case vectorRootExtended:
		return parseExtended(raw)
	default:
		return nil, parseErrValue(ErrUnknownVector, dataOffRootVector, rootVector)
	}
}

func parseData(raw []byte) (Packet, error) {
	if len(raw) < dataMinLength {
		return nil, parseErr(ErrInsufficientLength, len(raw))
	}
	framingLen, ok := decodeFal(raw[dataOffFramingFal:])
	if !ok || int(framingLen) != len(raw)-dataOffFramingFal {
		return nil, parseErr(ErrBadFlags, dataOffFramingFal)
	}
	framingVector := getAsUint32(raw[dataOffFramingVec : dataOffFramingVec+4])
	if framingVector != vectorDataPacket {
		return nil, parseErrValue(ErrUnknownVector, dataOffFramingVec, framingVector)
	}
	if prio := raw[dataOffPriority]; prio > MaxPriority {
		return nil, parseErrValue(ErrInvalidPriority, dataOffPriority, uint32(prio))
	}
	if u := getAsUint16(raw[dataOffUniverse:]); !ValidUniverse(u) {
		return nil, parseErrValue(ErrInvalidUniverse, dataOffUniverse, uint32(u))
	}
	dmpLen, ok := decodeFal(raw[dataOffDmpFal:])
	if !ok || int(dmpLen) != len(raw)-dataOffDmpFal {
		return nil, parseErr(ErrBadFlags, dataOffDmpFal)
	}
	if raw[dataOffDmpVector] != vectorDmpSetProperty {
		return nil, parseErrValue(ErrUnknownVector, dataOffDmpVector, uint32(raw[dataOffDmpVector]))
	}
	//address and data type, first property address, address increment
	if raw[118] != 0xa1 || raw[119] != 0 || raw[120] != 0 || raw[121] != 0 || raw[122] != 1 {
		return nil, parseErr(ErrBadFlags, 118)
	}
	propCount := getAsUint16(raw[dataOffPropCount:])
	if propCount < 1 || propCount > SlotCount+1 ||
		int(propCount) != len(raw)-dataOffStartCode {
		return nil, parseErrValue(ErrBadPropertyCount, dataOffPropCount, uint32(propCount))
	}
	sc := raw[dataOffStartCode]
	if sc != StartCodeLevels && sc != StartCodePriority {
		return nil, parseErrValue(ErrUnknownStartCode, dataOffStartCode, uint32(sc))
	}

	p := DataPacket{make([]byte, dataMaxLength), uint16(len(raw))}
	copy(p.data, raw)
	return &p, nil
}

func parseExtended(raw []byte) (Packet, error) {
	if len(raw) < discMinLength {
		return nil, parseErr(ErrInsufficientLength, len(raw))
	}
	framingLen, ok := decodeFal(raw[discOffFramingFal:])
	if !ok || int(framingLen) != len(raw)-discOffFramingFal {
		return nil, parseErr(ErrBadFlags, discOffFramingFal)
	}
	//the synchronization framing vector is recognized but not implemented,
	//so it is rejected like any other unknown vector
	framingVector := getAsUint32(raw[discOffFramingVec : discOffFramingVec+4])
	if framingVector != vectorExtendedDiscovery {
		return nil, parseErrValue(ErrUnknownVector, discOffFramingVec, framingVector)
	}
	listLen, ok := decodeFal(raw[discOffListFal:])
	if !ok || int(listLen) != len(raw)-discOffListFal {
		return nil, parseErr(ErrBadFlags, discOffListFal)
	}
	listVector := getAsUint32(raw[discOffListVector : discOffListVector+4])
	if listVector != vectorDiscoveryList {
		return nil, parseErrValue(ErrUnknownVector, discOffListVector, listVector)
	}
	if raw[discOffPage] > raw[discOffLastPage] {
		return nil, parseErr(ErrBadUniverseList, discOffPage)
	}
	listBytes := len(raw) - discOffUniverses
	if listBytes%2 != 0 || listBytes/2 > MaxDiscoveryUniverses {
		return nil, parseErr(ErrBadUniverseList, discOffUniverses)
	}

	p := DiscoveryPacket{make([]byte, discMaxLength), uint16(len(raw))}
	copy(p.data, raw)
	return &p, nil
}
