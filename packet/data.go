package packet

import (
	"github.com/google/uuid"
)

//Fixed byte offsets within a data packet. The transmit hot path rewrites
//single fields at these offsets rather than reserializing.
const (
	dataOffRootFal    = 16
	dataOffRootVector = 18
	dataOffCID        = 22
	dataOffFramingFal = 38
	dataOffFramingVec = 40
	dataOffName       = 44
	dataOffPriority   = 108
	dataOffSyncAddr   = 109
	dataOffSequence   = 111
	dataOffOptions    = 112
	dataOffUniverse   = 113
	dataOffDmpFal     = 115
	dataOffDmpVector  = 117
	dataOffPropCount  = 123
	dataOffStartCode  = 125
	dataOffValues     = 126

	//dataMinLength is a data packet with zero property values beyond the
	//start code; dataMaxLength carries a full 512-slot payload.
	dataMinLength = 126
	dataMaxLength = 638
)

//Options bit positions in the framing layer options field.
const (
	optBitForceSync  = 5
	optBitTerminated = 6
	optBitPreview    = 7
)

//DataPacket is an E1.31 data packet backed by a flat byte slice.
//length tracks how much of the slice is live on the wire.
type DataPacket struct {
	data   []byte
	length uint16
}

//NewDataPacket creates a DataPacket with all constant fields populated,
//the default priority and an empty (start-code-only) DMX payload.
func NewDataPacket() DataPacket {
	p := DataPacket{make([]byte, dataMaxLength), dataMinLength}
	//Set constants: at index [0;16[
	p.replace(0, constHeader)
	//Set vectors:
	p.replace(dataOffRootVector, getAsBytes32(vectorRootData))
	p.replace(dataOffFramingVec, getAsBytes32(vectorDataPacket))
	p.data[dataOffDmpVector] = vectorDmpSetProperty
	//set initial FAL
	p.setFAL(dataMinLength)
	//set address and data type
	p.data[118] = 0xa1
	//set address increment
	p.data[122] = 0x1
	//Default priority:
	p.SetPriority(DefaultPriority)

	return p
}

//setFAL back-patches the three flags-and-length fields and the property
//value count from the total message length, and records the length.
func (d *DataPacket) setFAL(length uint16) {
	rootFAL := calculateFal(length - dataOffRootFal)
	d.replace(dataOffRootFal, rootFAL[:])
	framingFAL := calculateFal(length - dataOffFramingFal)
	d.replace(dataOffFramingFal, framingFAL[:])
	dmpFAL := calculateFal(length - dataOffDmpFal)
	d.replace(dataOffDmpFal, dmpFAL[:])
	//property value count includes the start code
	propValCount := getAsBytes16(length - dataOffStartCode)
	d.replace(dataOffPropCount, propValCount)

	d.length = length
}

//replace everything starting from the startIndex with the given replacement
func (d *DataPacket) replace(startIndex int, replacement []byte) {
	copy(d.data[startIndex:], replacement)
}

//Copy returns a deep copy of the DataPacket.
func (d *DataPacket) Copy() DataPacket {
	copySlice := make([]byte, len(d.data))
	copy(copySlice, d.data)
	return DataPacket{
		data:   copySlice,
		length: d.length,
	}
}

//SetCID sets the source CID.
func (d *DataPacket) SetCID(cid uuid.UUID) {
	d.replace(dataOffCID, cid[:])
}

//CID returns the source CID.
func (d *DataPacket) CID() uuid.UUID {
	var cid uuid.UUID
	copy(cid[:], d.data[dataOffCID:dataOffCID+16])
	return cid
}

//SetSourceName sets the source name field. Names longer than 63 bytes are
//truncated on a valid UTF-8 boundary; the field is NUL padded.
func (d *DataPacket) SetSourceName(s string) {
	b := [SourceNameLength]byte{}
	copy(b[:], truncateName(s))
	d.replace(dataOffName, b[:])
}

//SourceName returns the stored source name without NUL padding.
func (d *DataPacket) SourceName() string {
	i := dataOffName
	for i < dataOffName+SourceNameLength && d.data[i] != 0 {
		i++
	}
	return string(d.data[dataOffName:i])
}

//SetPriority sets the universe priority. Value must be in [0, 200].
func (d *DataPacket) SetPriority(prio byte) error {
	if prio > MaxPriority {
		return parseErrValue(ErrInvalidPriority, dataOffPriority, uint32(prio))
	}
	d.data[dataOffPriority] = prio
	return nil
}

//Priority returns the universe priority.
func (d *DataPacket) Priority() byte {
	return d.data[dataOffPriority]
}

//SetSyncAddress sets the synchronization universe. This library does not
//implement universe synchronization; the field is carried verbatim.
func (d *DataPacket) SetSyncAddress(sync uint16) {
	d.replace(dataOffSyncAddr, getAsBytes16(sync))
}

//SyncAddress returns the synchronization universe.
func (d *DataPacket) SyncAddress() uint16 {
	return getAsUint16(d.data[dataOffSyncAddr:])
}

//SetSequence sets the sequence number.
func (d *DataPacket) SetSequence(sequ byte) {
	d.data[dataOffSequence] = sequ
}

//Sequence returns the sequence number.
func (d *DataPacket) Sequence() byte {
	return d.data[dataOffSequence]
}

//SequenceIncr increments the sequence number, wrapping at 256.
func (d *DataPacket) SequenceIncr() {
	d.data[dataOffSequence]++
}

//SetPreviewData sets the preview_data option flag.
func (d *DataPacket) SetPreviewData(value bool) {
	d.setOptionsBit(optBitPreview, value)
}

//PreviewData returns whether the preview_data flag is set.
func (d *DataPacket) PreviewData() bool {
	return d.getOptionsBit(optBitPreview)
}

//SetStreamTerminated sets the stream_terminated option flag.
func (d *DataPacket) SetStreamTerminated(value bool) {
	d.setOptionsBit(optBitTerminated, value)
}

//StreamTerminated returns whether the stream_terminated flag is set.
func (d *DataPacket) StreamTerminated() bool {
	return d.getOptionsBit(optBitTerminated)
}

//SetForceSync sets the force_synchronization option flag.
func (d *DataPacket) SetForceSync(value bool) {
	d.setOptionsBit(optBitForceSync, value)
}

//ForceSync returns whether the force_synchronization flag is set.
func (d *DataPacket) ForceSync() bool {
	return d.getOptionsBit(optBitForceSync)
}

func (d *DataPacket) setOptionsBit(bit byte, value bool) {
	if value {
		d.data[dataOffOptions] |= 1 << bit
	} else {
		d.data[dataOffOptions] &^= 1 << bit
	}
}

func (d *DataPacket) getOptionsBit(bit byte) bool {
	return d.data[dataOffOptions]&(1<<bit) != 0
}

//SetUniverse sets the universe number. Value must be in [1, 63999].
func (d *DataPacket) SetUniverse(universe uint16) error {
	if !ValidUniverse(universe) {
		return parseErrValue(ErrInvalidUniverse, dataOffUniverse, uint32(universe))
	}
	d.replace(dataOffUniverse, getAsBytes16(universe))
	return nil
}

//Universe returns the universe number.
func (d *DataPacket) Universe() uint16 {
	return getAsUint16(d.data[dataOffUniverse:])
}

//SetStartCode sets the DMX start code. Only levels (0x00) and per-address
//priority (0xDD) are valid in sACN.
func (d *DataPacket) SetStartCode(startCode byte) error {
	if startCode != StartCodeLevels && startCode != StartCodePriority {
		return parseErrValue(ErrUnknownStartCode, dataOffStartCode, uint32(startCode))
	}
	d.data[dataOffStartCode] = startCode
	return nil
}

//StartCode returns the DMX start code.
func (d *DataPacket) StartCode() byte {
	return d.data[dataOffStartCode]
}

//SetData sets the DMX property values (levels or priorities, depending on
//the start code). Slices longer than 512 are truncated.
func (d *DataPacket) SetData(data []byte) {
	if len(data) > SlotCount {
		data = data[:SlotCount]
	}
	d.setFAL(uint16(dataOffValues + len(data)))
	d.replace(dataOffValues, data)
}

//SetSlot rewrites a single property value in place. The slot must already
//be within the current payload.
func (d *DataPacket) SetSlot(slot int, value byte) bool {
	if slot < 0 || dataOffValues+slot >= int(d.length) {
		return false
	}
	d.data[dataOffValues+slot] = value
	return true
}

//Data returns the live DMX property values. Length: [0, 512].
func (d *DataPacket) Data() []byte {
	return d.data[dataOffValues:d.length]
}

//Bytes returns the wire representation of the packet. The slice aliases
//the packet's internal buffer.
func (d *DataPacket) Bytes() []byte {
	return d.data[:d.length]
}
