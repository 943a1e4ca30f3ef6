package sacn

import (
	"github.com/google/uuid"

	"github.com/dsmurfin/sacnkit/packet"
)

//UniverseSnapshot is the public input when adding a universe to a Source.
//Levels are padded with 0 and truncated at 512. Priorities, when present,
//are likewise padded with 0 and truncated at 512; invalid values are
//clamped to the default. Priority overrides the source's default universe
//priority.
type UniverseSnapshot struct {
	Number     uint16
	Priority   *byte
	Levels     []byte
	Priorities []byte
}

//sourceUniverse is the per-universe transmit state. The levels and
//priorities packets are serialized once; the hot path rewrites sequence,
//options and value bytes in place each tick.
type sourceUniverse struct {
	number     uint16
	levels     packet.DataPacket
	priorities packet.DataPacket
	hasPriorities bool

	sequence        byte
	transmitCounter int //position in the 44-tick keep-alive cycle
	dirtyCounter    int //changed data is re-sent this many more ticks
	dirtyPriority   bool
	shouldTerminate      bool
	removeAfterTerminate bool
}

func newSourceUniverse(number uint16, cid uuid.UUID, name string, priority byte, snapshot UniverseSnapshot) *sourceUniverse {
	u := &sourceUniverse{number: number}

	u.levels = packet.NewDataPacket()
	u.levels.SetCID(cid)
	u.levels.SetSourceName(name)
	u.levels.SetUniverse(number)
	u.levels.SetPriority(priority)
	u.levels.SetStartCode(packet.StartCodeLevels)
	u.levels.SetData(padLevels(snapshot.Levels))

	u.priorities = packet.NewDataPacket()
	u.priorities.SetCID(cid)
	u.priorities.SetSourceName(name)
	u.priorities.SetUniverse(number)
	u.priorities.SetPriority(priority)
	u.priorities.SetStartCode(packet.StartCodePriority)
	if snapshot.Priorities != nil {
		u.priorities.SetData(clampPriorities(snapshot.Priorities))
		u.hasPriorities = true
		u.dirtyPriority = true
	} else {
		u.priorities.SetData(make([]byte, packet.SlotCount))
	}

	u.dirtyCounter = dirtyTransmits
	return u
}

//markDirty guarantees the current data is sent in at least three
//consecutive transmit windows.
func (u *sourceUniverse) markDirty() {
	u.dirtyCounter = dirtyTransmits
}

func (u *sourceUniverse) setLevels(levels []byte) {
	u.levels.SetData(padLevels(levels))
	u.markDirty()
}

func (u *sourceUniverse) setPriorities(priorities []byte) {
	if priorities == nil {
		u.hasPriorities = false
		u.dirtyPriority = false
		u.markDirty()
		return
	}
	u.priorities.SetData(clampPriorities(priorities))
	u.hasPriorities = true
	u.dirtyPriority = true
	u.markDirty()
}

func (u *sourceUniverse) setUniversePriority(priority byte) {
	u.levels.SetPriority(priority)
	u.priorities.SetPriority(priority)
	u.markDirty()
}

func (u *sourceUniverse) setName(name string) {
	u.levels.SetSourceName(name)
	u.priorities.SetSourceName(name)
	u.markDirty()
}

func (u *sourceUniverse) terminate(remove bool) {
	u.shouldTerminate = true
	u.removeAfterTerminate = remove
	u.markDirty()
}

//resume clears termination state so a resumed source transmits again.
func (u *sourceUniverse) resume() {
	u.shouldTerminate = false
	u.removeAfterTerminate = false
	u.levels.SetStreamTerminated(false)
	u.markDirty()
}

//padLevels pads with 0 to the full slot count and truncates at 512.
func padLevels(levels []byte) []byte {
	out := make([]byte, packet.SlotCount)
	copy(out, levels)
	return out
}

//clampPriorities substitutes the default priority for invalid values.
func clampPriorities(priorities []byte) []byte {
	out := make([]byte, packet.SlotCount)
	copy(out, priorities)
	for i, p := range out {
		if p > packet.MaxPriority {
			out[i] = packet.DefaultPriority
		}
	}
	return out
}

//validPriorities reports whether all values are in [0, 200].
func validPriorities(priorities []byte) bool {
	for _, p := range priorities {
		if p > packet.MaxPriority {
			return false
		}
	}
	return true
}
