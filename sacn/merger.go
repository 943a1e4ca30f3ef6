package sacn

import (
	"github.com/google/uuid"

	"github.com/dsmurfin/sacnkit/packet"
)

//mergerSource is the per-source state inside a merger. When a source has no
//active per-address-priority stream, its universe priority is broadcast to
//every slot as max(1, priority): per-slot 0 means unsourced, so a universe
//priority of 0 still sources every transmitted slot at priority 1.
type mergerSource struct {
	levels            [packet.SlotCount]byte
	levelCount        int
	universePriority  byte
	addressPriorities [packet.SlotCount]byte
	papCount          int
	usingUniversePriority bool
	universePriorityUninitialized bool
}

//priorityAt is the source's effective per-slot priority: 0 beyond the
//transmitted level count, else the (translated) address priority.
func (s *mergerSource) priorityAt(i int) byte {
	if i >= s.levelCount {
		return 0
	}
	return s.addressPriorities[i]
}

func (s *mergerSource) levelAt(i int) byte {
	if i >= s.levelCount {
		return 0
	}
	return s.levels[i]
}

//translatedUniversePriority maps a universe priority onto the per-slot
//scale, where 0 is reserved for unsourced.
func translatedUniversePriority(p byte) byte {
	if p == 0 {
		return 1
	}
	return p
}

func (s *mergerSource) fillUniversePriority() {
	p := translatedUniversePriority(s.universePriority)
	for i := range s.addressPriorities {
		s.addressPriorities[i] = p
	}
}

//merger performs the per-universe HTP-within-highest-priority merge. Every
//slot tracks its winning level, winning priority and winning source; a
//winning priority of 0 means the slot is unsourced, its level is 0 and its
//winner is uuid.Nil.
type merger struct {
	levels            [packet.SlotCount]byte
	winningPriorities [packet.SlotCount]byte
	winnerIDs         [packet.SlotCount]uuid.UUID
	sources           map[uuid.UUID]*mergerSource
	//order keeps source iteration stable so exact ties resolve the same
	//way on every recompute within a tick
	order []uuid.UUID
}

func newMerger() *merger {
	return &merger{sources: make(map[uuid.UUID]*mergerSource)}
}

func (m *merger) hasSources() bool {
	return len(m.sources) > 0
}

func (m *merger) sourceIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(m.order))
	copy(ids, m.order)
	return ids
}

func (m *merger) source(id uuid.UUID) *mergerSource {
	return m.sources[id]
}

//addSource registers a source with no data yet: it contributes nothing
//until levels arrive and either a universe priority or PAP is known.
func (m *merger) addSource(id uuid.UUID) *mergerSource {
	if s, ok := m.sources[id]; ok {
		return s
	}
	s := &mergerSource{
		usingUniversePriority:         true,
		universePriorityUninitialized: true,
	}
	m.sources[id] = s
	m.order = append(m.order, id)
	return s
}

//updateLevels replaces a source's level buffer. levels is at most 512
//bytes; slots beyond len(levels) become unsourced for this source.
func (m *merger) updateLevels(id uuid.UUID, levels []byte) {
	s, ok := m.sources[id]
	if !ok {
		s = m.addSource(id)
	}
	oldCount := s.levelCount
	newCount := len(levels)

	if len(m.sources) == 1 {
		//single-source fast path: the source's view is the merged view
		copy(s.levels[:], levels)
		for i := newCount; i < oldCount; i++ {
			s.levels[i] = 0
		}
		s.levelCount = newCount
		m.applySingle(id, s)
		return
	}

	span := oldCount
	if newCount > span {
		span = newCount
	}
	s.levelCount = newCount
	for i := 0; i < newCount; i++ {
		changed := s.levels[i] != levels[i] || i >= oldCount
		s.levels[i] = levels[i]
		if changed {
			m.mergeSlot(id, s, i)
		}
	}
	for i := newCount; i < span; i++ {
		s.levels[i] = 0
		m.mergeSlot(id, s, i)
	}
}

//updatePAP replaces a source's per-address priorities and switches it off
//universe-priority translation. Values are used as received; slots beyond
//len(pap) get priority 0.
func (m *merger) updatePAP(id uuid.UUID, pap []byte) {
	s, ok := m.sources[id]
	if !ok {
		s = m.addSource(id)
	}
	s.usingUniversePriority = false
	count := len(pap)
	if count > packet.SlotCount {
		count = packet.SlotCount
	}
	for i := 0; i < packet.SlotCount; i++ {
		var p byte
		if i < count {
			p = pap[i]
		}
		if s.addressPriorities[i] != p {
			s.addressPriorities[i] = p
			m.mergeSlot(id, s, i)
		}
	}
	s.papCount = count
}

//updateUniversePriority records a source's universe priority and, when no
//PAP stream is active, re-broadcasts it to every slot.
func (m *merger) updateUniversePriority(id uuid.UUID, priority byte) {
	s, ok := m.sources[id]
	if !ok {
		s = m.addSource(id)
	}
	wasUninitialized := s.universePriorityUninitialized
	if s.universePriority == priority && !wasUninitialized {
		return
	}
	s.universePriority = priority
	s.universePriorityUninitialized = false
	if !s.usingUniversePriority {
		return
	}
	s.fillUniversePriority()
	for i := 0; i < s.levelCount; i++ {
		m.mergeSlot(id, s, i)
	}
}

//removePAP drops a source's per-address priorities, reverting it to
//universe-priority translation.
func (m *merger) removePAP(id uuid.UUID) {
	s, ok := m.sources[id]
	if !ok || s.usingUniversePriority {
		return
	}
	s.usingUniversePriority = true
	s.papCount = 0
	s.fillUniversePriority()
	for i := 0; i < packet.SlotCount; i++ {
		m.mergeSlot(id, s, i)
	}
}

//removeSource drops a source and recomputes every slot it was winning.
func (m *merger) removeSource(id uuid.UUID) {
	if _, ok := m.sources[id]; !ok {
		return
	}
	delete(m.sources, id)
	for i, o := range m.order {
		if o == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for i := 0; i < packet.SlotCount; i++ {
		if m.winnerIDs[i] == id {
			m.recomputeSlot(i)
		}
	}
}

//applySingle writes a lone source's state straight into the outputs,
//bypassing the merge loop.
func (m *merger) applySingle(id uuid.UUID, s *mergerSource) {
	for i := 0; i < packet.SlotCount; i++ {
		p := s.priorityAt(i)
		if p == 0 {
			m.levels[i] = 0
			m.winningPriorities[i] = 0
			m.winnerIDs[i] = uuid.Nil
			continue
		}
		m.levels[i] = s.levelAt(i)
		m.winningPriorities[i] = p
		m.winnerIDs[i] = id
	}
}

//mergeSlot folds one source's current (priority, level) at slot i into the
//outputs. A strictly higher priority takes over unconditionally; at equal
//priority the higher level wins (HTP). A decrease by the current winner
//forces a recompute across all sources.
func (m *merger) mergeSlot(id uuid.UUID, s *mergerSource, i int) {
	p := s.priorityAt(i)
	l := s.levelAt(i)
	w := m.winningPriorities[i]

	if m.winnerIDs[i] == id {
		switch {
		case p > w:
			m.winningPriorities[i] = p
			m.levels[i] = l
		case p == w && l >= m.levels[i]:
			m.levels[i] = l
		default:
			//priority or level decreased on the winning source
			m.recomputeSlot(i)
		}
		return
	}

	switch {
	case p > w:
		m.winningPriorities[i] = p
		m.levels[i] = l
		m.winnerIDs[i] = id
	case p == w && p != 0 && l > m.levels[i]:
		m.levels[i] = l
		m.winnerIDs[i] = id
	}
}

//recomputeSlot scans all sources for slot i. If nobody sources the slot it
//goes back to unsourced: level 0, priority 0, no winner.
func (m *merger) recomputeSlot(i int) {
	var bestP, bestL byte
	bestID := uuid.Nil
	for _, id := range m.order {
		s := m.sources[id]
		p := s.priorityAt(i)
		if p == 0 {
			continue
		}
		l := s.levelAt(i)
		if p > bestP || (p == bestP && l > bestL) {
			bestP, bestL, bestID = p, l, id
		}
	}
	m.winningPriorities[i] = bestP
	m.levels[i] = bestL
	m.winnerIDs[i] = bestID
}
