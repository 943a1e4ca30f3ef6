package sacn

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mergerWithSource(t *testing.T, up byte, levels []byte) (*merger, uuid.UUID) {
	t.Helper()
	m := newMerger()
	id := uuid.New()
	m.addSource(id)
	m.updateUniversePriority(id, up)
	m.updateLevels(id, levels)
	return m, id
}

func TestMergerSingleSource(t *testing.T) {
	m, id := mergerWithSource(t, 100, fullLevels(255, 10))

	assert.Equal(t, byte(255), m.levels[0])
	assert.Equal(t, byte(10), m.levels[1])
	assert.Equal(t, byte(0), m.levels[2])
	for i := 0; i < 512; i++ {
		assert.Equal(t, id, m.winnerIDs[i])
		assert.Equal(t, byte(100), m.winningPriorities[i])
	}
}

func TestMergerIdempotence(t *testing.T) {
	m, id := mergerWithSource(t, 100, fullLevels(1, 2, 3))
	other := uuid.New()
	m.addSource(other)
	m.updateUniversePriority(other, 100)
	m.updateLevels(other, fullLevels(9, 1, 1))

	levels := m.levels
	winners := m.winnerIDs
	priorities := m.winningPriorities

	m.updateUniversePriority(id, 100)
	m.updateLevels(id, fullLevels(1, 2, 3))

	assert.Equal(t, levels, m.levels)
	assert.Equal(t, winners, m.winnerIDs)
	assert.Equal(t, priorities, m.winningPriorities)
}

func TestMergerHTPEqualPriority(t *testing.T) {
	m, a := mergerWithSource(t, 100, fullLevels(10, 200))
	b := uuid.New()
	m.addSource(b)
	m.updateUniversePriority(b, 100)
	m.updateLevels(b, fullLevels(50, 100))

	assert.Equal(t, byte(50), m.levels[0])
	assert.Equal(t, byte(200), m.levels[1])
	assert.Equal(t, b, m.winnerIDs[0])
	assert.Equal(t, a, m.winnerIDs[1])
	//both transmit level 0 on slot 2 at priority 100; the slot stays with
	//the first source but the merged level is 0
	assert.Equal(t, a, m.winnerIDs[2])
	assert.Equal(t, byte(0), m.levels[2])
}

//At equal priority the winning level must be the max across sources,
//whatever order updates arrive in.
func TestMergerHTPMonotonicity(t *testing.T) {
	m := newMerger()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	values := [][]byte{fullLevels(40), fullLevels(200), fullLevels(90)}
	for i, id := range ids {
		m.addSource(id)
		m.updateUniversePriority(id, 120)
		m.updateLevels(id, values[i])
	}
	assert.Equal(t, byte(200), m.levels[0])
	assert.Equal(t, ids[1], m.winnerIDs[0])
	assert.Equal(t, byte(120), m.winningPriorities[0])
}

func TestMergerPAPBeatsUniversePriority(t *testing.T) {
	//scenario: A has universe priority 200, B overrides slot 0 with PAP 255
	m, a := mergerWithSource(t, 200, fullLevels(100, 100))
	b := uuid.New()
	m.addSource(b)
	m.updateUniversePriority(b, 100)
	m.updateLevels(b, fullLevels(50, 50))
	pap := make([]byte, 512)
	pap[0] = 255
	m.updatePAP(b, pap)

	assert.Equal(t, b, m.winnerIDs[0])
	assert.Equal(t, byte(50), m.levels[0])
	assert.Equal(t, byte(255), m.winningPriorities[0])
	//B's PAP is 0 on slot 1, so A wins it
	assert.Equal(t, a, m.winnerIDs[1])
	assert.Equal(t, byte(100), m.levels[1])
}

//A universe priority of 0 translates to per-slot priority 1, not 0.
func TestMergerUniversePriorityZeroTranslation(t *testing.T) {
	m, id := mergerWithSource(t, 0, fullLevels(77))

	assert.Equal(t, byte(1), m.winningPriorities[0])
	assert.Equal(t, id, m.winnerIDs[0])
	assert.Equal(t, byte(77), m.levels[0])
}

func TestMergerPriorityDecreaseRecomputes(t *testing.T) {
	m, a := mergerWithSource(t, 150, fullLevels(10))
	b := uuid.New()
	m.addSource(b)
	m.updateUniversePriority(b, 100)
	m.updateLevels(b, fullLevels(99))

	require.Equal(t, a, m.winnerIDs[0])

	//dropping A below B hands the slot to B
	m.updateUniversePriority(a, 50)
	assert.Equal(t, b, m.winnerIDs[0])
	assert.Equal(t, byte(99), m.levels[0])
	assert.Equal(t, byte(100), m.winningPriorities[0])
}

func TestMergerLevelDecreaseRecomputes(t *testing.T) {
	m, a := mergerWithSource(t, 100, fullLevels(200))
	b := uuid.New()
	m.addSource(b)
	m.updateUniversePriority(b, 100)
	m.updateLevels(b, fullLevels(150))

	require.Equal(t, a, m.winnerIDs[0])

	m.updateLevels(a, fullLevels(120))
	assert.Equal(t, b, m.winnerIDs[0])
	assert.Equal(t, byte(150), m.levels[0])
}

func TestMergerRemoveSource(t *testing.T) {
	m, a := mergerWithSource(t, 100, fullLevels(200))
	b := uuid.New()
	m.addSource(b)
	m.updateUniversePriority(b, 100)
	m.updateLevels(b, fullLevels(150))

	m.removeSource(a)
	assert.Equal(t, b, m.winnerIDs[0])
	assert.Equal(t, byte(150), m.levels[0])

	m.removeSource(b)
	for i := 0; i < 512; i++ {
		assert.Equal(t, uuid.Nil, m.winnerIDs[i])
		assert.Equal(t, byte(0), m.levels[i])
		assert.Equal(t, byte(0), m.winningPriorities[i])
	}
	assert.False(t, m.hasSources())
}

func TestMergerRemovePAP(t *testing.T) {
	m, a := mergerWithSource(t, 100, fullLevels(10))
	pap := make([]byte, 512)
	pap[0] = 200
	m.updatePAP(a, pap)
	require.Equal(t, byte(200), m.winningPriorities[0])
	//PAP 0 beyond slot 0 leaves those slots unsourced
	require.Equal(t, uuid.Nil, m.winnerIDs[1])

	m.removePAP(a)
	assert.Equal(t, byte(100), m.winningPriorities[0])
	for i := 0; i < 512; i++ {
		assert.Equal(t, a, m.winnerIDs[i])
	}
}

//Every slot's winner is set iff its winning priority is above zero.
func TestMergerUnsourcedInvariant(t *testing.T) {
	m, a := mergerWithSource(t, 100, fullLevels(1, 2, 3)[:3])
	b := uuid.New()
	m.addSource(b)
	m.updateUniversePriority(b, 50)
	m.updateLevels(b, fullLevels(4, 5, 6, 7, 8)[:5])
	pap := []byte{0, 10, 0}
	m.updatePAP(a, pap)
	m.removeSource(b)

	for i := 0; i < 512; i++ {
		if m.winningPriorities[i] > 0 {
			assert.NotEqual(t, uuid.Nil, m.winnerIDs[i], "slot %d", i)
		} else {
			assert.Equal(t, uuid.Nil, m.winnerIDs[i], "slot %d", i)
			assert.Equal(t, byte(0), m.levels[i], "slot %d", i)
		}
	}
}

func TestMergerShortLevelsUnsourceTail(t *testing.T) {
	m, a := mergerWithSource(t, 100, []byte{9, 9})
	assert.Equal(t, a, m.winnerIDs[1])
	assert.Equal(t, uuid.Nil, m.winnerIDs[2])
	assert.Equal(t, byte(0), m.winningPriorities[2])

	//shrinking the transmitted range unsources the tail
	m.updateLevels(a, []byte{9})
	assert.Equal(t, uuid.Nil, m.winnerIDs[1])
	assert.Equal(t, byte(0), m.levels[1])
}
