package packet

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDataPacket(t *testing.T, cid uuid.UUID, name string, universe uint16,
	prio byte, startCode byte, values []byte) DataPacket {
	t.Helper()
	p := NewDataPacket()
	p.SetCID(cid)
	p.SetSourceName(name)
	require.NoError(t, p.SetUniverse(universe))
	require.NoError(t, p.SetPriority(prio))
	require.NoError(t, p.SetStartCode(startCode))
	p.SetData(values)
	return p
}

func TestParseDataRoundTrip(t *testing.T) {
	cid := uuid.New()
	values := []byte{255, 0, 10, 20}
	p := buildDataPacket(t, cid, "round trip", 42, 150, StartCodeLevels, values)
	p.SetSequence(17)

	out, err := Parse(p.Bytes())
	require.NoError(t, err)
	d, ok := out.(*DataPacket)
	require.True(t, ok)

	assert.Equal(t, cid, d.CID())
	assert.Equal(t, "round trip", d.SourceName())
	assert.Equal(t, uint16(42), d.Universe())
	assert.Equal(t, byte(150), d.Priority())
	assert.Equal(t, byte(StartCodeLevels), d.StartCode())
	assert.Equal(t, byte(17), d.Sequence())
	assert.Equal(t, values, d.Data())
}

//TestParseDataRoundTripProperty exercises decode(encode(x)) == x over random
//valid packets.
func TestParseDataRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		var cid uuid.UUID
		rng.Read(cid[:])
		universe := uint16(rng.Intn(MaxUniverse) + 1)
		prio := byte(rng.Intn(MaxPriority + 1))
		startCode := byte(StartCodeLevels)
		if rng.Intn(2) == 1 {
			startCode = StartCodePriority
		}
		values := make([]byte, rng.Intn(SlotCount)+1)
		rng.Read(values)

		p := buildDataPacket(t, cid, "property", universe, prio, startCode, values)
		p.SetSequence(byte(rng.Intn(256)))

		out, err := Parse(p.Bytes())
		require.NoError(t, err)
		d := out.(*DataPacket)
		require.Equal(t, cid, d.CID())
		require.Equal(t, universe, d.Universe())
		require.Equal(t, prio, d.Priority())
		require.Equal(t, startCode, d.StartCode())
		require.Equal(t, p.Sequence(), d.Sequence())
		require.Equal(t, values, d.Data())
	}
}

func TestParseDiscoveryRoundTrip(t *testing.T) {
	cid := uuid.New()
	universes := []uint16{1, 2, 3, 700, 63999}

	p := NewDiscoveryPacket()
	p.SetCID(cid)
	p.SetSourceName("discovery source")
	p.SetPage(0)
	p.SetLastPage(1)
	p.SetUniverses(universes)

	out, err := Parse(p.Bytes())
	require.NoError(t, err)
	d, ok := out.(*DiscoveryPacket)
	require.True(t, ok)

	assert.Equal(t, cid, d.CID())
	assert.Equal(t, "discovery source", d.SourceName())
	assert.Equal(t, byte(0), d.Page())
	assert.Equal(t, byte(1), d.LastPage())
	assert.Equal(t, universes, d.Universes())
}

func TestParseDiscoveryRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 100; i++ {
		last := byte(rng.Intn(256))
		page := byte(rng.Intn(int(last) + 1))
		universes := make([]uint16, rng.Intn(MaxDiscoveryUniverses+1))
		for j := range universes {
			universes[j] = uint16(rng.Intn(MaxUniverse) + 1)
		}

		p := NewDiscoveryPacket()
		p.SetPage(page)
		p.SetLastPage(last)
		p.SetUniverses(universes)

		out, err := Parse(p.Bytes())
		require.NoError(t, err)
		d := out.(*DiscoveryPacket)
		require.Equal(t, page, d.Page())
		require.Equal(t, last, d.LastPage())
		if len(universes) == 0 {
			require.Empty(t, d.Universes())
		} else {
			require.Equal(t, universes, d.Universes())
		}
	}
}

func TestParseErrors(t *testing.T) {
	valid := buildDataPacket(t, uuid.New(), "errors", 1, 100,
		StartCodeLevels, make([]byte, 512))

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), valid.Bytes()...)
		f(b)
		return b
	}

	cases := []struct {
		name string
		raw  []byte
		kind ParseErrorKind
	}{
		{"too short", valid.Bytes()[:20], ErrInsufficientLength},
		{"bad preamble", mutate(func(b []byte) { b[1] = 0x11 }), ErrBadPreamble},
		{"bad postamble", mutate(func(b []byte) { b[3] = 0x01 }), ErrBadPreamble},
		{"bad identifier", mutate(func(b []byte) { b[4] = 'X' }), ErrBadIdentifier},
		{"bad root flags", mutate(func(b []byte) { b[16] = 0x52 }), ErrBadFlags},
		{"bad root length", mutate(func(b []byte) { b[17]++ }), ErrBadFlags},
		{"unknown root vector", mutate(func(b []byte) { b[21] = 0x05 }), ErrUnknownVector},
		{"bad framing flags", mutate(func(b []byte) { b[38] = 0x12 }), ErrBadFlags},
		{"unknown framing vector", mutate(func(b []byte) { b[43] = 0x07 }), ErrUnknownVector},
		{"invalid priority", mutate(func(b []byte) { b[108] = 201 }), ErrInvalidPriority},
		{"invalid universe", mutate(func(b []byte) { b[113] = 0xFF }), ErrInvalidUniverse},
		{"bad dmp flags", mutate(func(b []byte) { b[115] = 0x00 }), ErrBadFlags},
		{"unknown dmp vector", mutate(func(b []byte) { b[117] = 0x03 }), ErrUnknownVector},
		{"bad address block", mutate(func(b []byte) { b[118] = 0xa2 }), ErrBadFlags},
		{"bad property count", mutate(func(b []byte) { b[124]++ }), ErrBadPropertyCount},
		{"unknown start code", mutate(func(b []byte) { b[125] = 0x55 }), ErrUnknownStartCode},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse(c.raw)
			require.Error(t, err)
			var pe *ParseError
			require.True(t, errors.As(err, &pe), "expected a ParseError, got %v", err)
			assert.Equal(t, c.kind, pe.Kind, "error was %v", err)
		})
	}
}

//The synchronization framing vector is recognized on the wire but not
//implemented; the decoder must reject it as an unknown vector.
func TestParseSyncFramingRejected(t *testing.T) {
	p := NewDiscoveryPacket()
	raw := append([]byte(nil), p.Bytes()...)
	copy(raw[40:44], getAsBytes32(vectorExtendedSync))
	_, err := Parse(raw)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrUnknownVector, pe.Kind)
	assert.Equal(t, uint32(vectorExtendedSync), pe.Value)
}

func TestParseDiscoveryErrors(t *testing.T) {
	p := NewDiscoveryPacket()
	p.SetUniverses([]uint16{1, 2, 3})

	//page beyond last page
	raw := append([]byte(nil), p.Bytes()...)
	raw[118] = 2
	raw[119] = 1
	_, err := Parse(raw)
	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrBadUniverseList, pe.Kind)

	//odd universe list length
	odd := append([]byte(nil), p.Bytes()...)
	odd = append(odd, 0x00)
	//re-patch the three FALs for the extra byte
	l := uint16(len(odd))
	fal := calculateFal(l - 16)
	copy(odd[16:], fal[:])
	fal = calculateFal(l - 38)
	copy(odd[38:], fal[:])
	fal = calculateFal(l - 112)
	copy(odd[112:], fal[:])
	_, err = Parse(odd)
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, ErrBadUniverseList, pe.Kind)
}
