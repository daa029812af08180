package world

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEggRespawnsAfterDelay(t *testing.T) {
	state := testState()
	m := state.EntityMap

	egg := NewEgg(1, 7, Position{X: 100, Y: 100}, time.Minute)
	m.Track(egg, TickWhenLoaded)
	coords := egg.ChunkCoords()
	m.Update(egg.ID(), &coords, nil)
	require.True(t, egg.Live())

	now := time.Now()
	egg.PickUp(now)
	m.Update(egg.ID(), nil, nil)
	assert.False(t, egg.Live())

	// Before the delay elapses nothing happens.
	egg.Tick(now.Add(30*time.Second), nil, state)
	assert.False(t, egg.Live())
	_, inWorld := m.ChunkOf(egg.ID())
	assert.False(t, inWorld)

	egg.Tick(now.Add(time.Minute), nil, state)
	assert.True(t, egg.Live())
	got, inWorld := m.ChunkOf(egg.ID())
	require.True(t, inWorld)
	assert.Equal(t, ChunkCoordsOf(egg.Position()), got)
	assertSpatialInvariant(t, m)
}

func TestEggWithoutRespawnStaysGone(t *testing.T) {
	state := testState()
	m := state.EntityMap

	egg := NewEgg(1, 7, Position{X: 100, Y: 100}, 0)
	m.Track(egg, TickWhenLoaded)
	coords := egg.ChunkCoords()
	m.Update(egg.ID(), &coords, nil)

	now := time.Now()
	egg.PickUp(now)
	m.Update(egg.ID(), nil, nil)

	egg.Tick(now.Add(time.Hour), nil, state)
	assert.False(t, egg.Live())
	_, inWorld := m.ChunkOf(egg.ID())
	assert.False(t, inWorld)
}
