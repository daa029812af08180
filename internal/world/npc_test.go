package world

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

func TestInteractionToggle(t *testing.T) {
	npc := NewNPC(1, 1, Position{}, 0, 5, 100, 10)

	assert.False(t, npc.EndInteraction(7), "ending an interaction that never began")
	assert.False(t, npc.Interacting(7))

	npc.BeginInteraction(7)
	assert.True(t, npc.Interacting(7))
	npc.BeginInteraction(7) // beginning twice does not stack
	assert.True(t, npc.EndInteraction(7))
	assert.False(t, npc.Interacting(7))
	assert.False(t, npc.EndInteraction(7))
}

func TestNPCHoldsStillWhileInteracting(t *testing.T) {
	state := testState()
	m := state.EntityMap

	player := placePlayer(m, 1, Position{X: 50, Y: 0})
	npc := placeNPC(m, 1, Position{})
	npc.Path = NewSinglePath(Position{X: 1000}, 400, 10)
	npc.Path.Start()

	npc.BeginInteraction(player.Num)
	start := npc.Position()
	npc.Tick(time.Now(), nil, state)
	assert.Equal(t, start, npc.Position(), "movement is suspended during interaction")
	assert.True(t, npc.Interacting(player.Num))

	require.True(t, npc.EndInteraction(player.Num))
	npc.Tick(time.Now(), nil, state)
	assert.NotEqual(t, start, npc.Position())
}

func TestNPCDropsOutOfRangeInteractors(t *testing.T) {
	state := testState() // interaction range 100
	m := state.EntityMap

	player := placePlayer(m, 1, Position{X: 50, Y: 0})
	npc := placeNPC(m, 1, Position{})
	npc.BeginInteraction(player.Num)

	npc.Tick(time.Now(), nil, state)
	assert.True(t, npc.Interacting(player.Num), "still in range")

	player.SetPosition(Position{X: 150, Y: 0})
	coords := player.ChunkCoords()
	m.Update(player.ID(), &coords, nil)

	npc.Tick(time.Now(), nil, state)
	assert.False(t, npc.Interacting(player.Num), "wandered past the interaction range")

	// A departed player is dropped the same way.
	npc.BeginInteraction(2)
	npc.Tick(time.Now(), nil, state)
	assert.False(t, npc.Interacting(2))
}

func TestNPCFollowsTarget(t *testing.T) {
	state := testState()
	m := state.EntityMap

	target := placePlayer(m, 1, Position{X: 1000, Y: 0})
	target.SetSpeed(300)
	npc := placeNPC(m, 1, Position{})
	id := target.ID()
	npc.Follow = &id

	npc.Tick(time.Now(), nil, state)
	assert.Greater(t, npc.Position().X, int32(0), "moved toward the target")

	// Once inside the following distance the NPC stops closing in.
	npc.SetPosition(Position{X: 900, Y: 0})
	coords := npc.ChunkCoords()
	m.Update(npc.ID(), &coords, nil)
	before := npc.Position()
	npc.Tick(time.Now(), nil, state)
	assert.Equal(t, before, npc.Position())

	// Losing the target clears the follow and falls back to the patrol path.
	m.Update(target.ID(), nil, nil)
	m.Untrack(target.ID())
	npc.Tick(time.Now(), nil, state)
	assert.Nil(t, npc.Follow)
}

func TestNPCMoveBroadcastOnWaypoint(t *testing.T) {
	clients := server.NewClientMap(testLogger())
	state := testState()
	m := state.EntityMap

	conn, got := newTestClient(t, clients)
	player := NewPlayer(1, 1, 0, "Watcher", 1, 100, Position{X: 100, Y: 100}, 0, conn.Handle())
	m.Track(player, TickAlways)
	coords := player.ChunkCoords()
	m.Update(player.ID(), &coords, clients)

	npc := NewNPC(1, 1, Position{}, 0, 5, 100, 10)
	m.Track(npc, TickAlways)
	npcCoords := npc.ChunkCoords()
	m.Update(npc.ID(), &npcCoords, clients)
	drainPackets(got)

	// One tick's travel at this speed lands exactly on the waypoint.
	npc.Path = NewSinglePath(Position{X: 40}, 400, 10)
	npc.Path.Start()
	npc.Tick(time.Now(), clients, state)

	packets := drainPackets(got)
	require.Len(t, packets, 1)
	assert.Equal(t, protocol.NPCMoveType, packets[0])
}

func TestNPCCrossesChunkWhileMoving(t *testing.T) {
	state := testState()
	m := state.EntityMap

	npc := placeNPC(m, 1, Position{X: core.ChunkSize - 20, Y: 100})
	npc.Path = NewSinglePath(Position{X: core.ChunkSize + 20, Y: 100}, 400, 10)
	npc.Path.Start()

	npc.Tick(time.Now(), nil, state)

	coords, ok := m.ChunkOf(npc.ID())
	require.True(t, ok)
	assert.Equal(t, ChunkCoords{X: 1, Y: 0}, coords)
	assertSpatialInvariant(t, m)
}
