package world

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testState() *ShardState {
	return NewShardState(1, 100, 10)
}

func placeNPC(m *EntityMap, num int32, pos Position) *NPC {
	n := NewNPC(num, 1, pos, 0, 5, 100, 10)
	m.Track(n, TickWhenLoaded)
	coords := n.ChunkCoords()
	m.Update(n.ID(), &coords, nil)
	return n
}

func placePlayer(m *EntityMap, num int32, pos Position) *Player {
	p := NewPlayer(num, 1, 0, "Tester", 1, 100, pos, 0, 0)
	m.Track(p, TickAlways)
	coords := p.ChunkCoords()
	m.Update(p.ID(), &coords, nil)
	return p
}

// assertSpatialInvariant checks that every tracked entity occupies exactly one
// chunk (its registered one) while in the world, and none otherwise.
func assertSpatialInvariant(t *testing.T, m *EntityMap) {
	t.Helper()
	for id, entry := range m.registry {
		occurrences := 0
		for coords, chunk := range m.chunks {
			if _, ok := chunk.tracked[id]; ok {
				occurrences++
				assert.Equal(t, entry.chunk, coords, "%v indexed under the wrong chunk", id)
			}
		}
		if entry.inChunk {
			assert.Equal(t, 1, occurrences, "%v should occupy exactly one chunk", id)
		} else {
			assert.Zero(t, occurrences, "%v should occupy no chunk", id)
		}
	}
}

func TestUpdateMovesEntityBetweenChunks(t *testing.T) {
	m := NewEntityMap()
	npc := placeNPC(m, 1, Position{X: 100, Y: 100})

	coords, ok := m.ChunkOf(npc.ID())
	require.True(t, ok)
	assert.Equal(t, ChunkCoords{X: 0, Y: 0}, coords)
	assertSpatialInvariant(t, m)

	moves := []Position{
		{X: core.ChunkSize + 50, Y: 100},
		{X: core.ChunkSize + 50, Y: 3 * core.ChunkSize},
		{X: -1, Y: -1},
		{X: 100, Y: 100},
	}
	for _, pos := range moves {
		npc.SetPosition(pos)
		coords := npc.ChunkCoords()
		m.Update(npc.ID(), &coords, nil)

		got, ok := m.ChunkOf(npc.ID())
		require.True(t, ok)
		assert.Equal(t, ChunkCoordsOf(pos), got)
		assertSpatialInvariant(t, m)
	}

	// Negative coordinates land in their own chunk, not chunk zero.
	npc.SetPosition(Position{X: -1, Y: -1})
	assert.Equal(t, ChunkCoords{X: -1, Y: -1}, npc.ChunkCoords())
}

func TestUpdateToSameChunkIsANoop(t *testing.T) {
	m := NewEntityMap()
	npc := placeNPC(m, 1, Position{X: 100, Y: 100})

	npc.SetPosition(Position{X: 200, Y: 300})
	coords := npc.ChunkCoords()
	m.Update(npc.ID(), &coords, nil)

	got, ok := m.ChunkOf(npc.ID())
	require.True(t, ok)
	assert.Equal(t, ChunkCoords{X: 0, Y: 0}, got)
	assertSpatialInvariant(t, m)
}

func TestUpdateNilRemovesFromWorldWithoutUntracking(t *testing.T) {
	m := NewEntityMap()
	npc := placeNPC(m, 1, Position{X: 100, Y: 100})

	m.Update(npc.ID(), nil, nil)

	_, ok := m.ChunkOf(npc.ID())
	assert.False(t, ok)
	assert.NotNil(t, m.Get(npc.ID()))
	assertSpatialInvariant(t, m)

	// Removing again is harmless.
	m.Update(npc.ID(), nil, nil)
}

func TestTrackDuplicatePanics(t *testing.T) {
	m := NewEntityMap()
	placeNPC(m, 1, Position{X: 100, Y: 100})

	require.Panics(t, func() {
		m.Track(NewNPC(1, 2, Position{}, 0, 1, 100, 10), TickAlways)
	})
}

func TestUntrackWhileInChunkPanics(t *testing.T) {
	m := NewEntityMap()
	npc := placeNPC(m, 1, Position{X: 100, Y: 100})

	require.Panics(t, func() { m.Untrack(npc.ID()) })

	m.Update(npc.ID(), nil, nil)
	require.NotPanics(t, func() { m.Untrack(npc.ID()) })
	require.Panics(t, func() { m.Untrack(npc.ID()) })
}

func TestAroundEntitySpansChunkBoundary(t *testing.T) {
	m := NewEntityMap()
	// Two NPCs a few units apart but on opposite sides of a chunk boundary.
	a := placeNPC(m, 1, Position{X: core.ChunkSize - 10, Y: 100})
	b := placeNPC(m, 2, Position{X: core.ChunkSize + 10, Y: 100})

	require.NotEqual(t, a.ChunkCoords(), b.ChunkCoords())

	around := m.AroundEntity(a.ID())
	assert.Contains(t, around, b.ID())
	assert.NotContains(t, around, a.ID(), "the neighborhood excludes the entity itself")

	// Two chunks apart is outside the 3x3 scan.
	c := placeNPC(m, 3, Position{X: 3*core.ChunkSize + 10, Y: 100})
	assert.NotContains(t, m.AroundEntity(a.ID()), c.ID())
}

func TestEntitiesInRangeBoundaryIsInclusive(t *testing.T) {
	m := NewEntityMap()
	a := placeNPC(m, 1, Position{X: 0, Y: 0})
	b := placeNPC(m, 2, Position{X: 100, Y: 0})

	assert.Contains(t, m.EntitiesInRange(a.ID(), 100), b.ID())
	assert.NotContains(t, m.EntitiesInRange(a.ID(), 99), b.ID())
	assert.Empty(t, m.EntitiesInRange(NPCID(99), 100), "unknown entity has no neighborhood")
}

func TestValidateProximity(t *testing.T) {
	m := NewEntityMap()
	a := placeNPC(m, 1, Position{X: 0, Y: 0})
	b := placeNPC(m, 2, Position{X: 60, Y: 80}) // distance 100

	require.NoError(t, m.ValidateProximity([]EntityID{a.ID(), b.ID()}, 100))

	err := m.ValidateProximity([]EntityID{a.ID(), b.ID()}, 99)
	require.Error(t, err)
	var proxErr *ProximityError
	require.ErrorAs(t, err, &proxErr)
	assert.Equal(t, ProximityOutOfRange, proxErr.Kind)
	assert.Equal(t, uint32(100), proxErr.Distance)

	err = m.ValidateProximity([]EntityID{a.ID(), NPCID(99)}, 100)
	require.ErrorAs(t, err, &proxErr)
	assert.Equal(t, ProximityNotFound, proxErr.Kind)

	// An entity pulled out of the world fails the existence check too.
	m.Update(b.ID(), nil, nil)
	err = m.ValidateProximity([]EntityID{a.ID(), b.ID()}, 100)
	require.ErrorAs(t, err, &proxErr)
	assert.Equal(t, ProximityNotFound, proxErr.Kind)
}

func TestCollectGarbageRemovesAndSeversRelations(t *testing.T) {
	m := NewEntityMap()
	state := testState()
	state.EntityMap = m

	leaving := placePlayer(m, 1, Position{X: 100, Y: 100})
	buddy := placePlayer(m, 2, Position{X: 200, Y: 200})
	leaving.Buddies[buddy.Num] = struct{}{}
	buddy.Buddies[leaving.Num] = struct{}{}
	buddy.BuddyOfferedTo = leaving.Num

	npc := placeNPC(m, 1, Position{X: 100, Y: 100})
	npc.BeginInteraction(leaving.Num)

	m.MarkForCleanup(leaving.ID())
	m.MarkForCleanup(leaving.ID()) // marking twice is fine
	m.CollectGarbage(nil, state)

	assert.Nil(t, m.Get(leaving.ID()))
	assert.NotContains(t, buddy.Buddies, leaving.Num)
	assert.Zero(t, buddy.BuddyOfferedTo)
	assert.False(t, npc.Interacting(leaving.Num))
	assertSpatialInvariant(t, m)

	// A second pass with an already-collected id does nothing.
	m.MarkForCleanup(leaving.ID())
	require.NotPanics(t, func() { m.CollectGarbage(nil, state) })
}

func TestTickWhenLoadedFollowsPlayerLoadCounts(t *testing.T) {
	m := NewEntityMap()
	npc := placeNPC(m, 1, Position{X: 100, Y: 100})

	assert.NotContains(t, m.TickableIDs(), npc.ID(), "no player has the chunk in view")

	// A player one chunk over still has the NPC's chunk in its 3x3 view.
	player := placePlayer(m, 1, Position{X: core.ChunkSize + 100, Y: 100})
	assert.Contains(t, m.TickableIDs(), npc.ID())

	m.Update(player.ID(), nil, nil)
	assert.NotContains(t, m.TickableIDs(), npc.ID())

	require.NoError(t, m.SetTickMode(npc.ID(), TickAlways))
	assert.Contains(t, m.TickableIDs(), npc.ID())

	require.NoError(t, m.SetTickMode(npc.ID(), TickNever))
	assert.NotContains(t, m.TickableIDs(), npc.ID())

	assert.Error(t, m.SetTickMode(NPCID(99), TickAlways))
}

func TestDespawnedEggTicksOutsideEveryChunk(t *testing.T) {
	m := NewEntityMap()
	egg := NewEgg(1, 7, Position{X: 100, Y: 100}, time.Minute)
	m.Track(egg, TickWhenLoaded)
	coords := egg.ChunkCoords()
	m.Update(egg.ID(), &coords, nil)

	assert.NotContains(t, m.TickableIDs(), egg.ID(), "unloaded chunk, nothing to do")

	egg.PickUp(time.Now())
	m.Update(egg.ID(), nil, nil)
	assert.Contains(t, m.TickableIDs(), egg.ID(), "a despawned egg must tick to respawn")
}

func TestChannelStatusThresholds(t *testing.T) {
	m := NewEntityMap()
	maxPop := 8

	expectStatus := func(want uint8) {
		t.Helper()
		statuses := m.ChannelStatuses(2, maxPop)
		assert.Equal(t, want, statuses[0])
		assert.Equal(t, uint8(protocol.ChannelStatusEmpty), statuses[1])
		for ch := 2; ch < protocol.MaxChannels; ch++ {
			assert.Equal(t, uint8(protocol.ChannelStatusClosed), statuses[ch])
		}
	}

	expectStatus(protocol.ChannelStatusEmpty)

	for num := int32(1); num <= 8; num++ {
		placePlayer(m, num, Position{X: 100 * num, Y: 100})
		switch num {
		case 1:
			expectStatus(protocol.ChannelStatusEmpty) // 1/8 < 0.25
		case 2:
			expectStatus(protocol.ChannelStatusNormal) // 2/8 = 0.25
		case 6:
			expectStatus(protocol.ChannelStatusBusy) // 6/8 = 0.75
		case 8:
			expectStatus(protocol.ChannelStatusClosed)
		}
	}
}

func TestCountsTrackTheIndex(t *testing.T) {
	m := NewEntityMap()
	assert.Zero(t, m.Len())
	assert.Zero(t, m.ChunkCount())
	assert.Zero(t, m.PlayerCount())

	placeNPC(m, 1, Position{X: 100, Y: 100})
	player := placePlayer(m, 1, Position{X: 2 * core.ChunkSize, Y: 2 * core.ChunkSize})

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2, m.ChunkCount())
	assert.Equal(t, 1, m.PlayerCount())

	m.Update(player.ID(), nil, nil)
	assert.Equal(t, 2, m.Len(), "out of the world but still tracked")
	assert.Zero(t, m.PlayerCount())
}

func TestNumAllocatorsAreSequential(t *testing.T) {
	m := NewEntityMap()
	assert.Equal(t, int32(1), m.NextPlayerNum())
	assert.Equal(t, int32(2), m.NextPlayerNum())
	assert.Equal(t, int32(1), m.NextNPCNum())
	assert.Equal(t, int32(1), m.NextSliderNum())
	assert.Equal(t, int32(1), m.NextEggNum())
}

// newTestClient registers a pipe-backed connection and decodes every frame
// written to it into a channel of packet types.
func newTestClient(t *testing.T, clients *server.ClientMap) (*server.Client, chan uint32) {
	t.Helper()
	srvSide, cliSide := net.Pipe()
	c := clients.Add(srvSide)
	got := make(chan uint32, 64)

	go func() {
		for {
			var sizeBuf [4]byte
			if _, err := io.ReadFull(cliSide, sizeBuf[:]); err != nil {
				return
			}
			body := make([]byte, binary.LittleEndian.Uint32(sizeBuf[:]))
			if _, err := io.ReadFull(cliSide, body); err != nil {
				return
			}
			protocol.DecryptPacket(body, protocol.DefaultKey)
			packetType, err := protocol.PeekPacketType(body)
			if err != nil {
				continue
			}
			got <- packetType
		}
	}()
	t.Cleanup(func() {
		_ = cliSide.Close()
		_ = srvSide.Close()
	})
	return c, got
}

func drainPackets(got chan uint32) []uint32 {
	var out []uint32
	for {
		select {
		case packetType := <-got:
			out = append(out, packetType)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestUpdateNotifiesGainedAndLostObservers(t *testing.T) {
	clients := server.NewClientMap(testLogger())
	m := NewEntityMap()

	observerConn, observerGot := newTestClient(t, clients)
	moverConn, moverGot := newTestClient(t, clients)

	observer := NewPlayer(1, 1, 0, "Observer", 1, 100, Position{X: 100, Y: 100}, 0, observerConn.Handle())
	m.Track(observer, TickAlways)
	coords := observer.ChunkCoords()
	m.Update(observer.ID(), &coords, clients)
	assert.Empty(t, drainPackets(observerGot), "nobody around yet")

	npc := placeNPC(m, 1, Position{X: 200, Y: 200})
	_ = npc

	// The mover enters the observer's neighborhood: both players learn of each
	// other, and the mover also sees the NPC.
	mover := NewPlayer(2, 2, 0, "Mover", 1, 100, Position{X: 300, Y: 300}, 0, moverConn.Handle())
	m.Track(mover, TickAlways)
	coords = mover.ChunkCoords()
	m.Update(mover.ID(), &coords, clients)

	assert.Equal(t, []uint32{protocol.PlayerEnterViewType}, drainPackets(observerGot))
	assert.ElementsMatch(t,
		[]uint32{protocol.PlayerEnterViewType, protocol.NPCEnterViewType},
		drainPackets(moverGot))

	// Moving far away delivers exits both ways.
	mover.SetPosition(Position{X: 10 * core.ChunkSize, Y: 10 * core.ChunkSize})
	coords = mover.ChunkCoords()
	m.Update(mover.ID(), &coords, clients)

	assert.Equal(t, []uint32{protocol.PlayerExitViewType}, drainPackets(observerGot))
	assert.ElementsMatch(t,
		[]uint32{protocol.PlayerExitViewType, protocol.NPCExitViewType},
		drainPackets(moverGot))
}

func TestUpdateWithinNeighborhoodSendsNothing(t *testing.T) {
	clients := server.NewClientMap(testLogger())
	m := NewEntityMap()

	conn, got := newTestClient(t, clients)
	player := NewPlayer(1, 1, 0, "Walker", 1, 100, Position{X: 100, Y: 100}, 0, conn.Handle())
	m.Track(player, TickAlways)
	coords := player.ChunkCoords()
	m.Update(player.ID(), &coords, clients)

	npc := placeNPC(m, 1, Position{X: 200, Y: 200})
	_ = npc

	// One chunk over: the NPC's chunk stays inside the 3x3 view, so no
	// enter/exit traffic is generated for it.
	player.SetPosition(Position{X: core.ChunkSize + 100, Y: 100})
	coords = player.ChunkCoords()
	m.Update(player.ID(), &coords, clients)

	assert.Empty(t, drainPackets(got))
}

func TestForEachAroundReachesOnlyPlayerConnections(t *testing.T) {
	clients := server.NewClientMap(testLogger())
	m := NewEntityMap()

	conn, got := newTestClient(t, clients)
	player := NewPlayer(1, 1, 0, "Nearby", 1, 100, Position{X: 100, Y: 100}, 0, conn.Handle())
	m.Track(player, TickAlways)
	coords := player.ChunkCoords()
	m.Update(player.ID(), &coords, clients)
	drainPackets(got)

	npc := placeNPC(m, 1, Position{X: 200, Y: 200})
	other := placeNPC(m, 2, Position{X: 300, Y: 300})
	_ = other

	reached := 0
	m.ForEachAround(npc.ID(), clients, func(c *server.Client) {
		reached++
		assert.Equal(t, conn.Handle(), c.Handle())
	})
	assert.Equal(t, 1, reached)
}
