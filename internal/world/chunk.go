package world

import (
	"fmt"

	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

// visibilityRange is the chunk radius scanned around an entity: 1 gives the
// 3x3 neighborhood. The chunk size must be at least as large as any
// interaction range, or legitimate neighbors would fall outside the scan;
// config validation enforces that at startup.
const visibilityRange = 1

// TickMode controls when an entity's Tick runs.
type TickMode int

const (
	// TickAlways runs every pass.
	TickAlways TickMode = iota
	// TickWhenLoaded runs only while a player has the entity's chunk in view,
	// except that entities currently outside every chunk always tick (a
	// despawned egg must tick to respawn).
	TickWhenLoaded
	// TickNever never runs.
	TickNever
)

// Chunk is one fixed-size cell of world space: the set of entities positioned
// inside it, plus a count of how many players have it in view.
type Chunk struct {
	loadCount int
	tracked   map[EntityID]struct{}
}

func newChunk() *Chunk {
	return &Chunk{tracked: make(map[EntityID]struct{})}
}

func (c *Chunk) loaded() bool {
	return c.loadCount > 0
}

func (c *Chunk) playerCount() int {
	n := 0
	for id := range c.tracked {
		if id.Kind == KindPlayer {
			n++
		}
	}
	return n
}

type registryEntry struct {
	entity   Entity
	chunk    ChunkCoords
	inChunk  bool
	tickMode TickMode
}

// EntityMap is the sole authority for entity existence: the registry from
// EntityID to entity record, and the chunk index answering "who is near X".
// Invariant: a tracked entity's id appears in exactly one chunk's set (the
// one for its registered coordinates) while inChunk, and in none otherwise.
type EntityMap struct {
	registry map[EntityID]*registryEntry
	chunks   map[ChunkCoords]*Chunk

	cleanupQueue map[EntityID]struct{}

	nextPlayerNum int32
	nextNPCNum    int32
	nextSliderNum int32
	nextEggNum    int32
}

func NewEntityMap() *EntityMap {
	return &EntityMap{
		registry:      make(map[EntityID]*registryEntry),
		chunks:        make(map[ChunkCoords]*Chunk),
		cleanupQueue:  make(map[EntityID]struct{}),
		nextPlayerNum: 1,
		nextNPCNum:    1,
		nextSliderNum: 1,
		nextEggNum:    1,
	}
}

func (m *EntityMap) NextPlayerNum() int32 { m.nextPlayerNum++; return m.nextPlayerNum - 1 }
func (m *EntityMap) NextNPCNum() int32    { m.nextNPCNum++; return m.nextNPCNum - 1 }
func (m *EntityMap) NextSliderNum() int32 { m.nextSliderNum++; return m.nextSliderNum - 1 }
func (m *EntityMap) NextEggNum() int32    { m.nextEggNum++; return m.nextEggNum - 1 }

// Get returns the entity for an id, or nil if it is not tracked.
func (m *EntityMap) Get(id EntityID) Entity {
	entry, ok := m.registry[id]
	if !ok {
		return nil
	}
	return entry.entity
}

// Player returns the tracked player with the given number, or nil.
func (m *EntityMap) Player(num int32) *Player {
	if e := m.Get(PlayerID(num)); e != nil {
		return e.(*Player)
	}
	return nil
}

// NPC returns the tracked NPC with the given number, or nil.
func (m *EntityMap) NPC(num int32) *NPC {
	if e := m.Get(NPCID(num)); e != nil {
		return e.(*NPC)
	}
	return nil
}

// Slider returns the tracked slider with the given number, or nil.
func (m *EntityMap) Slider(num int32) *Slider {
	if e := m.Get(SliderID(num)); e != nil {
		return e.(*Slider)
	}
	return nil
}

// Egg returns the tracked egg with the given number, or nil.
func (m *EntityMap) Egg(num int32) *Egg {
	if e := m.Get(EggID(num)); e != nil {
		return e.(*Egg)
	}
	return nil
}

// Len returns the number of tracked entities.
func (m *EntityMap) Len() int {
	return len(m.registry)
}

// ChunkCount returns the number of chunks holding at least one entity.
func (m *EntityMap) ChunkCount() int {
	n := 0
	for _, c := range m.chunks {
		if len(c.tracked) > 0 {
			n++
		}
	}
	return n
}

// PlayerCount returns the number of players currently inside a chunk.
func (m *EntityMap) PlayerCount() int {
	n := 0
	for _, c := range m.chunks {
		n += c.playerCount()
	}
	return n
}

// EachPlayer calls fn for every tracked player.
func (m *EntityMap) EachPlayer(fn func(p *Player)) {
	for id, entry := range m.registry {
		if id.Kind == KindPlayer {
			fn(entry.entity.(*Player))
		}
	}
}

// EachNPC calls fn for every tracked NPC.
func (m *EntityMap) EachNPC(fn func(n *NPC)) {
	for id, entry := range m.registry {
		if id.Kind == KindNPC {
			fn(entry.entity.(*NPC))
		}
	}
}

// Track registers an entity with the map. The entity starts outside every
// chunk; the first Update places it. Tracking the same id twice is a logic
// bug and panics.
func (m *EntityMap) Track(e Entity, mode TickMode) EntityID {
	id := e.ID()
	if _, exists := m.registry[id]; exists {
		panic(fmt.Sprintf("EntityMap.Track(): already tracking %v", id))
	}
	m.registry[id] = &registryEntry{entity: e, tickMode: mode}
	return id
}

// Untrack removes an entity from the registry and returns it. The entity must
// already be out of every chunk (Update(id, nil, ...) first); untracking an
// unknown id panics.
func (m *EntityMap) Untrack(id EntityID) Entity {
	entry, ok := m.registry[id]
	if !ok {
		panic(fmt.Sprintf("EntityMap.Untrack(): %v already untracked", id))
	}
	if entry.inChunk {
		panic(fmt.Sprintf("EntityMap.Untrack(): %v still occupies chunk %v", id, entry.chunk))
	}
	delete(m.registry, id)
	return entry.entity
}

// MarkForCleanup queues an entity for removal at the end of the current pass,
// so the entity set is never mutated mid-iteration.
func (m *EntityMap) MarkForCleanup(id EntityID) {
	m.cleanupQueue[id] = struct{}{}
}

// CollectGarbage pulls every queued entity out of the world (notifying
// observers), runs its Cleanup, and untracks it.
func (m *EntityMap) CollectGarbage(clients *server.ClientMap, state *ShardState) {
	if len(m.cleanupQueue) == 0 {
		return
	}
	queue := make([]EntityID, 0, len(m.cleanupQueue))
	for id := range m.cleanupQueue {
		queue = append(queue, id)
	}
	m.cleanupQueue = make(map[EntityID]struct{})

	for _, id := range queue {
		entry, ok := m.registry[id]
		if !ok {
			continue
		}
		m.Update(id, nil, clients)
		entry.entity.Cleanup(clients, state)
		m.Untrack(id)
	}
}

// ChunkOf returns the chunk coordinates an entity currently occupies.
func (m *EntityMap) ChunkOf(id EntityID) (ChunkCoords, bool) {
	entry, ok := m.registry[id]
	if !ok || !entry.inChunk {
		return ChunkCoords{}, false
	}
	return entry.chunk, true
}

// Update moves an entity to new chunk coordinates (nil removes it from the
// world without untracking it). When the chunk changes, observers that gained
// or lost sight of the entity are notified with enter/exit packets, and the
// entity's own client learns about everything it gained or lost. The chunk
// index and the reverse mapping change together; there is no window where
// they disagree.
func (m *EntityMap) Update(id EntityID, to *ChunkCoords, clients *server.ClientMap) {
	entry, ok := m.registry[id]
	if !ok {
		panic(fmt.Sprintf("EntityMap.Update(): %v is untracked", id))
	}
	if to != nil && entry.inChunk && entry.chunk == *to {
		return
	}
	if to == nil && !entry.inChunk {
		return
	}

	aroundFrom := m.removeFromChunk(id)
	aroundTo := m.insertIntoChunk(id, to)

	if clients == nil {
		return
	}

	self := entry.entity
	selfClient := self.Client(clients)

	for other := range aroundFrom {
		if _, still := aroundTo[other]; still {
			continue
		}
		otherEntity := m.Get(other)
		if otherEntity == nil {
			continue
		}
		if selfClient != nil {
			otherEntity.SendExit(clients, selfClient)
		}
		if oc := otherEntity.Client(clients); oc != nil {
			self.SendExit(clients, oc)
		}
	}

	for other := range aroundTo {
		if _, had := aroundFrom[other]; had {
			continue
		}
		otherEntity := m.Get(other)
		if otherEntity == nil {
			continue
		}
		if selfClient != nil {
			otherEntity.SendEnter(clients, selfClient)
		}
		if oc := otherEntity.Client(clients); oc != nil {
			self.SendEnter(clients, oc)
		}
	}
}

func (m *EntityMap) removeFromChunk(id EntityID) map[EntityID]struct{} {
	affected := make(map[EntityID]struct{})
	entry := m.registry[id]
	if !entry.inChunk {
		return affected
	}

	coords := entry.chunk
	entry.inChunk = false

	chunk := m.chunks[coords]
	if chunk == nil {
		panic(fmt.Sprintf("EntityMap: chunk %v missing while removing %v", coords, id))
	}
	if _, present := chunk.tracked[id]; !present {
		panic(fmt.Sprintf("EntityMap: chunk %v did not contain %v", coords, id))
	}
	delete(chunk.tracked, id)

	for _, around := range coordsAround(coords) {
		c, ok := m.chunks[around]
		if !ok {
			continue
		}
		for other := range c.tracked {
			affected[other] = struct{}{}
		}
		if id.Kind == KindPlayer {
			c.loadCount--
		}
	}
	return affected
}

func (m *EntityMap) insertIntoChunk(id EntityID, to *ChunkCoords) map[EntityID]struct{} {
	affected := make(map[EntityID]struct{})
	if to == nil {
		return affected
	}

	coords := *to
	chunk, ok := m.chunks[coords]
	if !ok {
		chunk = newChunk()
		m.chunks[coords] = chunk
	}
	if _, present := chunk.tracked[id]; present {
		panic(fmt.Sprintf("EntityMap: chunk %v already contained %v", coords, id))
	}
	chunk.tracked[id] = struct{}{}

	entry := m.registry[id]
	entry.chunk = coords
	entry.inChunk = true

	for _, around := range coordsAround(coords) {
		c, ok := m.chunks[around]
		if !ok {
			if id.Kind == KindPlayer {
				// Players must keep load counts for chunks entering their
				// view, even ones nothing occupies yet.
				c = newChunk()
				m.chunks[around] = c
			} else {
				continue
			}
		}
		for other := range c.tracked {
			affected[other] = struct{}{}
		}
		if id.Kind == KindPlayer {
			c.loadCount++
		}
	}

	delete(affected, id)
	return affected
}

func coordsAround(coords ChunkCoords) []ChunkCoords {
	around := make([]ChunkCoords, 0, (2*visibilityRange+1)*(2*visibilityRange+1))
	for x := coords.X - visibilityRange; x <= coords.X+visibilityRange; x++ {
		for y := coords.Y - visibilityRange; y <= coords.Y+visibilityRange; y++ {
			around = append(around, ChunkCoords{X: x, Y: y})
		}
	}
	return around
}

// AroundEntity returns the set of entity ids in the 3x3 chunk neighborhood of
// an entity, excluding the entity itself. Empty if the entity is not in the
// world.
func (m *EntityMap) AroundEntity(id EntityID) map[EntityID]struct{} {
	result := make(map[EntityID]struct{})
	entry, ok := m.registry[id]
	if !ok || !entry.inChunk {
		return result
	}
	for _, around := range coordsAround(entry.chunk) {
		if c, ok := m.chunks[around]; ok {
			for other := range c.tracked {
				result[other] = struct{}{}
			}
		}
	}
	delete(result, id)
	return result
}

// EntitiesInRange returns the ids within range units of an entity, scanning
// only the 3x3 chunk neighborhood and then filtering by exact distance.
// The range boundary is inclusive.
func (m *EntityMap) EntitiesInRange(id EntityID, rng uint32) []EntityID {
	entry, ok := m.registry[id]
	if !ok || !entry.inChunk {
		return nil
	}
	pos := entry.entity.Position()

	var result []EntityID
	for other := range m.AroundEntity(id) {
		if m.registry[other].entity.Position().DistanceTo(pos) <= rng {
			result = append(result, other)
		}
	}
	return result
}

// ForEachAround calls fn with the connection of every player in the 3x3
// neighborhood of an entity (excluding the entity's own connection). This is
// the broadcast fan-out for movement and state-delta packets.
func (m *EntityMap) ForEachAround(id EntityID, clients *server.ClientMap, fn func(c *server.Client)) {
	for other := range m.AroundEntity(id) {
		if c := m.registry[other].entity.Client(clients); c != nil {
			fn(c)
		}
	}
}

// ValidateProximity checks that every entity in ids exists in the world and
// that all pairs are within rng of each other (inclusive). It gates
// interaction handlers before they mutate shared state.
func (m *EntityMap) ValidateProximity(ids []EntityID, rng uint32) error {
	positions := make([]Position, len(ids))
	for i, id := range ids {
		entry, ok := m.registry[id]
		if !ok || !entry.inChunk {
			return &ProximityError{Kind: ProximityNotFound, ID: id}
		}
		positions[i] = entry.entity.Position()
	}

	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if d := positions[i].DistanceTo(positions[j]); d > rng {
				return &ProximityError{
					Kind:     ProximityOutOfRange,
					ID:       ids[i],
					OtherID:  ids[j],
					Distance: d,
					Range:    rng,
				}
			}
		}
	}
	return nil
}

// TickableIDs returns the ids whose Tick should run this pass. Collected up
// front so ticks can mutate the registry (spawn, despawn) without invalidating
// the iteration.
func (m *EntityMap) TickableIDs() []EntityID {
	ids := make([]EntityID, 0, len(m.registry))
	for id, entry := range m.registry {
		switch entry.tickMode {
		case TickAlways:
			ids = append(ids, id)
		case TickNever:
		case TickWhenLoaded:
			if !entry.inChunk {
				// Entities outside the world still tick; a despawned egg
				// has to count down its respawn somewhere.
				ids = append(ids, id)
				continue
			}
			if c, ok := m.chunks[entry.chunk]; ok && c.loaded() {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// SetTickMode changes when an entity ticks.
func (m *EntityMap) SetTickMode(id EntityID, mode TickMode) error {
	entry, ok := m.registry[id]
	if !ok {
		return fmt.Errorf("entity %v doesn't exist", id)
	}
	entry.tickMode = mode
	return nil
}

// ChannelStatuses summarizes player load for the login server. With a single
// world set, every player counts toward channel 1 and the remaining channels
// report empty.
func (m *EntityMap) ChannelStatuses(numChannels, maxPop int) [protocol.MaxChannels]uint8 {
	var statuses [protocol.MaxChannels]uint8
	for i := range statuses {
		statuses[i] = protocol.ChannelStatusClosed
	}
	if numChannels > protocol.MaxChannels {
		numChannels = protocol.MaxChannels
	}
	for ch := 0; ch < numChannels; ch++ {
		statuses[ch] = protocol.ChannelStatusEmpty
	}
	if numChannels > 0 {
		statuses[0] = channelStatus(m.PlayerCount(), maxPop)
	}
	return statuses
}

func channelStatus(pop, maxPop int) uint8 {
	if maxPop <= 0 || pop >= maxPop {
		return protocol.ChannelStatusClosed
	}
	frac := float64(pop) / float64(maxPop)
	switch {
	case frac >= 0.75:
		return protocol.ChannelStatusBusy
	case frac >= 0.25:
		return protocol.ChannelStatusNormal
	default:
		return protocol.ChannelStatusEmpty
	}
}
