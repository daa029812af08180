package world

import (
	"time"

	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

// Egg is a stationary pickup. Picking it up pulls it out of the world until
// its respawn time passes, when it reappears to observers in place.
type Egg struct {
	Num     int32
	EggType int32

	position Position

	// RespawnDelay of zero means the egg never comes back once picked up.
	RespawnDelay time.Duration
	respawnAt    time.Time
	despawned    bool
}

func NewEgg(num, eggType int32, pos Position, respawnDelay time.Duration) *Egg {
	return &Egg{
		Num:          num,
		EggType:      eggType,
		position:     pos,
		RespawnDelay: respawnDelay,
	}
}

// Live reports whether the egg is currently in the world and can be picked up.
func (e *Egg) Live() bool {
	return !e.despawned
}

// PickUp pulls the egg out of the world and starts its respawn clock.
// The caller broadcasts the removal via EntityMap.Update.
func (e *Egg) PickUp(now time.Time) {
	e.despawned = true
	e.respawnAt = now.Add(e.RespawnDelay)
}

func (e *Egg) ID() EntityID {
	return EggID(e.Num)
}

func (e *Egg) Client(*server.ClientMap) *server.Client { return nil }

func (e *Egg) Position() Position { return e.position }
func (e *Egg) Rotation() int32    { return 0 }
func (e *Egg) Speed() int32       { return 0 }

func (e *Egg) ChunkCoords() ChunkCoords {
	return ChunkCoordsOf(e.position)
}

func (e *Egg) SetPosition(pos Position) { e.position = pos }
func (e *Egg) SetRotation(int32)        {}

func (e *Egg) SendEnter(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.EggEnterViewType, &protocol.EggEnterView{
		EggID:   e.Num,
		EggType: e.EggType,
		X:       e.position.X,
		Y:       e.position.Y,
		Z:       e.position.Z,
	})
}

func (e *Egg) SendExit(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.EggExitViewType, &protocol.EggExitView{EggID: e.Num})
}

func (e *Egg) Tick(now time.Time, clients *server.ClientMap, state *ShardState) {
	if e.despawned && e.RespawnDelay > 0 && !now.Before(e.respawnAt) {
		e.despawned = false
		coords := e.ChunkCoords()
		state.EntityMap.Update(e.ID(), &coords, clients)
	}
}

func (e *Egg) Cleanup(clients *server.ClientMap, state *ShardState) {}
