package world

import (
	"time"

	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

const (
	npcRunSpeed          int32 = 400
	npcFollowingDistance       = 200.0
)

// NPC is a server-driven entity. It wanders its patrol path or loosely
// follows another entity, but only while no player is interacting with it.
type NPC struct {
	Num     int32
	NPCType int32

	position Position
	rotation int32

	level int16
	hp    int32
	maxHP int32

	// Path is the patrol route; Follow takes priority over it when set.
	Path   *Path
	Follow *EntityID

	// interacting holds the players currently engaged with this NPC, by
	// player number. Movement is suspended while it is non-empty.
	interacting map[int32]struct{}

	ticksPerSecond int
}

func NewNPC(num, npcType int32, pos Position, angle int32, level int16, maxHP int32, ticksPerSecond int) *NPC {
	return &NPC{
		Num:            num,
		NPCType:        npcType,
		position:       pos,
		rotation:       angle % 360,
		level:          level,
		hp:             maxHP,
		maxHP:          maxHP,
		interacting:    make(map[int32]struct{}),
		ticksPerSecond: ticksPerSecond,
	}
}

func (n *NPC) ID() EntityID {
	return NPCID(n.Num)
}

func (n *NPC) Client(*server.ClientMap) *server.Client { return nil }

func (n *NPC) Position() Position { return n.position }
func (n *NPC) Rotation() int32    { return n.rotation }

func (n *NPC) Speed() int32 {
	if n.Path != nil {
		return n.Path.Speed()
	}
	return npcRunSpeed
}

func (n *NPC) ChunkCoords() ChunkCoords {
	return ChunkCoordsOf(n.position)
}

func (n *NPC) SetPosition(pos Position) { n.position = pos }
func (n *NPC) SetRotation(angle int32)  { n.rotation = ((angle % 360) + 360) % 360 }

// BeginInteraction records a player engaging this NPC.
func (n *NPC) BeginInteraction(playerNum int32) {
	n.interacting[playerNum] = struct{}{}
}

// EndInteraction removes a player from the interacting set. Returns false if
// the player was never in it.
func (n *NPC) EndInteraction(playerNum int32) bool {
	if _, ok := n.interacting[playerNum]; !ok {
		return false
	}
	delete(n.interacting, playerNum)
	return true
}

// Interacting reports whether a player is currently engaged with this NPC.
func (n *NPC) Interacting(playerNum int32) bool {
	_, ok := n.interacting[playerNum]
	return ok
}

func (n *NPC) appearance() protocol.NPCAppearance {
	return protocol.NPCAppearance{
		NPCID:     n.Num,
		NPCType:   n.NPCType,
		HP:        n.hp,
		Condition: n.ConditionFlags(),
		X:         n.position.X,
		Y:         n.position.Y,
		Z:         n.position.Z,
		Angle:     n.rotation,
	}
}

func (n *NPC) SendEnter(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.NPCEnterViewType, &protocol.NPCEnterView{Appearance: n.appearance()})
}

func (n *NPC) SendExit(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.NPCExitViewType, &protocol.NPCExitView{NPCID: n.Num})
}

// Tick drops interactions with players who wandered out of range, then moves
// the NPC if nobody is left interacting with it.
func (n *NPC) Tick(now time.Time, clients *server.ClientMap, state *ShardState) {
	for playerNum := range n.interacting {
		ids := []EntityID{n.ID(), PlayerID(playerNum)}
		if state.EntityMap.ValidateProximity(ids, state.InteractionRange) != nil {
			delete(n.interacting, playerNum)
		}
	}
	if len(n.interacting) == 0 {
		n.tickMovement(clients, state)
	}
}

func (n *NPC) tickMovement(clients *server.ClientMap, state *ShardState) {
	var path *Path

	if n.Follow != nil {
		if target := state.EntityMap.Get(*n.Follow); target != nil {
			targetPos, tooClose := target.Position().Interpolate(n.position, npcFollowingDistance)
			// Exceed the target's speed slightly to not fall behind.
			speed := int32(float64(target.Speed()) * 1.1)
			path = NewSinglePath(targetPos, speed, n.ticksPerSecond)
			if !tooClose {
				path.Start()
			}
		} else {
			// The followed entity is gone.
			n.Follow = nil
		}
	}

	// Following takes priority over the patrol path.
	if path == nil {
		path = n.Path
	}
	if path == nil {
		return
	}

	speed := path.Speed()
	if !path.Tick(&n.position) {
		return
	}

	coords := n.ChunkCoords()
	state.EntityMap.Update(n.ID(), &coords, clients)

	moveStyle := int32(0)
	if speed > npcRunSpeed {
		moveStyle = 1
	}
	pkt := &protocol.NPCMove{
		NPCID:     n.Num,
		ToX:       n.position.X,
		ToY:       n.position.Y,
		ToZ:       n.position.Z,
		Speed:     speed,
		MoveStyle: moveStyle,
	}
	state.EntityMap.ForEachAround(n.ID(), clients, func(c *server.Client) {
		clients.Send(c, protocol.NPCMoveType, pkt)
	})
}

func (n *NPC) Cleanup(clients *server.ClientMap, state *ShardState) {
	n.interacting = make(map[int32]struct{})
}

// Combatant capability.

func (n *NPC) Level() int16          { return n.level }
func (n *NPC) HP() int32             { return n.hp }
func (n *NPC) MaxHP() int32          { return n.maxHP }
func (n *NPC) ConditionFlags() int32 { return 0 }
func (n *NPC) IsDead() bool          { return n.hp <= 0 }
