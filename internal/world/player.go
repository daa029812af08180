package world

import (
	"time"

	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

// Player is a game-client-controlled entity. Identity and progress fields
// mirror the persistence model; spatial fields live only here while the
// player is in the world.
type Player struct {
	Num       int32
	AccountID int64
	Slot      int8
	Name      string

	level int16
	hp    int32
	maxHP int32

	position Position
	rotation int32
	speed    int32

	// Buddies holds the confirmed buddy relation by player number.
	Buddies map[int32]struct{}
	// BuddyOfferedTo is the player this one has an unresolved buddy offer out
	// to, or zero. An accept from anyone else is rejected.
	BuddyOfferedTo int32

	// connHandle ties the entity back to its connection without aliasing it.
	connHandle int
}

func NewPlayer(num int32, accountID int64, slot int8, name string, level int16, maxHP int32, pos Position, angle int32, connHandle int) *Player {
	return &Player{
		Num:        num,
		AccountID:  accountID,
		Slot:       slot,
		Name:       name,
		level:      level,
		hp:         maxHP,
		maxHP:      maxHP,
		position:   pos,
		rotation:   angle % 360,
		Buddies:    make(map[int32]struct{}),
		connHandle: connHandle,
	}
}

func (p *Player) ID() EntityID {
	return PlayerID(p.Num)
}

func (p *Player) Client(clients *server.ClientMap) *server.Client {
	c, err := clients.Lookup(p.connHandle)
	if err != nil {
		return nil
	}
	return c
}

func (p *Player) Position() Position { return p.position }
func (p *Player) Rotation() int32    { return p.rotation }
func (p *Player) Speed() int32       { return p.speed }

func (p *Player) ChunkCoords() ChunkCoords {
	return ChunkCoordsOf(p.position)
}

func (p *Player) SetPosition(pos Position) { p.position = pos }
func (p *Player) SetRotation(angle int32)  { p.rotation = ((angle % 360) + 360) % 360 }
func (p *Player) SetSpeed(speed int32)     { p.speed = speed }

func (p *Player) SetHP(hp int32) {
	if hp > p.maxHP {
		hp = p.maxHP
	}
	p.hp = hp
}

// Appearance builds the view other clients get of this player.
func (p *Player) Appearance() protocol.PlayerAppearance {
	appearance := protocol.PlayerAppearance{
		PlayerID: p.Num,
		Level:    p.level,
		HP:       p.hp,
		MaxHP:    p.maxHP,
		X:        p.position.X,
		Y:        p.position.Y,
		Z:        p.position.Z,
		Angle:    p.rotation,
	}
	copy(appearance.Name[:], protocol.EncodeUTF16(p.Name, protocol.NameLength))
	return appearance
}

func (p *Player) SendEnter(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.PlayerEnterViewType, &protocol.PlayerEnterView{Appearance: p.Appearance()})
}

func (p *Player) SendExit(clients *server.ClientMap, to *server.Client) {
	clients.Send(to, protocol.PlayerExitViewType, &protocol.PlayerExitView{PlayerID: p.Num})
}

// Tick keeps player-derived relations honest: a pending buddy offer whose
// target left the world is dropped.
func (p *Player) Tick(now time.Time, clients *server.ClientMap, state *ShardState) {
	if p.BuddyOfferedTo != 0 && state.EntityMap.Player(p.BuddyOfferedTo) == nil {
		p.BuddyOfferedTo = 0
	}
}

// Cleanup severs every relation involving this player before its id becomes
// invalid: buddy links on other players, pending offers aimed at it, and NPC
// interaction sets.
func (p *Player) Cleanup(clients *server.ClientMap, state *ShardState) {
	for buddyNum := range p.Buddies {
		if buddy := state.EntityMap.Player(buddyNum); buddy != nil {
			delete(buddy.Buddies, p.Num)
		}
	}
	state.EntityMap.EachPlayer(func(other *Player) {
		if other.BuddyOfferedTo == p.Num {
			other.BuddyOfferedTo = 0
		}
	})
	state.EntityMap.EachNPC(func(npc *NPC) {
		npc.EndInteraction(p.Num)
	})
}

// Combatant capability.

func (p *Player) Level() int16          { return p.level }
func (p *Player) HP() int32             { return p.hp }
func (p *Player) MaxHP() int32          { return p.maxHP }
func (p *Player) ConditionFlags() int32 { return 0 }
func (p *Player) IsDead() bool          { return p.hp <= 0 }
