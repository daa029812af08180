package world

import (
	"fmt"
	"time"

	"github.com/hfrick/nexus/internal/server"
)

// EntityKind discriminates the closed set of entity variants.
type EntityKind int

const (
	KindPlayer EntityKind = iota
	KindNPC
	KindSlider
	KindEgg
)

func (k EntityKind) String() string {
	switch k {
	case KindPlayer:
		return "player"
	case KindNPC:
		return "npc"
	case KindSlider:
		return "slider"
	case KindEgg:
		return "egg"
	default:
		return "invalid"
	}
}

// EntityID is a variant-tagged identifier, unique within its variant's
// numeric space. All spatial and ownership lookups key on EntityID, never on
// a direct entity reference.
type EntityID struct {
	Kind EntityKind
	Num  int32
}

func (id EntityID) String() string {
	return fmt.Sprintf("%s:%d", id.Kind, id.Num)
}

func PlayerID(num int32) EntityID { return EntityID{Kind: KindPlayer, Num: num} }
func NPCID(num int32) EntityID    { return EntityID{Kind: KindNPC, Num: num} }
func SliderID(num int32) EntityID { return EntityID{Kind: KindSlider, Num: num} }
func EggID(num int32) EntityID    { return EntityID{Kind: KindEgg, Num: num} }

// Entity is the capability contract every world entity variant implements.
// Cross-entity access during Tick always goes by EntityID through the
// EntityMap; no entity retains a reference to another across calls.
type Entity interface {
	ID() EntityID

	// Client returns the connection controlling this entity, or nil for
	// server-driven entities.
	Client(clients *server.ClientMap) *server.Client

	Position() Position
	Rotation() int32
	Speed() int32
	ChunkCoords() ChunkCoords
	SetPosition(pos Position)
	SetRotation(angle int32)

	// SendEnter and SendExit deliver the enter-view/exit-view notification
	// for this entity to one observer's connection.
	SendEnter(clients *server.ClientMap, to *server.Client)
	SendExit(clients *server.ClientMap, to *server.Client)

	// Tick runs once per scheduling pass. It may mutate its own record and
	// the shared state through the provided references only.
	Tick(now time.Time, clients *server.ClientMap, state *ShardState)

	// Cleanup runs exactly once as the entity is permanently removed. It must
	// sever every cross-entity relation involving this EntityID before the id
	// becomes invalid.
	Cleanup(clients *server.ClientMap, state *ShardState)
}

// Combatant is the optional combat capability on top of Entity.
type Combatant interface {
	Level() int16
	HP() int32
	MaxHP() int32
	ConditionFlags() int32
	IsDead() bool
}
