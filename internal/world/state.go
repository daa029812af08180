package world

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// loginHandoffTTL bounds how long a relayed handoff stays redeemable. A
// client that never shows up should not hold its serial key forever.
const loginHandoffTTL = 2 * time.Minute

// LoginData is the session handoff relayed from the login server ahead of a
// client's arrival: who the client is and the key material its connection
// rotates to after entering.
type LoginData struct {
	AccountID  int64
	PlayerID   int64
	FEKey      uint64
	ServerTime uint64
}

// ShardState is the shard server's aggregate: the spatial index plus
// role-specific bookkeeping. Owned by the shard event loop; handlers receive
// it for the duration of one dispatch call only.
type ShardState struct {
	ShardID        int32
	EntityMap      *EntityMap
	TicksPerSecond int

	// InteractionRange is the proximity precondition for all interaction
	// handlers, in world units.
	InteractionRange uint32

	// MOTD is fetched from the login server over the peer channel.
	MOTD string

	loginData *gocache.Cache
}

func NewShardState(shardID int32, interactionRange uint32, ticksPerSecond int) *ShardState {
	return &ShardState{
		ShardID:          shardID,
		EntityMap:        NewEntityMap(),
		TicksPerSecond:   ticksPerSecond,
		InteractionRange: interactionRange,
		loginData:        gocache.New(loginHandoffTTL, 30*time.Second),
	}
}

// StoreLoginData records a pending handoff under its serial key. Unredeemed
// entries expire on their own.
func (s *ShardState) StoreLoginData(serialKey int64, data LoginData) {
	s.loginData.SetDefault(strconv.FormatInt(serialKey, 10), data)
}

// TakeLoginData redeems a pending handoff, removing it so a serial key can
// only be used once.
func (s *ShardState) TakeLoginData(serialKey int64) (LoginData, bool) {
	key := strconv.FormatInt(serialKey, 10)
	v, ok := s.loginData.Get(key)
	if !ok {
		return LoginData{}, false
	}
	s.loginData.Delete(key)
	return v.(LoginData), true
}
