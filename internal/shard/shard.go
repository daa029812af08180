// Package shard implements the shard server backend: the world simulation a
// game client plays in after the login server hands its session off.
package shard

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/hfrick/nexus/internal/async"
	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/data"
	"github.com/hfrick/nexus/internal/monitor"
	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
	"github.com/hfrick/nexus/internal/tabledata"
	"github.com/hfrick/nexus/internal/world"
)

const (
	// opTimeout bounds how long a client entering the shard waits on its
	// character load.
	opTimeout = 10 * time.Second

	// saveWarnAfter is how old an unfinished autosave has to be before it is
	// flagged as stalled.
	saveWarnAfter = 30 * time.Second

	// channelStatusInterval is how often the shard reports its load to the
	// login server.
	channelStatusInterval = 10 * time.Second

	slowTickInterval = time.Second
)

type enterResult struct {
	character *data.Character
	login     world.LoginData
}

// playerRecord ties a live world player to its persistence row.
type playerRecord struct {
	player    *world.Player
	character *data.Character
}

// Backend is the shard server implementation of server.Backend. All state is
// owned by the server event loop.
type Backend struct {
	Config *core.Config
	Logger *logrus.Logger
	DB     *gorm.DB
	Hub    *monitor.Hub

	server *server.Server
	state  *world.ShardState

	// records indexes live players by world player number.
	records map[int32]*playerRecord

	pendingEnter map[int]*async.Receiver[enterResult]
	pendingSave  *async.Receiver[int]
}

func (b *Backend) Name() string { return "SHARD" }

func (b *Backend) Init(_ context.Context, s *server.Server) error {
	b.server = s
	b.records = make(map[int32]*playerRecord)
	b.pendingEnter = make(map[int]*async.Receiver[enterResult])

	cfg := b.Config.ShardServer
	b.state = world.NewShardState(int32(cfg.ShardID), uint32(cfg.InteractionRange), cfg.TicksPerSecond)

	if err := b.seedWorld(); err != nil {
		return fmt.Errorf("seeding world: %w", err)
	}

	tickInterval := time.Second / time.Duration(cfg.TicksPerSecond)
	s.RegisterTimer(tickInterval, b.tickEntities)
	s.RegisterTimer(time.Duration(b.Config.PollInterval)*time.Millisecond, b.pollPendingEnters)
	s.RegisterTimer(slowTickInterval, b.slowTick)
	s.RegisterTimer(time.Duration(cfg.AutosaveInterval)*time.Minute, b.autosave)
	s.RegisterTimer(time.Duration(cfg.LoginServerConnInterval)*time.Second, b.connectLoginServer)
	s.RegisterTimer(channelStatusInterval, b.reportChannelStatus)
	return nil
}

// seedWorld populates the spatial index from the static tables.
func (b *Backend) seedWorld() error {
	tables, err := tabledata.Load(b.Config.ShardServer.TableDataDir)
	if err != nil {
		return err
	}

	m := b.state.EntityMap
	tps := b.Config.ShardServer.TicksPerSecond

	for _, spawn := range tables.NPCs {
		pos := world.Position{X: spawn.X, Y: spawn.Y, Z: spawn.Z}
		npc := world.NewNPC(m.NextNPCNum(), spawn.Type, pos, spawn.Angle, spawn.Level, spawn.MaxHP, tps)
		if len(spawn.Path) > 0 {
			npc.Path = world.NewPath(pathPoints(spawn.Path), spawn.Cycle, tps)
			npc.Path.Start()
		}
		id := m.Track(npc, world.TickWhenLoaded)
		coords := npc.ChunkCoords()
		m.Update(id, &coords, nil)
	}

	for _, spawn := range tables.Eggs {
		pos := world.Position{X: spawn.X, Y: spawn.Y, Z: spawn.Z}
		egg := world.NewEgg(m.NextEggNum(), spawn.Type, pos, time.Duration(spawn.RespawnSeconds)*time.Second)
		id := m.Track(egg, world.TickWhenLoaded)
		coords := egg.ChunkCoords()
		m.Update(id, &coords, nil)
	}

	for _, route := range tables.Sliders {
		points := pathPoints(route.Points)
		start := points[0].Pos
		slider := world.NewSlider(m.NextSliderNum(), start, route.Angle, world.NewPath(points, true, tps))
		id := m.Track(slider, world.TickAlways)
		coords := slider.ChunkCoords()
		m.Update(id, &coords, nil)
	}

	b.Logger.Infof("[SHARD] seeded %d NPCs, %d eggs, %d sliders",
		len(tables.NPCs), len(tables.Eggs), len(tables.Sliders))
	return nil
}

func pathPoints(points []tabledata.PathPoint) []world.PathPoint {
	out := make([]world.PathPoint, len(points))
	for i, p := range points {
		out[i] = world.PathPoint{
			Pos:       world.Position{X: p.X, Y: p.Y, Z: p.Z},
			Speed:     p.Speed,
			StopTicks: p.StopTicks,
		}
	}
	return out
}

func (b *Backend) OnConnect(c *server.Client) {
	// Clients speak first; the login server peer connection is established by
	// the shard itself in connectLoginServer.
}

func (b *Backend) Handle(ctx context.Context, c *server.Client, packetType uint32, payload interface{}) error {
	switch packetType {
	case protocol.EnterShardRequestType:
		return b.handleEnterShard(c, payload.(*protocol.EnterShardRequest))
	case protocol.LoadingCompleteType:
		return b.handleLoadingComplete(c, payload.(*protocol.LoadingComplete))
	case protocol.MoveRequestType:
		return b.handleMove(c, payload.(*protocol.MoveRequest))
	case protocol.StopRequestType:
		return b.handleStop(c, payload.(*protocol.StopRequest))
	case protocol.NPCInteractionRequestType:
		return b.handleNPCInteraction(c, payload.(*protocol.NPCInteractionRequest))
	case protocol.BuddyRequestType:
		return b.handleBuddyRequest(c, payload.(*protocol.BuddyRequest))
	case protocol.BuddyResponseType:
		return b.handleBuddyResponse(c, payload.(*protocol.BuddyResponse))
	case protocol.EggPickupRequestType:
		return b.handleEggPickup(c, payload.(*protocol.EggPickupRequest))
	case protocol.ExitRequestType:
		return b.handleExit(c, payload.(*protocol.ExitRequest))
	case protocol.ShardLiveCheckReplyType:
		// The dispatch path already recorded the heartbeat.
		return nil

	case protocol.PeerConnectSuccessType:
		return b.handlePeerConnectSuccess(c, payload.(*protocol.PeerConnectSuccess))
	case protocol.PeerLoginInfoType:
		return b.handlePeerLoginInfo(c, payload.(*protocol.PeerLoginInfo))
	case protocol.PeerMOTDReplyType:
		b.state.MOTD = protocol.ParseUTF16(payload.(*protocol.PeerMOTDReply).Message[:])
		return nil
	default:
		return fmt.Errorf("unhandled packet %s", protocol.PacketName(packetType))
	}
}

func (b *Backend) OnDisconnect(c *server.Client) {
	delete(b.pendingEnter, c.Handle())

	if c.Type != server.GameClient {
		return
	}

	record, ok := b.records[c.PlayerID]
	if ok {
		// The entity leaves the world at the end of this loop pass; the save
		// runs off-loop on a snapshot taken now.
		b.state.EntityMap.MarkForCleanup(record.player.ID())
		delete(b.records, c.PlayerID)

		snapshot := snapshotCharacter(record)
		db := b.DB
		logger := b.Logger
		async.Dispatch(func() (int, error) {
			if err := data.UpdateCharacter(db, snapshot); err != nil {
				logger.Errorf("[SHARD] error saving %s on exit: %v", snapshot.Name, err)
				return 0, err
			}
			return 1, nil
		})
	}

	if c.AccountID != 0 {
		if loginConn := b.clients().LoginServer(); loginConn != nil {
			playerID := int64(0)
			if ok {
				playerID = int64(record.character.ID)
			}
			b.clients().Send(loginConn, protocol.PeerPlayerExitedType, &protocol.PeerPlayerExited{
				AccountID: c.AccountID,
				PlayerID:  playerID,
			})
		}
	}
}

func (b *Backend) LiveCheck(c *server.Client) {
	switch c.Type {
	case server.GameClient:
		b.clients().Send(c, protocol.ShardLiveCheckType, &protocol.LiveCheck{UserData: rand.Int31()})
	case server.LoginServerPeer:
		// The MOTD request doubles as the peer heartbeat probe.
		b.clients().Send(c, protocol.PeerMOTDRequestType,
			&protocol.PeerMOTDRequest{ShardID: b.state.ShardID})
	}
}

func (b *Backend) clients() *server.ClientMap {
	return b.server.Clients()
}

func serverTime() uint64 {
	return uint64(time.Now().UnixMilli())
}

// handleEnterShard redeems the client's serial key against the relayed
// handoff and starts its character load.
func (b *Backend) handleEnterShard(c *server.Client, pkt *protocol.EnterShardRequest) error {
	if _, pending := b.pendingEnter[c.Handle()]; pending {
		return nil
	}

	login, ok := b.state.TakeLoginData(pkt.SerialKey)
	if !ok {
		b.clients().Send(c, protocol.EnterShardFailType,
			&protocol.EnterShardFail{ErrorCode: protocol.ErrCodeNotFound})
		c.Disconnect()
		return fmt.Errorf("no pending handoff for serial key %d", pkt.SerialKey)
	}

	c.SerialKey = pkt.SerialKey
	c.AccountID = login.AccountID

	db := b.DB
	b.pendingEnter[c.Handle()] = async.Dispatch(func() (enterResult, error) {
		character, err := data.FindCharacterByID(db, uint64(login.PlayerID))
		if err != nil {
			return enterResult{}, err
		}
		if character == nil || character.AccountID != uint64(login.AccountID) {
			return enterResult{}, fmt.Errorf("no character %d for account %d", login.PlayerID, login.AccountID)
		}
		return enterResult{character: character, login: login}, nil
	})
	return nil
}

func (b *Backend) finishEnterShard(c *server.Client, result enterResult, err error) {
	clients := b.clients()
	if err != nil {
		b.Logger.Warnf("[SHARD] enter from %s rejected: %v", c.RemoteAddr(), err)
		clients.Send(c, protocol.EnterShardFailType,
			&protocol.EnterShardFail{ErrorCode: protocol.ErrCodeNotFound})
		c.Disconnect()
		return
	}

	character := result.character
	m := b.state.EntityMap

	playerNum := m.NextPlayerNum()
	pos := world.Position{X: character.X, Y: character.Y, Z: character.Z}
	player := world.NewPlayer(playerNum, int64(character.AccountID), character.Slot,
		character.Name, character.Level, character.MaxHP, pos, character.Angle, c.Handle())
	player.SetHP(character.HP)
	m.Track(player, world.TickAlways)

	c.Type = server.GameClient
	c.Username = character.Name
	c.PlayerID = playerNum
	b.records[playerNum] = &playerRecord{player: player, character: character}

	svrTime := serverTime()
	success := &protocol.EnterShardSuccess{
		PlayerID:   playerNum,
		Level:      character.Level,
		X:          pos.X,
		Y:          pos.Y,
		Z:          pos.Z,
		Angle:      character.Angle,
		HP:         character.HP,
		ServerTime: svrTime,
	}
	copy(success.Name[:], protocol.EncodeUTF16(character.Name, protocol.NameLength))
	clients.Send(c, protocol.EnterShardSuccessType, success)

	// The success packet went out under the old key; everything after it uses
	// the rotated pair. Inbound stays on the E key, outbound switches to the
	// FE key from the login handoff.
	c.EKey = protocol.GenKey(svrTime, playerNum+1, int32(character.Level)+1)
	c.FEKey = protocol.KeyFromUint64(result.login.FEKey)
	c.EncMode = server.EncryptFEKey

	b.Logger.Infof("[SHARD] %s entered as player %d", character.Name, playerNum)
}

// handleLoadingComplete inserts the player into the spatial index, making it
// visible to (and able to see) the rest of the world.
func (b *Backend) handleLoadingComplete(c *server.Client, pkt *protocol.LoadingComplete) error {
	record, ok := b.records[c.PlayerID]
	if !ok || pkt.PlayerID != c.PlayerID {
		return fmt.Errorf("loading complete for unknown player %d", pkt.PlayerID)
	}

	coords := record.player.ChunkCoords()
	b.state.EntityMap.Update(record.player.ID(), &coords, b.clients())
	c.InWorld = true

	b.clients().Send(c, protocol.LoadingCompleteReplyType,
		&protocol.LoadingCompleteReply{PlayerID: c.PlayerID})

	motd := &protocol.MOTD{}
	copy(motd.Message[:], protocol.EncodeUTF16(b.state.MOTD, protocol.MessageLength))
	b.clients().Send(c, protocol.MOTDType, motd)
	return nil
}

func (b *Backend) livePlayer(c *server.Client) (*world.Player, error) {
	record, ok := b.records[c.PlayerID]
	if !ok || !c.InWorld {
		return nil, fmt.Errorf("no live player for %s", c.RemoteAddr())
	}
	return record.player, nil
}

func (b *Backend) handleMove(c *server.Client, pkt *protocol.MoveRequest) error {
	player, err := b.livePlayer(c)
	if err != nil {
		return err
	}

	player.SetPosition(world.Position{X: pkt.X, Y: pkt.Y, Z: pkt.Z})
	player.SetRotation(pkt.Angle)
	player.SetSpeed(pkt.Speed)

	coords := player.ChunkCoords()
	m := b.state.EntityMap
	m.Update(player.ID(), &coords, b.clients())

	move := &protocol.PlayerMove{
		PlayerID:   player.Num,
		X:          pkt.X,
		Y:          pkt.Y,
		Z:          pkt.Z,
		Angle:      pkt.Angle,
		Speed:      pkt.Speed,
		ClientTime: pkt.ClientTime,
	}
	m.ForEachAround(player.ID(), b.clients(), func(other *server.Client) {
		b.clients().Send(other, protocol.PlayerMoveType, move)
	})
	return nil
}

func (b *Backend) handleStop(c *server.Client, pkt *protocol.StopRequest) error {
	player, err := b.livePlayer(c)
	if err != nil {
		return err
	}

	player.SetPosition(world.Position{X: pkt.X, Y: pkt.Y, Z: pkt.Z})
	player.SetSpeed(0)

	coords := player.ChunkCoords()
	m := b.state.EntityMap
	m.Update(player.ID(), &coords, b.clients())

	stop := &protocol.PlayerStop{
		PlayerID:   player.Num,
		X:          pkt.X,
		Y:          pkt.Y,
		Z:          pkt.Z,
		ClientTime: pkt.ClientTime,
	}
	m.ForEachAround(player.ID(), b.clients(), func(other *server.Client) {
		b.clients().Send(other, protocol.PlayerStopType, stop)
	})
	return nil
}

func proximityErrorCode(err error) int32 {
	if proxErr, ok := err.(*world.ProximityError); ok && proxErr.Kind == world.ProximityOutOfRange {
		return protocol.ErrCodeOutOfRange
	}
	return protocol.ErrCodeNotFound
}

func (b *Backend) handleNPCInteraction(c *server.Client, pkt *protocol.NPCInteractionRequest) error {
	player, err := b.livePlayer(c)
	if err != nil {
		return err
	}

	reply := &protocol.NPCInteractionReply{NPCID: pkt.NPCID, Begin: pkt.Begin}
	m := b.state.EntityMap
	npc := m.NPC(pkt.NPCID)
	if npc == nil {
		reply.ErrorCode = protocol.ErrCodeNotFound
		b.clients().Send(c, protocol.NPCInteractionReplyType, reply)
		return nil
	}

	if pkt.Begin != 0 {
		ids := []world.EntityID{player.ID(), npc.ID()}
		if err := m.ValidateProximity(ids, b.state.InteractionRange); err != nil {
			reply.ErrorCode = proximityErrorCode(err)
			b.clients().Send(c, protocol.NPCInteractionReplyType, reply)
			return err
		}
		npc.BeginInteraction(player.Num)
	} else if !npc.EndInteraction(player.Num) {
		b.Logger.Warnf("[SHARD] player %d ended an interaction with NPC %d it never began",
			player.Num, npc.Num)
	}

	b.clients().Send(c, protocol.NPCInteractionReplyType, reply)
	return nil
}

func (b *Backend) handleBuddyRequest(c *server.Client, pkt *protocol.BuddyRequest) error {
	player, err := b.livePlayer(c)
	if err != nil {
		return err
	}

	fail := &protocol.BuddyFail{TargetPlayerID: pkt.TargetPlayerID}
	m := b.state.EntityMap

	target := m.Player(pkt.TargetPlayerID)
	if target == nil || target.Num == player.Num {
		fail.ErrorCode = protocol.ErrCodeNotFound
		b.clients().Send(c, protocol.BuddyFailType, fail)
		return nil
	}
	if _, already := player.Buddies[target.Num]; already {
		fail.ErrorCode = protocol.ErrCodeInternal
		b.clients().Send(c, protocol.BuddyFailType, fail)
		return nil
	}

	ids := []world.EntityID{player.ID(), target.ID()}
	if err := m.ValidateProximity(ids, b.state.InteractionRange); err != nil {
		fail.ErrorCode = proximityErrorCode(err)
		b.clients().Send(c, protocol.BuddyFailType, fail)
		return err
	}

	targetConn := target.Client(b.clients())
	if targetConn == nil {
		fail.ErrorCode = protocol.ErrCodeNotFound
		b.clients().Send(c, protocol.BuddyFailType, fail)
		return nil
	}

	player.BuddyOfferedTo = target.Num

	offer := &protocol.BuddyOffer{RequesterID: player.Num}
	copy(offer.RequesterName[:], protocol.EncodeUTF16(player.Name, protocol.NameLength))
	b.clients().Send(targetConn, protocol.BuddyOfferType, offer)
	return nil
}

func (b *Backend) handleBuddyResponse(c *server.Client, pkt *protocol.BuddyResponse) error {
	responder, err := b.livePlayer(c)
	if err != nil {
		return err
	}

	m := b.state.EntityMap
	requester := m.Player(pkt.RequesterID)

	// An accept only counts against an offer that is actually outstanding
	// and aimed at this player.
	if requester == nil || requester.BuddyOfferedTo != responder.Num {
		b.clients().Send(c, protocol.BuddyFailType, &protocol.BuddyFail{
			TargetPlayerID: pkt.RequesterID,
			ErrorCode:      protocol.ErrCodeNotFound,
		})
		return fmt.Errorf("buddy response from player %d without an outstanding offer", responder.Num)
	}

	requester.BuddyOfferedTo = 0
	requesterConn := requester.Client(b.clients())

	if pkt.Accepted == 0 {
		if requesterConn != nil {
			b.clients().Send(requesterConn, protocol.BuddyFailType,
				&protocol.BuddyFail{TargetPlayerID: responder.Num})
		}
		return nil
	}

	ids := []world.EntityID{requester.ID(), responder.ID()}
	if err := m.ValidateProximity(ids, b.state.InteractionRange); err != nil {
		if requesterConn != nil {
			b.clients().Send(requesterConn, protocol.BuddyFailType, &protocol.BuddyFail{
				TargetPlayerID: responder.Num,
				ErrorCode:      proximityErrorCode(err),
			})
		}
		return err
	}

	requester.Buddies[responder.Num] = struct{}{}
	responder.Buddies[requester.Num] = struct{}{}

	added := &protocol.BuddyAdded{BuddyID: responder.Num}
	copy(added.BuddyName[:], protocol.EncodeUTF16(responder.Name, protocol.NameLength))
	if requesterConn != nil {
		b.clients().Send(requesterConn, protocol.BuddyAddedType, added)
	}

	added = &protocol.BuddyAdded{BuddyID: requester.Num}
	copy(added.BuddyName[:], protocol.EncodeUTF16(requester.Name, protocol.NameLength))
	b.clients().Send(c, protocol.BuddyAddedType, added)

	// Persist the relation off-loop; the in-world state is already final.
	requesterRecord, okReq := b.records[requester.Num]
	responderRecord, okResp := b.records[responder.Num]
	if okReq && okResp {
		db := b.DB
		logger := b.Logger
		requesterID, responderID := requesterRecord.character.ID, responderRecord.character.ID
		async.Dispatch(func() (int, error) {
			if err := data.AddBuddies(db, requesterID, responderID); err != nil {
				logger.Errorf("[SHARD] error persisting buddy relation: %v", err)
				return 0, err
			}
			return 1, nil
		})
	}
	return nil
}

func (b *Backend) handleEggPickup(c *server.Client, pkt *protocol.EggPickupRequest) error {
	player, err := b.livePlayer(c)
	if err != nil {
		return err
	}

	reply := &protocol.EggPickupReply{EggID: pkt.EggID}
	m := b.state.EntityMap

	egg := m.Egg(pkt.EggID)
	if egg == nil || !egg.Live() {
		reply.ErrorCode = protocol.ErrCodeNotFound
		b.clients().Send(c, protocol.EggPickupReplyType, reply)
		return nil
	}

	ids := []world.EntityID{player.ID(), egg.ID()}
	if err := m.ValidateProximity(ids, b.state.InteractionRange); err != nil {
		reply.ErrorCode = proximityErrorCode(err)
		b.clients().Send(c, protocol.EggPickupReplyType, reply)
		return err
	}

	egg.PickUp(time.Now())
	m.Update(egg.ID(), nil, b.clients())
	b.clients().Send(c, protocol.EggPickupReplyType, reply)
	return nil
}

func (b *Backend) handleExit(c *server.Client, pkt *protocol.ExitRequest) error {
	b.clients().Send(c, protocol.ExitReplyType, &protocol.ExitReply{PlayerID: c.PlayerID})
	c.Disconnect()
	return nil
}

// connectLoginServer (re)establishes the peer connection to the login server.
func (b *Backend) connectLoginServer(now time.Time) {
	if b.clients().LoginServer() != nil {
		return
	}

	addr := b.Config.ShardServer.LoginServerAddress
	c, err := b.server.Connect(addr)
	if err != nil {
		b.Logger.Warnf("[SHARD] login server unreachable at %s: %v", addr, err)
		return
	}
	c.Type = server.LoginServerPeer

	// Advertise the external address so clients behind a redirect reach us
	// even when the peer socket's source address is an internal one.
	req := &protocol.PeerConnectRequest{
		ShardID: b.state.ShardID,
		Port:    int32(b.Config.ShardServer.Port),
	}
	if host, _, err := net.SplitHostPort(b.Config.ExternalShardAddress()); err == nil {
		copy(req.Address[:], host)
	}
	b.clients().Send(c, protocol.PeerConnectRequestType, req)
}

func (b *Backend) handlePeerConnectSuccess(c *server.Client, pkt *protocol.PeerConnectSuccess) error {
	c.PeerID = pkt.ConnID
	c.EKey = protocol.GenKey(pkt.ServerTime, pkt.ConnID+1, 69)
	b.Logger.Infof("[SHARD] registered with login server as peer %d", pkt.ConnID)

	b.clients().Send(c, protocol.PeerMOTDRequestType, &protocol.PeerMOTDRequest{ShardID: b.state.ShardID})
	b.reportChannelStatus(time.Now())
	return nil
}

// handlePeerLoginInfo stores a relayed handoff and acks it so the login
// server can redirect the waiting client.
func (b *Backend) handlePeerLoginInfo(c *server.Client, pkt *protocol.PeerLoginInfo) error {
	b.state.StoreLoginData(pkt.SerialKey, world.LoginData{
		AccountID:  pkt.AccountID,
		PlayerID:   pkt.PlayerID,
		FEKey:      pkt.FEKey,
		ServerTime: pkt.ServerTime,
	})
	b.clients().Send(c, protocol.PeerLoginInfoSuccessType, &protocol.PeerLoginInfoSuccess{
		SerialKey: pkt.SerialKey,
		PlayerID:  pkt.PlayerID,
	})
	return nil
}

func (b *Backend) reportChannelStatus(now time.Time) {
	loginConn := b.clients().LoginServer()
	if loginConn == nil {
		return
	}
	cfg := b.Config.ShardServer
	b.clients().Send(loginConn, protocol.PeerChannelStatusType, &protocol.PeerChannelStatus{
		ShardID:     b.state.ShardID,
		NumChannels: int32(cfg.NumChannels),
		Statuses:    b.state.EntityMap.ChannelStatuses(cfg.NumChannels, cfg.MaxChannelPop),
	})
}

// tickEntities is the world heartbeat: run every live entity's Tick, then
// collect anything marked for removal.
func (b *Backend) tickEntities(now time.Time) {
	m := b.state.EntityMap
	for _, id := range m.TickableIDs() {
		if entity := m.Get(id); entity != nil {
			entity.Tick(now, b.clients(), b.state)
		}
	}
	m.CollectGarbage(b.clients(), b.state)
}

func (b *Backend) pollPendingEnters(now time.Time) {
	for handle, receiver := range b.pendingEnter {
		if result, ok := receiver.Poll(); ok {
			delete(b.pendingEnter, handle)
			if c, err := b.clients().Lookup(handle); err == nil {
				b.finishEnterShard(c, result.Value, result.Err)
			}
		} else if receiver.Age() > opTimeout {
			delete(b.pendingEnter, handle)
			if c, err := b.clients().Lookup(handle); err == nil {
				b.Logger.Errorf("[SHARD] character load for %s timed out", c.RemoteAddr())
				b.clients().Send(c, protocol.EnterShardFailType,
					&protocol.EnterShardFail{ErrorCode: protocol.ErrCodeInternal})
				c.Disconnect()
			}
		}
	}
}

// slowTick handles the once-a-second bookkeeping: autosave outcome, stalled
// save detection, and monitor reporting.
func (b *Backend) slowTick(now time.Time) {
	if b.pendingSave != nil {
		if result, ok := b.pendingSave.Poll(); ok {
			if result.Err != nil {
				b.Logger.Errorf("[SHARD] autosave failed: %v", result.Err)
			} else {
				b.Logger.Debugf("[SHARD] autosaved %d players", result.Value)
			}
			b.pendingSave = nil
		} else if b.pendingSave.Age() > saveWarnAfter {
			b.Logger.Warnf("[SHARD] autosave still running after %s", b.pendingSave.Age().Round(time.Second))
		}
	}

	m := b.state.EntityMap
	monitor.LiveEntities.Set(float64(m.Len()))
	monitor.LivePlayers.Set(float64(m.PlayerCount()))
	if b.Hub != nil {
		b.Hub.Publish(monitor.Status{
			Server:    b.Name(),
			Players:   m.PlayerCount(),
			Entities:  m.Len(),
			Chunks:    m.ChunkCount(),
			Clients:   b.clients().Len(),
			Timestamp: now,
		})
	}
}

// autosave snapshots every live player on the loop and persists the batch in
// the background.
func (b *Backend) autosave(now time.Time) {
	if len(b.records) == 0 {
		return
	}
	if b.pendingSave != nil && !b.pendingSave.Done() {
		b.Logger.Warn("[SHARD] skipping autosave; the previous one is still running")
		return
	}

	snapshots := make([]*data.Character, 0, len(b.records))
	for _, record := range b.records {
		snapshots = append(snapshots, snapshotCharacter(record))
	}

	db := b.DB
	b.pendingSave = async.Dispatch(func() (int, error) {
		if err := data.UpdateCharacters(db, snapshots); err != nil {
			return 0, err
		}
		return len(snapshots), nil
	})
}

// snapshotCharacter copies the player's live state into a detached character
// row safe to hand to another goroutine.
func snapshotCharacter(record *playerRecord) *data.Character {
	snapshot := *record.character
	pos := record.player.Position()
	snapshot.X = pos.X
	snapshot.Y = pos.Y
	snapshot.Z = pos.Z
	snapshot.Angle = record.player.Rotation()
	snapshot.Level = record.player.Level()
	snapshot.HP = record.player.HP()
	snapshot.MaxHP = record.player.MaxHP()
	return &snapshot
}
