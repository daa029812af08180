// Package login implements the login server backend: it authenticates game
// clients, manages the account's character list, registers shard server
// peers, and relays session handoffs between the two.
package login

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/hfrick/nexus/internal/async"
	"github.com/hfrick/nexus/internal/core"
	"github.com/hfrick/nexus/internal/data"
	"github.com/hfrick/nexus/internal/protocol"
	"github.com/hfrick/nexus/internal/server"
)

const (
	// maxCharacterSlots is the number of character slots per account.
	maxCharacterSlots = 4

	// opTimeout bounds how long a client waits on a database operation before
	// it is failed and disconnected.
	opTimeout = 10 * time.Second

	// sessionGraceTTL is how long a handed-off session blocks fresh logins
	// when the shard never confirms the player arrived. Covers clients that
	// accept a redirect and then vanish.
	sessionGraceTTL = 5 * time.Minute

	defaultMOTD = "Welcome!"
)

// New character spawn point.
const (
	spawnX int32 = 100
	spawnY int32 = 100
	spawnZ int32 = 0
)

type authResult struct {
	account    *data.Account
	characters []data.Character
	version    int32
}

type createResult struct {
	character *data.Character
}

type deleteResult struct {
	playerID int64
}

// session tracks an account that is logged in somewhere: still on this login
// server, or handed off to a shard.
type session struct {
	handle      int
	handedOff   bool
	handedOffAt time.Time
}

// shardPeer is a registered shard server and its latest load report.
type shardPeer struct {
	host        string
	port        int32
	numChannels int32
	statuses    [protocol.MaxChannels]uint8
}

// redirectWait is a client parked between ShardSelectRequest and the shard's
// handoff acknowledgement.
type redirectWait struct {
	handle      int
	playerID    int64
	shardPeerID int32
}

// Backend is the login server implementation of server.Backend. All state is
// owned by the server event loop.
type Backend struct {
	Config *core.Config
	Logger *logrus.Logger
	DB     *gorm.DB

	server *server.Server
	motd   string

	nextPeerID int32
	sessions   map[int64]*session      // keyed by account id
	shards     map[int32]*shardPeer    // keyed by peer id
	waiting    map[int64]*redirectWait // keyed by serial key

	pendingAuth   map[int]*async.Receiver[authResult]
	pendingCreate map[int]*async.Receiver[createResult]
	pendingDelete map[int]*async.Receiver[deleteResult]
}

func (b *Backend) Name() string { return "LOGIN" }

func (b *Backend) Init(_ context.Context, s *server.Server) error {
	b.server = s
	b.sessions = make(map[int64]*session)
	b.shards = make(map[int32]*shardPeer)
	b.waiting = make(map[int64]*redirectWait)
	b.pendingAuth = make(map[int]*async.Receiver[authResult])
	b.pendingCreate = make(map[int]*async.Receiver[createResult])
	b.pendingDelete = make(map[int]*async.Receiver[deleteResult])

	b.motd = defaultMOTD
	if path := b.Config.LoginServer.MOTDFile; path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading motd file: %w", err)
		}
		b.motd = strings.TrimSpace(string(contents))
	}

	s.RegisterTimer(time.Duration(b.Config.PollInterval)*time.Millisecond, b.pollPending)
	return nil
}

func (b *Backend) OnConnect(c *server.Client) {
	// Clients speak first; nothing to send until their login request arrives.
}

func (b *Backend) Handle(ctx context.Context, c *server.Client, packetType uint32, payload interface{}) error {
	switch packetType {
	case protocol.LoginRequestType:
		return b.handleLogin(c, payload.(*protocol.LoginRequest))
	case protocol.CharacterCreateRequestType:
		return b.handleCharacterCreate(c, payload.(*protocol.CharacterCreateRequest))
	case protocol.CharacterDeleteRequestType:
		return b.handleCharacterDelete(c, payload.(*protocol.CharacterDeleteRequest))
	case protocol.ShardSelectRequestType:
		return b.handleShardSelect(c, payload.(*protocol.ShardSelectRequest))
	case protocol.LoginLiveCheckReplyType:
		// The dispatch path already recorded the heartbeat.
		return nil

	case protocol.PeerConnectRequestType:
		return b.handlePeerConnect(c, payload.(*protocol.PeerConnectRequest))
	case protocol.PeerLoginInfoSuccessType:
		return b.handlePeerLoginInfoSuccess(payload.(*protocol.PeerLoginInfoSuccess))
	case protocol.PeerLoginInfoFailType:
		return b.handlePeerLoginInfoFail(payload.(*protocol.PeerLoginInfoFail))
	case protocol.PeerMOTDRequestType:
		b.clients().Send(c, protocol.PeerMOTDReplyType, b.motdReply())
		return nil
	case protocol.PeerChannelStatusType:
		return b.handlePeerChannelStatus(c, payload.(*protocol.PeerChannelStatus))
	case protocol.PeerPlayerExitedType:
		return b.handlePeerPlayerExited(payload.(*protocol.PeerPlayerExited))
	default:
		return fmt.Errorf("unhandled packet %s", protocol.PacketName(packetType))
	}
}

func (b *Backend) OnDisconnect(c *server.Client) {
	delete(b.pendingAuth, c.Handle())
	delete(b.pendingCreate, c.Handle())
	delete(b.pendingDelete, c.Handle())

	for serialKey, wait := range b.waiting {
		if wait.handle == c.Handle() {
			delete(b.waiting, serialKey)
		}
	}

	if c.Type == server.GameClient && c.AccountID != 0 {
		if sess, ok := b.sessions[c.AccountID]; ok && sess.handle == c.Handle() && !sess.handedOff {
			delete(b.sessions, c.AccountID)
		}
	}

	if c.Type == server.ShardServerPeer {
		delete(b.shards, c.PeerID)
		b.Logger.Infof("[LOGIN] shard peer %d unregistered", c.PeerID)
	}
}

func (b *Backend) LiveCheck(c *server.Client) {
	if c.Type == server.GameClient {
		b.clients().Send(c, protocol.LoginLiveCheckType, &protocol.LiveCheck{UserData: rand.Int31()})
	}
	// Shard peers send periodic channel status reports, which double as their
	// heartbeat; the peer protocol has no probe packet.
}

func (b *Backend) clients() *server.ClientMap {
	return b.server.Clients()
}

// serverTime is the timestamp exchanged in handshakes and used as the base of
// session key derivation.
func serverTime() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (b *Backend) handleLogin(c *server.Client, pkt *protocol.LoginRequest) error {
	if _, pending := b.pendingAuth[c.Handle()]; pending {
		return nil
	}

	username := protocol.ParseUTF16(pkt.Username[:])
	password := protocol.ParseUTF16(pkt.Password[:])
	version := pkt.ClientVersion
	autoCreate := b.Config.LoginServer.AutoCreateAccounts
	db := b.DB

	b.pendingAuth[c.Handle()] = async.Dispatch(func() (authResult, error) {
		account, err := data.VerifyAccount(db, username, password)
		if err == data.ErrInvalidCredentials && autoCreate {
			if existing, findErr := data.FindAccountByUsername(db, username); findErr == nil && existing == nil {
				account, err = data.CreateAccount(db, username, password, "")
			}
		}
		if err != nil {
			return authResult{}, err
		}

		characters, err := data.FindCharacters(db, account.ID)
		if err != nil {
			return authResult{}, err
		}
		return authResult{account: account, characters: characters, version: version}, nil
	})
	return nil
}

func (b *Backend) finishLogin(c *server.Client, result authResult, err error) {
	clients := b.clients()

	if err != nil {
		fail := &protocol.LoginFail{}
		switch err {
		case data.ErrInvalidCredentials:
			fail.ErrorCode = protocol.ErrCodeInvalidCredentials
		case data.ErrAccountBanned:
			fail.ErrorCode = protocol.ErrCodeBanned
		default:
			fail.ErrorCode = protocol.ErrCodeInternal
			b.Logger.Warn(cases.Title(language.English).String(err.Error()))
		}
		clients.Send(c, protocol.LoginFailType, fail)
		return
	}

	account := result.account
	if sess, ok := b.sessions[int64(account.ID)]; ok {
		// A handed-off session the shard never confirmed eventually unblocks.
		if !sess.handedOff || time.Since(sess.handedOffAt) < sessionGraceTTL {
			fail := &protocol.LoginFail{ErrorCode: protocol.ErrCodeAccountInUse}
			copy(fail.Username[:], protocol.EncodeUTF16(account.Username, protocol.NameLength))
			clients.Send(c, protocol.LoginFailType, fail)
			return
		}
	}
	b.sessions[int64(account.ID)] = &session{handle: c.Handle()}

	c.Type = server.GameClient
	c.AccountID = int64(account.ID)
	c.Username = account.Username

	charCount := int8(len(result.characters))
	slotNum := int8(0)
	if len(result.characters) > 0 {
		slotNum = result.characters[0].Slot
	}
	svrTime := serverTime()

	success := &protocol.LoginSuccess{
		CharCount:  charCount,
		SlotNum:    slotNum,
		ServerTime: svrTime,
	}
	copy(success.Username[:], protocol.EncodeUTF16(account.Username, protocol.NameLength))
	clients.Send(c, protocol.LoginSuccessType, success)

	// Both sides rotate keys after the success packet: the client derives the
	// same pair from the values it just received.
	c.EKey = protocol.GenKey(svrTime, int32(charCount)+1, int32(slotNum)+1)
	c.FEKey = protocol.GenKey(protocol.DefaultKeyUint64(), result.version, 1)

	for i := range result.characters {
		clients.Send(c, protocol.CharacterInfoType, characterInfo(&result.characters[i]))
	}

	b.Logger.Infof("[LOGIN] %s logged in from %s", account.Username, c.RemoteAddr())
}

func characterInfo(character *data.Character) *protocol.CharacterInfo {
	info := &protocol.CharacterInfo{
		Slot:     character.Slot,
		Level:    character.Level,
		PlayerID: int64(character.ID),
		X:        character.X,
		Y:        character.Y,
		Z:        character.Z,
	}
	copy(info.Name[:], protocol.EncodeUTF16(character.Name, protocol.NameLength))
	return info
}

var errSlotInUse = fmt.Errorf("character slot already in use")

func (b *Backend) handleCharacterCreate(c *server.Client, pkt *protocol.CharacterCreateRequest) error {
	if c.AccountID == 0 {
		return fmt.Errorf("character create before login from %s", c.RemoteAddr())
	}
	if _, pending := b.pendingCreate[c.Handle()]; pending {
		return nil
	}

	slot := pkt.Slot
	if slot < 0 || slot >= maxCharacterSlots {
		b.clients().Send(c, protocol.CharacterCreateFailType,
			&protocol.CharacterCreateFail{ErrorCode: protocol.ErrCodeSlotInUse})
		return nil
	}

	name := protocol.ParseUTF16(pkt.Name[:])
	if name == "" {
		b.clients().Send(c, protocol.CharacterCreateFailType,
			&protocol.CharacterCreateFail{ErrorCode: protocol.ErrCodeNameTaken})
		return nil
	}

	accountID := uint64(c.AccountID)
	db := b.DB
	b.pendingCreate[c.Handle()] = async.Dispatch(func() (createResult, error) {
		existing, err := data.FindCharacter(db, accountID, slot)
		if err != nil {
			return createResult{}, err
		}
		if existing != nil {
			return createResult{}, errSlotInUse
		}

		character := &data.Character{
			AccountID: accountID,
			Slot:      slot,
			Name:      name,
			Level:     1,
			MaxHP:     100,
			HP:        100,
			X:         spawnX,
			Y:         spawnY,
			Z:         spawnZ,
		}
		if err := data.CreateCharacter(db, character); err != nil {
			return createResult{}, err
		}
		return createResult{character: character}, nil
	})
	return nil
}

func (b *Backend) finishCharacterCreate(c *server.Client, result createResult, err error) {
	clients := b.clients()
	if err != nil {
		code := protocol.ErrCodeInternal
		if err == errSlotInUse {
			code = protocol.ErrCodeSlotInUse
		}
		clients.Send(c, protocol.CharacterCreateFailType, &protocol.CharacterCreateFail{ErrorCode: code})
		return
	}
	clients.Send(c, protocol.CharacterCreateSuccessType,
		&protocol.CharacterCreateSuccess{Character: *characterInfo(result.character)})
}

func (b *Backend) handleCharacterDelete(c *server.Client, pkt *protocol.CharacterDeleteRequest) error {
	if c.AccountID == 0 {
		return fmt.Errorf("character delete before login from %s", c.RemoteAddr())
	}
	if _, pending := b.pendingDelete[c.Handle()]; pending {
		return nil
	}

	accountID := uint64(c.AccountID)
	playerID := pkt.PlayerID
	db := b.DB
	b.pendingDelete[c.Handle()] = async.Dispatch(func() (deleteResult, error) {
		character, err := data.FindCharacterByID(db, uint64(playerID))
		if err != nil {
			return deleteResult{}, err
		}
		if character == nil || character.AccountID != accountID {
			return deleteResult{}, fmt.Errorf("no character %d on this account", playerID)
		}
		if err := data.DeleteCharacter(db, character); err != nil {
			return deleteResult{}, err
		}
		return deleteResult{playerID: playerID}, nil
	})
	return nil
}

func (b *Backend) finishCharacterDelete(c *server.Client, result deleteResult, err error) {
	if err != nil {
		b.Logger.Warnf("[LOGIN] character delete for %s failed: %v", c.Username, err)
		return
	}
	b.clients().Send(c, protocol.CharacterDeleteSuccessType,
		&protocol.CharacterDeleteSuccess{PlayerID: result.playerID})
}

// handleShardSelect relays the session to a shard: the client is parked until
// the shard acknowledges the handoff, then redirected.
func (b *Backend) handleShardSelect(c *server.Client, pkt *protocol.ShardSelectRequest) error {
	if c.AccountID == 0 {
		return fmt.Errorf("shard select before login from %s", c.RemoteAddr())
	}

	peer, peerID := b.pickShard()
	if peer == nil {
		b.clients().Send(c, protocol.ShardSelectFailType,
			&protocol.ShardSelectFail{ErrorCode: protocol.ErrCodeShardUnavailable})
		return nil
	}
	shardConn := b.clients().ShardByPeerID(peerID)

	serialKey := rand.Int63()
	for serialKey == 0 {
		serialKey = rand.Int63()
	}
	c.SerialKey = serialKey
	b.waiting[serialKey] = &redirectWait{
		handle:      c.Handle(),
		playerID:    pkt.PlayerID,
		shardPeerID: peerID,
	}

	b.clients().Send(shardConn, protocol.PeerLoginInfoType, &protocol.PeerLoginInfo{
		AccountID:  c.AccountID,
		PlayerID:   pkt.PlayerID,
		SerialKey:  serialKey,
		FEKey:      protocol.KeyUint64(c.FEKey),
		ServerTime: serverTime(),
	})
	return nil
}

// pickShard returns a connected shard with an open channel, or nil.
func (b *Backend) pickShard() (*shardPeer, int32) {
	for peerID, peer := range b.shards {
		if b.clients().ShardByPeerID(peerID) == nil {
			continue
		}
		for ch := int32(0); ch < peer.numChannels && ch < protocol.MaxChannels; ch++ {
			if peer.statuses[ch] != protocol.ChannelStatusClosed {
				return peer, peerID
			}
		}
	}
	return nil, 0
}

func (b *Backend) handlePeerConnect(c *server.Client, pkt *protocol.PeerConnectRequest) error {
	b.nextPeerID++
	connID := b.nextPeerID

	// Prefer the address the shard advertises; a shard behind NAT is not
	// reachable at the source address of its peer socket.
	host := strings.TrimRight(string(pkt.Address[:]), "\x00")
	if host == "" {
		var err error
		host, _, err = net.SplitHostPort(c.RemoteAddr())
		if err != nil {
			host = c.RemoteAddr()
		}
	}

	c.Type = server.ShardServerPeer
	c.PeerID = connID
	peer := &shardPeer{host: host, port: pkt.Port, numChannels: 1}
	b.shards[connID] = peer

	svrTime := serverTime()
	b.clients().Send(c, protocol.PeerConnectSuccessType, &protocol.PeerConnectSuccess{
		ConnID:     connID,
		ServerTime: svrTime,
	})
	c.EKey = protocol.GenKey(svrTime, connID+1, 69)

	b.Logger.Infof("[LOGIN] shard %d registered from %s (client port %d)", pkt.ShardID, c.RemoteAddr(), pkt.Port)
	return nil
}

func (b *Backend) handlePeerLoginInfoSuccess(pkt *protocol.PeerLoginInfoSuccess) error {
	wait, ok := b.waiting[pkt.SerialKey]
	if !ok {
		return fmt.Errorf("handoff ack for unknown serial key %d", pkt.SerialKey)
	}
	delete(b.waiting, pkt.SerialKey)

	waiting, err := b.clients().Lookup(wait.handle)
	if err != nil {
		// The client gave up while the shard was acking.
		return nil
	}

	peer := b.shards[wait.shardPeerID]
	if peer == nil {
		b.clients().Send(waiting, protocol.ShardSelectFailType,
			&protocol.ShardSelectFail{ErrorCode: protocol.ErrCodeShardUnavailable})
		return nil
	}

	redirect := &protocol.ShardRedirect{Port: peer.port, SerialKey: pkt.SerialKey}
	copy(redirect.Address[:], peer.host)
	b.clients().Send(waiting, protocol.ShardRedirectType, redirect)

	if sess, ok := b.sessions[waiting.AccountID]; ok {
		sess.handedOff = true
		sess.handedOffAt = time.Now()
	}
	return nil
}

func (b *Backend) handlePeerLoginInfoFail(pkt *protocol.PeerLoginInfoFail) error {
	wait, ok := b.waiting[pkt.SerialKey]
	if !ok {
		return fmt.Errorf("handoff failure for unknown serial key %d", pkt.SerialKey)
	}
	delete(b.waiting, pkt.SerialKey)

	if waiting, err := b.clients().Lookup(wait.handle); err == nil {
		b.clients().Send(waiting, protocol.ShardSelectFailType,
			&protocol.ShardSelectFail{ErrorCode: pkt.ErrorCode})
	}
	return nil
}

func (b *Backend) handlePeerChannelStatus(c *server.Client, pkt *protocol.PeerChannelStatus) error {
	peer, ok := b.shards[c.PeerID]
	if !ok {
		return fmt.Errorf("channel status from unregistered peer %d", c.PeerID)
	}
	peer.numChannels = pkt.NumChannels
	peer.statuses = pkt.Statuses
	return nil
}

func (b *Backend) handlePeerPlayerExited(pkt *protocol.PeerPlayerExited) error {
	delete(b.sessions, pkt.AccountID)
	return nil
}

func (b *Backend) motdReply() *protocol.PeerMOTDReply {
	reply := &protocol.PeerMOTDReply{}
	copy(reply.Message[:], protocol.EncodeUTF16(b.motd, protocol.MessageLength))
	return reply
}

// pollPending completes or times out the database operations in flight. Runs
// on the event loop.
func (b *Backend) pollPending(now time.Time) {
	for handle, receiver := range b.pendingAuth {
		if result, ok := receiver.Poll(); ok {
			delete(b.pendingAuth, handle)
			if c, err := b.clients().Lookup(handle); err == nil {
				b.finishLogin(c, result.Value, result.Err)
			}
		} else if receiver.Age() > opTimeout {
			delete(b.pendingAuth, handle)
			b.failTimedOut(handle, "login")
		}
	}

	for handle, receiver := range b.pendingCreate {
		if result, ok := receiver.Poll(); ok {
			delete(b.pendingCreate, handle)
			if c, err := b.clients().Lookup(handle); err == nil {
				b.finishCharacterCreate(c, result.Value, result.Err)
			}
		} else if receiver.Age() > opTimeout {
			delete(b.pendingCreate, handle)
			b.failTimedOut(handle, "character create")
		}
	}

	for handle, receiver := range b.pendingDelete {
		if result, ok := receiver.Poll(); ok {
			delete(b.pendingDelete, handle)
			if c, err := b.clients().Lookup(handle); err == nil {
				b.finishCharacterDelete(c, result.Value, result.Err)
			}
		} else if receiver.Age() > opTimeout {
			delete(b.pendingDelete, handle)
			b.failTimedOut(handle, "character delete")
		}
	}
}

func (b *Backend) failTimedOut(handle int, op string) {
	c, err := b.clients().Lookup(handle)
	if err != nil {
		return
	}
	b.Logger.Errorf("[LOGIN] %s for %s timed out after %s", op, c.RemoteAddr(), opTimeout)
	b.clients().Send(c, protocol.LoginFailType, &protocol.LoginFail{ErrorCode: protocol.ErrCodeInternal})
	c.Disconnect()
}
