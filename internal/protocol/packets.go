/*
* Packet constants and structures for the client<->login, client<->shard, and
* shard<->login wire protocols. Every payload is a fixed-layout struct; the
* registry at the bottom binds type tags to payload shapes.
 */
package protocol

// Direction masks occupy the high byte of every packet type tag, so a
// connection's allowed traffic can be checked with a single mask test.
const (
	MaskClientToLogin uint32 = 0x01000000
	MaskLoginToClient uint32 = 0x02000000
	MaskClientToShard uint32 = 0x03000000
	MaskShardToClient uint32 = 0x04000000
	MaskShardToLogin  uint32 = 0x05000000
	MaskLoginToShard  uint32 = 0x06000000

	DirectionMask uint32 = 0xFF000000
)

// Direction returns the direction mask portion of a packet type tag.
func Direction(packetType uint32) uint32 {
	return packetType & DirectionMask
}

// Packet types for traffic between game clients and the login server.
const (
	LoginRequestType           = MaskClientToLogin | 0x01
	CharacterCreateRequestType = MaskClientToLogin | 0x02
	CharacterDeleteRequestType = MaskClientToLogin | 0x03
	ShardSelectRequestType     = MaskClientToLogin | 0x04
	LoginLiveCheckReplyType    = MaskClientToLogin | 0x05

	LoginSuccessType            = MaskLoginToClient | 0x01
	LoginFailType               = MaskLoginToClient | 0x02
	CharacterInfoType           = MaskLoginToClient | 0x03
	CharacterCreateSuccessType  = MaskLoginToClient | 0x04
	CharacterCreateFailType     = MaskLoginToClient | 0x05
	CharacterDeleteSuccessType  = MaskLoginToClient | 0x06
	ShardRedirectType           = MaskLoginToClient | 0x07
	ShardSelectFailType         = MaskLoginToClient | 0x08
	LoginLiveCheckType          = MaskLoginToClient | 0x09
)

// Packet types for traffic between game clients and a shard server.
const (
	EnterShardRequestType       = MaskClientToShard | 0x01
	LoadingCompleteType         = MaskClientToShard | 0x02
	MoveRequestType             = MaskClientToShard | 0x03
	StopRequestType             = MaskClientToShard | 0x04
	NPCInteractionRequestType   = MaskClientToShard | 0x05
	BuddyRequestType            = MaskClientToShard | 0x06
	BuddyResponseType           = MaskClientToShard | 0x07
	EggPickupRequestType        = MaskClientToShard | 0x08
	ExitRequestType             = MaskClientToShard | 0x09
	ShardLiveCheckReplyType     = MaskClientToShard | 0x0A

	EnterShardSuccessType     = MaskShardToClient | 0x01
	EnterShardFailType        = MaskShardToClient | 0x02
	LoadingCompleteReplyType  = MaskShardToClient | 0x03
	PlayerEnterViewType       = MaskShardToClient | 0x04
	PlayerExitViewType        = MaskShardToClient | 0x05
	PlayerMoveType            = MaskShardToClient | 0x06
	PlayerStopType            = MaskShardToClient | 0x07
	NPCEnterViewType          = MaskShardToClient | 0x08
	NPCExitViewType           = MaskShardToClient | 0x09
	NPCMoveType               = MaskShardToClient | 0x0A
	SliderEnterViewType       = MaskShardToClient | 0x0B
	SliderExitViewType        = MaskShardToClient | 0x0C
	SliderMoveType            = MaskShardToClient | 0x0D
	EggEnterViewType          = MaskShardToClient | 0x0E
	EggExitViewType           = MaskShardToClient | 0x0F
	NPCInteractionReplyType   = MaskShardToClient | 0x10
	BuddyOfferType            = MaskShardToClient | 0x11
	BuddyAddedType            = MaskShardToClient | 0x12
	BuddyFailType             = MaskShardToClient | 0x13
	EggPickupReplyType        = MaskShardToClient | 0x14
	MOTDType                  = MaskShardToClient | 0x15
	ExitReplyType             = MaskShardToClient | 0x16
	ShardLiveCheckType        = MaskShardToClient | 0x17
)

// Packet types for the shard<->login peer protocol.
const (
	PeerConnectRequestType   = MaskShardToLogin | 0x01
	PeerLoginInfoSuccessType = MaskShardToLogin | 0x02
	PeerLoginInfoFailType    = MaskShardToLogin | 0x03
	PeerMOTDRequestType      = MaskShardToLogin | 0x04
	PeerChannelStatusType    = MaskShardToLogin | 0x05
	PeerPlayerExitedType     = MaskShardToLogin | 0x06

	PeerConnectSuccessType = MaskLoginToShard | 0x01
	PeerLoginInfoType      = MaskLoginToShard | 0x02
	PeerMOTDReplyType      = MaskLoginToShard | 0x03
)

// Error codes carried in failure-reply packets.
const (
	ErrCodeInvalidCredentials int32 = 1
	ErrCodeBanned             int32 = 2
	ErrCodeNameTaken          int32 = 3
	ErrCodeNoSuchCharacter    int32 = 4
	ErrCodeShardUnavailable   int32 = 5
	ErrCodeOutOfRange         int32 = 6
	ErrCodeNotFound           int32 = 7
	ErrCodeInternal           int32 = 8
	ErrCodeAccountInUse       int32 = 9
	ErrCodeSlotInUse          int32 = 10
)

// Fixed text buffer widths.
const (
	NameLength    = 33
	MessageLength = 256
)

// MaxChannels bounds the channel status array in peer load reports.
const MaxChannels = 8

// LoginRequest is the first packet a game client sends. Username and
// Password are NUL-terminated UTF-16; ClientVersion seeds the session
// key the client switches to after a successful reply.
type LoginRequest struct {
	Username      [NameLength]uint16
	Password      [NameLength]uint16
	ClientVersion int32
}

// LoginSuccess acknowledges authentication. ServerTime and the character
// count/slot fields double as inputs to the session key derivation, so the
// client can compute the same keys the server switches to.
type LoginSuccess struct {
	CharCount  int8
	SlotNum    int8
	Padding    [6]byte
	ServerTime uint64
	Username   [NameLength]uint16
}

type LoginFail struct {
	ErrorCode int32
	Username  [NameLength]uint16
}

// CharacterInfo describes one character on the account, sent once per
// character after LoginSuccess.
type CharacterInfo struct {
	Slot     int8
	Padding  [1]byte
	Level    int16
	PlayerID int64
	Name     [NameLength]uint16
	X        int32
	Y        int32
	Z        int32
}

type CharacterCreateRequest struct {
	Slot    int8
	Padding [1]byte
	Name    [NameLength]uint16
}

type CharacterCreateSuccess struct {
	Character CharacterInfo
}

type CharacterCreateFail struct {
	ErrorCode int32
}

type CharacterDeleteRequest struct {
	PlayerID int64
}

type CharacterDeleteSuccess struct {
	PlayerID int64
}

// ShardSelectRequest asks the login server to hand the session off to a
// shard hosting the chosen character.
type ShardSelectRequest struct {
	PlayerID int64
}

// ShardRedirect carries everything the client needs to resume its session
// on the shard: where to connect and the serial key proving who it is.
type ShardRedirect struct {
	Address   [16]byte
	Port      int32
	SerialKey int64
}

type ShardSelectFail struct {
	ErrorCode int32
}

// LiveCheck is an application-level heartbeat; the receiver echoes UserData
// back in the corresponding reply packet.
type LiveCheck struct {
	UserData int32
}

type LiveCheckReply struct {
	UserData int32
}

// EnterShardRequest resumes a session started on the login server. The
// serial key must match a pending handoff relayed over the peer channel.
type EnterShardRequest struct {
	SerialKey int64
	Username  [NameLength]uint16
}

// EnterShardSuccess carries the inputs for the final session key rotation:
// the client derives the same key from PlayerID, Level, and ServerTime.
type EnterShardSuccess struct {
	PlayerID   int32
	Level      int16
	Padding    [2]byte
	X          int32
	Y          int32
	Z          int32
	Angle      int32
	HP         int32
	ServerTime uint64
	Name       [NameLength]uint16
}

type EnterShardFail struct {
	ErrorCode int32
}

// LoadingComplete signals the client has finished loading the world and is
// ready to be inserted into the spatial index and become visible.
type LoadingComplete struct {
	PlayerID int32
}

type LoadingCompleteReply struct {
	PlayerID int32
}

type MoveRequest struct {
	X          int32
	Y          int32
	Z          int32
	Angle      int32
	Speed      int32
	ClientTime uint64
}

type StopRequest struct {
	X          int32
	Y          int32
	Z          int32
	ClientTime uint64
}

// PlayerAppearance is the view another client gets of a player, embedded in
// enter-view packets.
type PlayerAppearance struct {
	PlayerID int32
	Level    int16
	Padding  [2]byte
	HP       int32
	MaxHP    int32
	X        int32
	Y        int32
	Z        int32
	Angle    int32
	Name     [NameLength]uint16
}

type PlayerEnterView struct {
	Appearance PlayerAppearance
}

type PlayerExitView struct {
	PlayerID int32
}

type PlayerMove struct {
	PlayerID   int32
	X          int32
	Y          int32
	Z          int32
	Angle      int32
	Speed      int32
	ClientTime uint64
}

type PlayerStop struct {
	PlayerID   int32
	X          int32
	Y          int32
	Z          int32
	ClientTime uint64
}

type NPCAppearance struct {
	NPCID     int32
	NPCType   int32
	HP        int32
	Condition int32
	X         int32
	Y         int32
	Z         int32
	Angle     int32
}

type NPCEnterView struct {
	Appearance NPCAppearance
}

type NPCExitView struct {
	NPCID int32
}

type NPCMove struct {
	NPCID     int32
	ToX       int32
	ToY       int32
	ToZ       int32
	Speed     int32
	MoveStyle int32
}

type SliderEnterView struct {
	SliderID int32
	X        int32
	Y        int32
	Z        int32
	Angle    int32
	Speed    int32
}

type SliderExitView struct {
	SliderID int32
}

type SliderMove struct {
	SliderID int32
	ToX      int32
	ToY      int32
	ToZ      int32
	Speed    int32
}

type EggEnterView struct {
	EggID   int32
	EggType int32
	X       int32
	Y       int32
	Z       int32
}

type EggExitView struct {
	EggID int32
}

// NPCInteractionRequest toggles a dialogue/interaction with a nearby NPC.
// Begin is 1 to start and 0 to end.
type NPCInteractionRequest struct {
	NPCID   int32
	Begin   int8
	Padding [3]byte
}

type NPCInteractionReply struct {
	NPCID     int32
	Begin     int8
	Padding   [3]byte
	ErrorCode int32
}

type EggPickupRequest struct {
	EggID int32
}

type EggPickupReply struct {
	EggID     int32
	ErrorCode int32
}

type BuddyRequest struct {
	TargetPlayerID int32
}

// BuddyOffer is relayed to the target of a buddy request.
type BuddyOffer struct {
	RequesterID   int32
	RequesterName [NameLength]uint16
}

// BuddyResponse resolves an outstanding offer. Accepted is 1 to accept and
// 0 to decline.
type BuddyResponse struct {
	RequesterID int32
	Accepted    int8
	Padding     [3]byte
}

// BuddyAdded notifies both sides of a completed buddy relation.
type BuddyAdded struct {
	BuddyID   int32
	BuddyName [NameLength]uint16
}

type BuddyFail struct {
	TargetPlayerID int32
	ErrorCode      int32
}

type ExitRequest struct {
	PlayerID int32
}

type ExitReply struct {
	PlayerID int32
}

type MOTD struct {
	Message [MessageLength]uint16
}

// PeerConnectRequest registers a shard server with the login server over the
// peer channel. Address and Port are the client-facing endpoint the shard
// wants advertised in redirects; a zero Address tells the login server to
// fall back to the peer socket's remote host.
type PeerConnectRequest struct {
	ShardID int32
	Address [16]byte
	Port    int32
}

// PeerConnectSuccess assigns the shard its peer connection id. Both ends
// derive the peer session key from ConnID and ServerTime.
type PeerConnectSuccess struct {
	ConnID     int32
	Padding    [4]byte
	ServerTime uint64
}

// PeerLoginInfo relays a pending client handoff from login to shard. FEKey
// is the key the client will be told to use after entering the shard.
type PeerLoginInfo struct {
	AccountID  int64
	PlayerID   int64
	SerialKey  int64
	FEKey      uint64
	ServerTime uint64
}

type PeerLoginInfoSuccess struct {
	SerialKey int64
	PlayerID  int64
}

type PeerLoginInfoFail struct {
	SerialKey int64
	ErrorCode int32
	Padding   [4]byte
}

type PeerMOTDRequest struct {
	ShardID int32
}

type PeerMOTDReply struct {
	Message [MessageLength]uint16
}

// PeerChannelStatus reports per-channel population so the login server can
// steer new sessions away from full shards.
type PeerChannelStatus struct {
	ShardID     int32
	NumChannels int32
	Statuses    [MaxChannels]uint8
}

// PeerPlayerExited tells the login server a player left the shard, freeing
// the account for a fresh login.
type PeerPlayerExited struct {
	AccountID int64
	PlayerID  int64
}

// Channel status values carried in PeerChannelStatus.
const (
	ChannelStatusEmpty  uint8 = 0
	ChannelStatusNormal uint8 = 1
	ChannelStatusBusy   uint8 = 2
	ChannelStatusClosed uint8 = 3
)

// payloadFactories binds every packet type tag to a constructor for its
// payload shape. A tag missing from this registry is an unknown type.
var payloadFactories = map[uint32]func() interface{}{
	LoginRequestType:           func() interface{} { return new(LoginRequest) },
	CharacterCreateRequestType: func() interface{} { return new(CharacterCreateRequest) },
	CharacterDeleteRequestType: func() interface{} { return new(CharacterDeleteRequest) },
	ShardSelectRequestType:     func() interface{} { return new(ShardSelectRequest) },
	LoginLiveCheckReplyType:    func() interface{} { return new(LiveCheckReply) },

	LoginSuccessType:           func() interface{} { return new(LoginSuccess) },
	LoginFailType:              func() interface{} { return new(LoginFail) },
	CharacterInfoType:          func() interface{} { return new(CharacterInfo) },
	CharacterCreateSuccessType: func() interface{} { return new(CharacterCreateSuccess) },
	CharacterCreateFailType:    func() interface{} { return new(CharacterCreateFail) },
	CharacterDeleteSuccessType: func() interface{} { return new(CharacterDeleteSuccess) },
	ShardRedirectType:          func() interface{} { return new(ShardRedirect) },
	ShardSelectFailType:        func() interface{} { return new(ShardSelectFail) },
	LoginLiveCheckType:         func() interface{} { return new(LiveCheck) },

	EnterShardRequestType:     func() interface{} { return new(EnterShardRequest) },
	LoadingCompleteType:       func() interface{} { return new(LoadingComplete) },
	MoveRequestType:           func() interface{} { return new(MoveRequest) },
	StopRequestType:           func() interface{} { return new(StopRequest) },
	NPCInteractionRequestType: func() interface{} { return new(NPCInteractionRequest) },
	BuddyRequestType:          func() interface{} { return new(BuddyRequest) },
	BuddyResponseType:         func() interface{} { return new(BuddyResponse) },
	EggPickupRequestType:      func() interface{} { return new(EggPickupRequest) },
	ExitRequestType:           func() interface{} { return new(ExitRequest) },
	ShardLiveCheckReplyType:   func() interface{} { return new(LiveCheckReply) },

	EnterShardSuccessType:    func() interface{} { return new(EnterShardSuccess) },
	EnterShardFailType:       func() interface{} { return new(EnterShardFail) },
	LoadingCompleteReplyType: func() interface{} { return new(LoadingCompleteReply) },
	PlayerEnterViewType:      func() interface{} { return new(PlayerEnterView) },
	PlayerExitViewType:       func() interface{} { return new(PlayerExitView) },
	PlayerMoveType:           func() interface{} { return new(PlayerMove) },
	PlayerStopType:           func() interface{} { return new(PlayerStop) },
	NPCEnterViewType:         func() interface{} { return new(NPCEnterView) },
	NPCExitViewType:          func() interface{} { return new(NPCExitView) },
	NPCMoveType:              func() interface{} { return new(NPCMove) },
	SliderEnterViewType:      func() interface{} { return new(SliderEnterView) },
	SliderExitViewType:       func() interface{} { return new(SliderExitView) },
	SliderMoveType:           func() interface{} { return new(SliderMove) },
	EggEnterViewType:         func() interface{} { return new(EggEnterView) },
	EggExitViewType:          func() interface{} { return new(EggExitView) },
	NPCInteractionReplyType:  func() interface{} { return new(NPCInteractionReply) },
	BuddyOfferType:           func() interface{} { return new(BuddyOffer) },
	BuddyAddedType:           func() interface{} { return new(BuddyAdded) },
	BuddyFailType:            func() interface{} { return new(BuddyFail) },
	EggPickupReplyType:       func() interface{} { return new(EggPickupReply) },
	MOTDType:                 func() interface{} { return new(MOTD) },
	ExitReplyType:            func() interface{} { return new(ExitReply) },
	ShardLiveCheckType:       func() interface{} { return new(LiveCheck) },

	PeerConnectRequestType:   func() interface{} { return new(PeerConnectRequest) },
	PeerLoginInfoSuccessType: func() interface{} { return new(PeerLoginInfoSuccess) },
	PeerLoginInfoFailType:    func() interface{} { return new(PeerLoginInfoFail) },
	PeerMOTDRequestType:      func() interface{} { return new(PeerMOTDRequest) },
	PeerChannelStatusType:    func() interface{} { return new(PeerChannelStatus) },
	PeerPlayerExitedType:     func() interface{} { return new(PeerPlayerExited) },

	PeerConnectSuccessType: func() interface{} { return new(PeerConnectSuccess) },
	PeerLoginInfoType:      func() interface{} { return new(PeerLoginInfo) },
	PeerMOTDReplyType:      func() interface{} { return new(PeerMOTDReply) },
}

var packetNames = map[uint32]string{
	LoginRequestType:           "LoginRequest",
	CharacterCreateRequestType: "CharacterCreateRequest",
	CharacterDeleteRequestType: "CharacterDeleteRequest",
	ShardSelectRequestType:     "ShardSelectRequest",
	LoginLiveCheckReplyType:    "LoginLiveCheckReply",

	LoginSuccessType:           "LoginSuccess",
	LoginFailType:              "LoginFail",
	CharacterInfoType:          "CharacterInfo",
	CharacterCreateSuccessType: "CharacterCreateSuccess",
	CharacterCreateFailType:    "CharacterCreateFail",
	CharacterDeleteSuccessType: "CharacterDeleteSuccess",
	ShardRedirectType:          "ShardRedirect",
	ShardSelectFailType:        "ShardSelectFail",
	LoginLiveCheckType:         "LoginLiveCheck",

	EnterShardRequestType:     "EnterShardRequest",
	LoadingCompleteType:       "LoadingComplete",
	MoveRequestType:           "MoveRequest",
	StopRequestType:           "StopRequest",
	NPCInteractionRequestType: "NPCInteractionRequest",
	BuddyRequestType:          "BuddyRequest",
	BuddyResponseType:         "BuddyResponse",
	EggPickupRequestType:      "EggPickupRequest",
	ExitRequestType:           "ExitRequest",
	ShardLiveCheckReplyType:   "ShardLiveCheckReply",

	EnterShardSuccessType:    "EnterShardSuccess",
	EnterShardFailType:       "EnterShardFail",
	LoadingCompleteReplyType: "LoadingCompleteReply",
	PlayerEnterViewType:      "PlayerEnterView",
	PlayerExitViewType:       "PlayerExitView",
	PlayerMoveType:           "PlayerMove",
	PlayerStopType:           "PlayerStop",
	NPCEnterViewType:         "NPCEnterView",
	NPCExitViewType:          "NPCExitView",
	NPCMoveType:              "NPCMove",
	SliderEnterViewType:      "SliderEnterView",
	SliderExitViewType:       "SliderExitView",
	SliderMoveType:           "SliderMove",
	EggEnterViewType:         "EggEnterView",
	EggExitViewType:          "EggExitView",
	NPCInteractionReplyType:  "NPCInteractionReply",
	BuddyOfferType:           "BuddyOffer",
	BuddyAddedType:           "BuddyAdded",
	BuddyFailType:            "BuddyFail",
	EggPickupReplyType:       "EggPickupReply",
	MOTDType:                 "MOTD",
	ExitReplyType:            "ExitReply",
	ShardLiveCheckType:       "ShardLiveCheck",

	PeerConnectRequestType:   "PeerConnectRequest",
	PeerLoginInfoSuccessType: "PeerLoginInfoSuccess",
	PeerLoginInfoFailType:    "PeerLoginInfoFail",
	PeerMOTDRequestType:      "PeerMOTDRequest",
	PeerChannelStatusType:    "PeerChannelStatus",
	PeerPlayerExitedType:     "PeerPlayerExited",

	PeerConnectSuccessType: "PeerConnectSuccess",
	PeerLoginInfoType:      "PeerLoginInfo",
	PeerMOTDReplyType:      "PeerMOTDReply",
}

// PacketName returns a human-readable name for a packet type tag, for logs.
func PacketName(packetType uint32) string {
	if name, ok := packetNames[packetType]; ok {
		return name
	}
	return "Unknown"
}

// silencedPackets are high-frequency types excluded from debug packet logs.
var silencedPackets = map[uint32]bool{
	MoveRequestType:         true,
	StopRequestType:         true,
	PlayerMoveType:          true,
	PlayerStopType:          true,
	NPCMoveType:             true,
	SliderMoveType:          true,
	LoginLiveCheckType:      true,
	LoginLiveCheckReplyType: true,
	ShardLiveCheckType:      true,
	ShardLiveCheckReplyType: true,
}

// Silenced reports whether a packet type should be kept out of debug logs.
func Silenced(packetType uint32) bool {
	return silencedPackets[packetType]
}
