package gateway

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// GatewayVersion is the websocket protocol version this server speaks.
const GatewayVersion = 6

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Gateway opcodes.
const (
	OpDispatch = iota
	OpHeartbeat
	OpIdentify
	OpStatusUpdate
	OpVoiceStateUpdate
	OpVoiceServerPing
	OpResume
	OpReconnect
	OpRequestGuildMembers
	OpInvalidSession
	OpHello
	OpHeartbeatACK
	OpGuildSync
)

// Close codes used when tearing down a client. 4001 covers unknown
// opcodes and undecodable frames both.
const (
	CloseUnknownError         = 4000
	CloseDecodeError          = 4001
	ClosePayloadTooLarge      = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSeq           = 4007
	CloseSessionTimeout       = 4009
	CloseShardingRequired     = 4011
)

const (
	// maxPayloadSize caps a single inbound frame.
	maxPayloadSize = 4096

	// readLimitGuard bounds how much of an oversized frame is ever
	// read before the websocket library gives up on it.
	readLimitGuard = 1 << 20

	// writeTimeout bounds a single websocket write.
	writeTimeout = 10 * time.Second

	// ringCapacity is how many dispatched events a session retains for
	// replay on resume.
	ringCapacity = 60

	// sessionIDTries bounds collision retries when minting a session ID.
	sessionIDTries = 20

	// heartbeatGrace is slack added to the heartbeat interval before a
	// silent connection is considered dead.
	heartbeatGrace = 3 * time.Second

	// Each connection is told to heartbeat at a random interval in this
	// range, spreading the load across clients.
	defaultHeartbeatMin = 40 * time.Second
	defaultHeartbeatMax = 42 * time.Second

	// defaultSendBuffer is the per connection outbound queue depth.
	defaultSendBuffer = 64

	// defaultDetachedTTL is how long a detached session stays resumable
	// before the janitor removes it.
	defaultDetachedTTL = 30 * time.Minute

	defaultLargeThreshold = 50
	maxLargeThreshold     = 250

	// memberChunkSize is how many members ride in a single
	// GUILD_MEMBERS_CHUNK event.
	memberChunkSize = 1000

	// maxUnshardedGuilds is the guild count past which a bot must shard.
	maxUnshardedGuilds = 2500

	// atomicBrowser marks first party clients. They subscribe to guilds
	// explicitly with GUILD_SYNC rather than at identify.
	atomicBrowser = "Discord Client"

	// noCompressBrowser cannot handle a deflated READY.
	noCompressBrowser = "discord.js"
)

// Per connection and per account op budgets.
const (
	opsPerMinute      = 120
	presencePerMinute = 5
	identifyEvery     = 5 * time.Second
)
