package gateway

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/palaver-chat/palaver/state"
)

// receivedPayload is the base of a packet read from a client.
type receivedPayload struct {
	Op   int                 `json:"op"`
	Data jsoniter.RawMessage `json:"d"`
	Type string              `json:"t,omitempty"`
}

// sentPayload is the base of a packet written to a client. Sequence and
// Type are only present on dispatches.
type sentPayload struct {
	Op       int         `json:"op"`
	Data     interface{} `json:"d"`
	Sequence int64       `json:"s,omitempty"`
	Type     string      `json:"t,omitempty"`

	// deflate asks the write path to zlib the encoded frame. Only READY
	// uses it.
	deflate bool
}

// Hello greets a connection and carries the heartbeat contract.
type Hello struct {
	HeartbeatInterval int64    `json:"heartbeat_interval"`
	Trace             []string `json:"_trace"`
}

// Ready is dispatched once a session is established.
type Ready struct {
	Version         int           `json:"v"`
	User            *state.User   `json:"user"`
	PrivateChannels []interface{} `json:"private_channels"`
	Guilds          []interface{} `json:"guilds"`
	SessionID       string        `json:"session_id"`
	Trace           []string      `json:"_trace"`
}

// Resumed closes out a replay after RESUME.
type Resumed struct {
	Trace []string `json:"_trace"`
}

// UnavailableGuild is the stub bots receive in READY before the full
// guilds stream in.
type UnavailableGuild struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}

// Identify is sent by a client to authenticate.
type Identify struct {
	Token          string             `json:"token"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress"`
	LargeThreshold int                `json:"large_threshold"`
	Shard          []int              `json:"shard"`
	Presence       *state.Presence    `json:"presence"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Resume is sent by a client to pick a session back up.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// StatusUpdate is sent by a client to change its presence.
type StatusUpdate struct {
	Status string      `json:"status"`
	Game   *state.Game `json:"game"`
	AFK    bool        `json:"afk"`
	Since  int64       `json:"since"`
}

// RequestGuildMembers asks for member chunks for one guild.
type RequestGuildMembers struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

// GuildMembersChunk carries one page of a member request.
type GuildMembersChunk struct {
	GuildID string          `json:"guild_id"`
	Members []*state.Member `json:"members"`
}

// GuildSync carries the member and presence snapshot a session asked
// for with OP 12.
type GuildSync struct {
	ID        string            `json:"id"`
	Presences []*state.Presence `json:"presences"`
	Members   []*state.Member   `json:"members"`
}

// PresenceUpdate is dispatched when a member's presence changes.
type PresenceUpdate struct {
	User    *state.User `json:"user"`
	GuildID string      `json:"guild_id,omitempty"`
	Status  string      `json:"status"`
	Game    *state.Game `json:"game"`
	Roles   []string    `json:"roles"`
}

// TypingStart is dispatched when a member starts typing.
type TypingStart struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// MessageDelete is dispatched when one message is removed.
type MessageDelete struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id,omitempty"`
}

// MessageDeleteBulk is dispatched when a channel sheds many messages at
// once.
type MessageDeleteBulk struct {
	IDs       []string `json:"ids"`
	ChannelID string   `json:"channel_id"`
	GuildID   string   `json:"guild_id,omitempty"`
}

// ChannelPinsUpdate is dispatched when a channel's pins change.
type ChannelPinsUpdate struct {
	ChannelID        string          `json:"channel_id"`
	LastPinTimestamp state.Timestamp `json:"last_pin_timestamp,omitempty"`
}

// GuildMemberRemove is dispatched when a member leaves or is kicked.
type GuildMemberRemove struct {
	GuildID string      `json:"guild_id"`
	User    *state.User `json:"user"`
}

// GuildMemberUpdate is dispatched when a member's nick or roles change.
type GuildMemberUpdate struct {
	GuildID string      `json:"guild_id"`
	User    *state.User `json:"user"`
	Nick    string      `json:"nick"`
	Roles   []string    `json:"roles"`
}

// GuildBan rides GUILD_BAN_ADD and GUILD_BAN_REMOVE.
type GuildBan struct {
	GuildID string      `json:"guild_id"`
	User    *state.User `json:"user"`
}

// GuildRole rides GUILD_ROLE_CREATE and GUILD_ROLE_UPDATE.
type GuildRole struct {
	GuildID string      `json:"guild_id"`
	Role    *state.Role `json:"role"`
}

// GuildRoleDelete is dispatched when a role is removed.
type GuildRoleDelete struct {
	GuildID string `json:"guild_id"`
	RoleID  string `json:"role_id"`
}

// GuildDelete tells a client it no longer sees a guild. Unavailable is
// false when the member was removed rather than the guild going away.
type GuildDelete struct {
	ID          string `json:"id"`
	Unavailable bool   `json:"unavailable"`
}
