package state

import (
	"time"
)

// ChannelType is the type of a Channel.
type ChannelType int

// Known ChannelType values.
const (
	ChannelTypeGuildText  ChannelType = 0
	ChannelTypeGuildVoice ChannelType = 2
)

// VerificationLevel of a Guild.
type VerificationLevel int

// Block contains known VerificationLevel values.
const (
	VerificationLevelNone VerificationLevel = iota
	VerificationLevelLow
	VerificationLevelMedium
	VerificationLevelHigh
)

// Timestamp stores a timestamp, as sent over the API.
type Timestamp string

// NewTimestamp renders a time in the wire format.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp(t.UTC().Format(time.RFC3339Nano))
}

// Parse parses a timestamp string into a time.Time object.
func (t Timestamp) Parse() (time.Time, error) {
	return time.Parse(time.RFC3339, string(t))
}

// A User stores all data for an individual user.
type User struct {
	// The ID of the user.
	ID string `json:"id" msgpack:"id"`

	// The user's username.
	Username string `json:"username" msgpack:"username"`

	// The four digit discriminator distinguishing users that share a
	// username.
	Discriminator string `json:"discriminator" msgpack:"discriminator"`

	// The hash of the user's avatar.
	Avatar string `json:"avatar" msgpack:"avatar"`

	// Whether the user is a bot.
	Bot bool `json:"bot" msgpack:"bot"`

	// The email of the user. Only present on the account's own view.
	Email string `json:"email,omitempty" msgpack:"email"`

	// Whether the email of the user has been verified. Only present on
	// the account's own view.
	Verified bool `json:"verified,omitempty" msgpack:"verified"`

	// The argon2id digest of the user's password. Never serialized to
	// clients.
	PasswordHash string `json:"-" msgpack:"password_hash"`
}

// Public returns the view of the user other accounts may see.
func (u *User) Public() *User {
	p := *u
	p.Email = ""
	p.Verified = false
	p.PasswordHash = ""
	return &p
}

// Tag returns the username#discriminator form used in logs.
func (u *User) Tag() string {
	return u.Username + "#" + u.Discriminator
}

// A Guild holds all data for a guild, with channels and messages referred
// to by ID and resolved through the State.
type Guild struct {
	// The ID of the guild.
	ID string `json:"id" msgpack:"id"`

	// The name of the guild.
	Name string `json:"name" msgpack:"name"`

	// The hash of the guild's icon.
	Icon string `json:"icon" msgpack:"icon"`

	// The hash of the guild's splash.
	Splash string `json:"splash" msgpack:"splash"`

	// The user ID of the owner of the guild.
	OwnerID string `json:"owner_id" msgpack:"owner_id"`

	// The voice region of the guild.
	Region string `json:"region" msgpack:"region"`

	// The ID of the AFK voice channel, empty when unset.
	AFKChannelID string `json:"afk_channel_id,omitempty" msgpack:"afk_channel_id"`

	// The timeout in seconds before a user is moved to the AFK channel.
	AFKTimeout int `json:"afk_timeout" msgpack:"afk_timeout"`

	// The verification level required to speak.
	VerificationLevel VerificationLevel `json:"verification_level" msgpack:"verification_level"`

	// Enabled guild features.
	Features []string `json:"features" msgpack:"features"`

	// IDs of the guild's channels in creation order.
	ChannelIDs []string `json:"-" msgpack:"channel_ids"`

	// User IDs banned from the guild.
	Bans map[string]bool `json:"-" msgpack:"bans"`

	//ID of the role every member holds.
	DefaultRoleID string `json:"-" msgpack:"default_role_id"`

	// Members of the guild keyed by user ID. Persisted separately.
	Members map[string]*Member `json:"-" msgpack:"-"`

	// Roles of the guild keyed by role ID. Persisted separately.
	Roles map[string]*Role `json:"-" msgpack:"-"`

	// Users currently subscribed to the guild's events.
	Viewers *LockSet `json:"-" msgpack:"-"`
}

// Large reports whether the guild is over the member threshold after which
// clients receive online members only.
func (g *Guild) Large() bool {
	return len(g.Members) > LargeMemberThreshold
}

// A Member stores user data for a guild member.
type Member struct {
	// The guild ID on which the member exists.
	GuildID string `json:"guild_id,omitempty" msgpack:"guild_id"`

	// The user ID of the member. The User field carries the resolved
	// object in payloads.
	UserID string `json:"-" msgpack:"user_id"`

	// The time at which the member joined the guild.
	JoinedAt Timestamp `json:"joined_at" msgpack:"joined_at"`

	// The nickname of the member, if set.
	Nick string `json:"nick" msgpack:"nick"`

	// Whether the member is deafened.
	Deaf bool `json:"deaf" msgpack:"deaf"`

	// Whether the member is muted.
	Mute bool `json:"mute" msgpack:"mute"`

	// IDs of the roles assigned to the member.
	Roles []string `json:"roles" msgpack:"roles"`

	// The underlying user, resolved at payload time.
	User *User `json:"user" msgpack:"-"`
}

// A Channel holds all data for an individual guild channel.
type Channel struct {
	// The ID of the channel.
	ID string `json:"id" msgpack:"id"`

	// The ID of the guild owning the channel.
	GuildID string `json:"guild_id" msgpack:"guild_id"`

	// The name of the channel.
	Name string `json:"name" msgpack:"name"`

	// The type of the channel.
	Type ChannelType `json:"type" msgpack:"type"`

	// The position of the channel, used for sorting in clients.
	Position int `json:"position" msgpack:"position"`

	// The topic of the channel. Text channels only.
	Topic string `json:"topic" msgpack:"topic"`

	// The ID of the last message sent in the channel. Text channels
	// only.
	LastMessageID string `json:"last_message_id" msgpack:"last_message_id"`

	// The bitrate of the channel. Voice channels only.
	Bitrate int `json:"bitrate,omitempty" msgpack:"bitrate"`

	// The cap on simultaneous voice connections. Voice channels only.
	UserLimit int `json:"user_limit,omitempty" msgpack:"user_limit"`
}

// A Role stores information about a guild role.
type Role struct {
	// The ID of the role.
	ID string `json:"id" msgpack:"id"`

	// The name of the role.
	Name string `json:"name" msgpack:"name"`

	// Whether the role is managed by an integration.
	Managed bool `json:"managed" msgpack:"managed"`

	// Whether the role can be mentioned.
	Mentionable bool `json:"mentionable" msgpack:"mentionable"`

	// Whether the role is hoisted in the member list.
	Hoist bool `json:"hoist" msgpack:"hoist"`

	// The hex color of the role.
	Color int `json:"color" msgpack:"color"`

	// The position of the role.
	Position int `json:"position" msgpack:"position"`

	// The permission bitfield of the role.
	Permissions int64 `json:"permissions" msgpack:"permissions"`

	// The ID of the guild owning the role.
	GuildID string `json:"-" msgpack:"guild_id"`
}

// A Message stores all data related to a channel message.
type Message struct {
	// The ID of the message.
	ID string `json:"id" msgpack:"id"`

	// The ID of the channel in which the message was sent.
	ChannelID string `json:"channel_id" msgpack:"channel_id"`

	// The user ID of the author. The Author field carries the resolved
	// object in payloads.
	AuthorID string `json:"-" msgpack:"author_id"`

	// The author of the message, resolved at payload time.
	Author *User `json:"author,omitempty" msgpack:"-"`

	// The content of the message.
	Content string `json:"content" msgpack:"content"`

	// The time at which the message was sent.
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`

	// The time at which the message was last edited, empty when never.
	EditedTimestamp Timestamp `json:"edited_timestamp,omitempty" msgpack:"edited_timestamp"`

	// Whether the message is a text to speech message.
	TTS bool `json:"tts" msgpack:"tts"`

	// Whether the message mentions everyone.
	MentionEveryone bool `json:"mention_everyone" msgpack:"mention_everyone"`

	// User IDs mentioned in the message.
	MentionIDs []string `json:"-" msgpack:"mention_ids"`

	// Users mentioned in the message, resolved at payload time.
	Mentions []*User `json:"mentions" msgpack:"-"`

	// Role IDs mentioned in the message.
	MentionRoles []string `json:"mention_roles" msgpack:"mention_roles"`

	// Attachments of the message.
	Attachments []*Attachment `json:"attachments" msgpack:"attachments"`

	// Whether the message is pinned in its channel.
	Pinned bool `json:"pinned" msgpack:"pinned"`

	// The nonce the author sent the message with, used for
	// deduplication.
	Nonce string `json:"nonce,omitempty" msgpack:"nonce"`

	// The type of the message.
	Type int `json:"type" msgpack:"type"`
}

// An Attachment stores data about a message attachment.
type Attachment struct {
	ID       string `json:"id" msgpack:"id"`
	Filename string `json:"filename" msgpack:"filename"`
	Size     int    `json:"size" msgpack:"size"`
	URL      string `json:"url" msgpack:"url"`
}

// An Invite stores all data related to a guild invite.
type Invite struct {
	// The code the invite is redeemed with.
	Code string `json:"code" msgpack:"code"`

	// The ID of the guild the invite points at.
	GuildID string `json:"-" msgpack:"guild_id"`

	// The ID of the channel the invite points at.
	ChannelID string `json:"-" msgpack:"channel_id"`

	// The user ID of the invite's creator.
	InviterID string `json:"-" msgpack:"inviter_id"`

	// The time at which the invite was created.
	CreatedAt Timestamp `json:"created_at" msgpack:"created_at"`

	// The time after which the invite no longer works. Zero when the
	// invite never expires.
	ExpiresAt time.Time `json:"-" msgpack:"expires_at"`

	// Uses left on the invite, -1 for unlimited.
	UsesLeft int `json:"-" msgpack:"uses_left"`

	// Whether members joining through the invite are temporary.
	Temporary bool `json:"temporary" msgpack:"temporary"`
}

// Valid reports whether the invite can still be redeemed at the given
// instant.
func (i *Invite) Valid(now time.Time) bool {
	if !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt) {
		return false
	}
	return i.UsesLeft == -1 || i.UsesLeft > 0
}

// Use burns one use off the invite. It reports false when the invite had
// none left.
func (i *Invite) Use(now time.Time) bool {
	if !i.Valid(now) {
		return false
	}
	if i.UsesLeft > 0 {
		i.UsesLeft--
	}
	return true
}

// Game represents the activity shown under a user's name.
type Game struct {
	Name string `json:"name" msgpack:"name"`
	Type int    `json:"type" msgpack:"type"`
	URL  string `json:"url,omitempty" msgpack:"url,omitempty"`
}

// Presence statuses. Invisible is accepted from clients and shown to
// everyone else as offline.
const (
	StatusOnline    = "online"
	StatusIdle      = "idle"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// A Presence is a user's status on a guild.
type Presence struct {
	// The user the presence belongs to, stripped to the public view.
	User *User `json:"user"`

	// The ID of the guild the presence is scoped to.
	GuildID string `json:"guild_id,omitempty"`

	// One of online, idle, dnd or offline.
	Status string `json:"status"`

	// The activity of the user, if any.
	Game *Game `json:"game"`
}

// A GuildPayload is the full guild object sent in GUILD_CREATE and over
// the HTTP surface.
type GuildPayload struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Icon              string            `json:"icon"`
	Splash            string            `json:"splash"`
	OwnerID           string            `json:"owner_id"`
	Region            string            `json:"region"`
	AFKChannelID      string            `json:"afk_channel_id,omitempty"`
	AFKTimeout        int               `json:"afk_timeout"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	Features          []string          `json:"features"`
	Large             bool              `json:"large"`
	Unavailable       bool              `json:"unavailable"`
	MemberCount       int               `json:"member_count"`
	Members           []*Member         `json:"members"`
	Channels          []*Channel        `json:"channels"`
	Roles             []*Role           `json:"roles"`
	Presences         []*Presence       `json:"presences"`
}

// An InvitePayload is the invite object sent over the HTTP surface.
type InvitePayload struct {
	Code      string       `json:"code"`
	Guild     *InviteGuild `json:"guild"`
	Channel   *InvitePlace `json:"channel"`
	Inviter   *User        `json:"inviter"`
	Uses      int          `json:"uses"`
	Temporary bool         `json:"temporary"`
	CreatedAt Timestamp    `json:"created_at"`
}

// InviteGuild is the partial guild embedded in an invite payload.
type InviteGuild struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Icon   string `json:"icon"`
	Splash string `json:"splash"`
}

// InvitePlace is the partial channel embedded in an invite payload.
type InvitePlace struct {
	ID   string      `json:"id"`
	Name string      `json:"name"`
	Type ChannelType `json:"type"`
}
