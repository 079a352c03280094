package state

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Errors returned by State lookups and mutations.
var (
	// ErrNotFound is returned when an entity is not present.
	ErrNotFound = errors.New("state: entity not found")

	// ErrDiscriminatorsExhausted is returned when a username has no
	// discriminator left to hand out.
	ErrDiscriminatorsExhausted = errors.New("state: no discriminator left for username")

	// ErrInviteExpired is returned when an invite exists but can no
	// longer be redeemed.
	ErrInviteExpired = errors.New("state: invite expired")
)

const (
	// DefaultMaxMessages bounds the per channel message cache when the
	// configuration does not say otherwise.
	DefaultMaxMessages = 1000

	// LargeMemberThreshold is the member count above which a guild only
	// ships online members in its payloads.
	LargeMemberThreshold = 250

	// maxDiscriminators caps how many accounts may share one username.
	maxDiscriminators = 8000

	// nonceWindow is how many recent nonces are remembered per author.
	nonceWindow = 256
)

// State holds the in-memory graph of users, guilds, channels, messages and
// invites. Entities live in flat maps keyed by ID and reference each other
// by ID; cross references are resolved through accessor methods.
type State struct {
	sync.RWMutex

	// MaxMessageCount caps how many messages are kept per channel.
	MaxMessageCount int

	users      map[string]*User
	emails     map[string]string          // email -> user ID
	tokens     map[string]string          // token -> user ID
	userTokens map[string]string          // user ID -> token
	usernames  map[string]map[string]bool // username -> discriminators in use

	guilds       map[string]*Guild
	memberGuilds map[string]map[string]bool // user ID -> guild IDs

	channels        map[string]*Channel
	messages        map[string]*Message
	channelMessages map[string][]string // channel ID -> message IDs, ascending

	invites map[string]*Invite

	nonces map[string]*nonceRing
}

type nonceRing struct {
	order []string
	seen  map[string]bool
}

// NewState returns an empty State.
func NewState(maxMessages int) *State {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &State{
		MaxMessageCount: maxMessages,
		users:           make(map[string]*User),
		emails:          make(map[string]string),
		tokens:          make(map[string]string),
		userTokens:      make(map[string]string),
		usernames:       make(map[string]map[string]bool),
		guilds:          make(map[string]*Guild),
		memberGuilds:    make(map[string]map[string]bool),
		channels:        make(map[string]*Channel),
		messages:        make(map[string]*Message),
		channelMessages: make(map[string][]string),
		invites:         make(map[string]*Invite),
		nonces:          make(map[string]*nonceRing),
	}
}

// User returns the user with the given ID.
func (s *State) User(id string) (*User, error) {
	s.RLock()
	defer s.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// UserByToken resolves an authentication token to its user.
func (s *State) UserByToken(token string) (*User, error) {
	s.RLock()
	defer s.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// UserByEmail returns the user registered under an email address.
func (s *State) UserByEmail(email string) (*User, error) {
	s.RLock()
	defer s.RUnlock()
	id, ok := s.emails[email]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

// AddUser registers a new user, assigning a free discriminator for its
// username.
func (s *State) AddUser(u *User) error {
	s.Lock()
	defer s.Unlock()

	discriminator, err := s.allocateDiscriminator(u.Username)
	if err != nil {
		return err
	}
	u.Discriminator = discriminator
	s.users[u.ID] = u
	if u.Email != "" {
		s.emails[u.Email] = u.ID
	}
	return nil
}

// RestoreUser reinstates a loaded user, trusting its existing
// discriminator.
func (s *State) RestoreUser(u *User) {
	s.Lock()
	defer s.Unlock()

	s.users[u.ID] = u
	if u.Email != "" {
		s.emails[u.Email] = u.ID
	}
	taken, ok := s.usernames[u.Username]
	if !ok {
		taken = make(map[string]bool)
		s.usernames[u.Username] = taken
	}
	taken[u.Discriminator] = true
}

// allocateDiscriminator picks an unused discriminator for a username.
// Caller holds the write lock.
func (s *State) allocateDiscriminator(username string) (string, error) {
	taken, ok := s.usernames[username]
	if !ok {
		taken = make(map[string]bool)
		s.usernames[username] = taken
	}
	if len(taken) >= maxDiscriminators {
		return "", ErrDiscriminatorsExhausted
	}

	for try := 0; try < 100; try++ {
		d := fmt.Sprintf("%04d", rand.Intn(9999)+1)
		if !taken[d] {
			taken[d] = true
			return d, nil
		}
	}
	for i := 1; i <= 9999; i++ {
		d := fmt.Sprintf("%04d", i)
		if !taken[d] {
			taken[d] = true
			return d, nil
		}
	}
	return "", ErrDiscriminatorsExhausted
}

// ChangeUsername renames a user, rolling a fresh discriminator under the
// new name.
func (s *State) ChangeUsername(userID, username string) (*User, error) {
	s.Lock()
	defer s.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if username == u.Username {
		return u, nil
	}

	discriminator, err := s.allocateDiscriminator(username)
	if err != nil {
		return nil, err
	}
	if taken, ok := s.usernames[u.Username]; ok {
		delete(taken, u.Discriminator)
		if len(taken) == 0 {
			delete(s.usernames, u.Username)
		}
	}
	u.Username = username
	u.Discriminator = discriminator
	return u, nil
}

// UpdateUser applies an edit to a user under the write lock. Username
// changes must go through ChangeUsername so discriminators stay unique.
func (s *State) UpdateUser(id string, apply func(*User)) (*User, error) {
	s.Lock()
	defer s.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	apply(u)
	return u, nil
}

// SetToken binds a token to a user, dropping the user's previous token.
// The replaced token is returned so storage can forget it too.
func (s *State) SetToken(token, userID string) (previous string) {
	s.Lock()
	defer s.Unlock()

	if old, ok := s.userTokens[userID]; ok {
		delete(s.tokens, old)
		previous = old
	}
	s.tokens[token] = userID
	s.userTokens[userID] = token
	return
}

// Guild returns the guild with the given ID.
func (s *State) Guild(id string) (*Guild, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

// Guilds returns every guild.
func (s *State) Guilds() []*Guild {
	s.RLock()
	defer s.RUnlock()
	out := make([]*Guild, 0, len(s.guilds))
	for _, g := range s.guilds {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return IDLess(out[i].ID, out[j].ID) })
	return out
}

// GuildCount returns how many guilds exist.
func (s *State) GuildCount() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.guilds)
}

// AddGuild registers a guild. Channels, roles and members are attached
// through their own methods.
func (s *State) AddGuild(g *Guild) {
	s.Lock()
	defer s.Unlock()

	if g.Members == nil {
		g.Members = make(map[string]*Member)
	}
	if g.Roles == nil {
		g.Roles = make(map[string]*Role)
	}
	if g.Bans == nil {
		g.Bans = make(map[string]bool)
	}
	if g.Viewers == nil {
		g.Viewers = NewLockSet()
	}
	if g.Features == nil {
		g.Features = []string{}
	}
	s.guilds[g.ID] = g
}

// RemoveGuild drops a guild along with its channels, messages and invites.
func (s *State) RemoveGuild(id string) (*Guild, error) {
	s.Lock()
	defer s.Unlock()

	g, ok := s.guilds[id]
	if !ok {
		return nil, ErrNotFound
	}
	for _, chID := range g.ChannelIDs {
		s.dropChannel(chID)
	}
	for uid := range g.Members {
		if mg, ok := s.memberGuilds[uid]; ok {
			delete(mg, id)
			if len(mg) == 0 {
				delete(s.memberGuilds, uid)
			}
		}
	}
	for code, inv := range s.invites {
		if inv.GuildID == id {
			delete(s.invites, code)
		}
	}
	delete(s.guilds, id)
	return g, nil
}

// UpdateGuild applies an edit to a guild under the write lock.
func (s *State) UpdateGuild(id string, apply func(*Guild)) (*Guild, error) {
	s.Lock()
	defer s.Unlock()
	g, ok := s.guilds[id]
	if !ok {
		return nil, ErrNotFound
	}
	apply(g)
	return g, nil
}

// Member returns the guild member for a user.
func (s *State) Member(guildID, userID string) (*Member, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := g.Members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// IsMember reports whether the user belongs to the guild.
func (s *State) IsMember(guildID, userID string) bool {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return false
	}
	_, ok = g.Members[userID]
	return ok
}

// MemberCount returns how many members a guild has.
func (s *State) MemberCount(guildID string) (int, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return 0, ErrNotFound
	}
	return len(g.Members), nil
}

// AddMember attaches a member to a guild.
func (s *State) AddMember(guildID string, m *Member) error {
	s.Lock()
	defer s.Unlock()

	g, ok := s.guilds[guildID]
	if !ok {
		return ErrNotFound
	}
	m.GuildID = guildID
	g.Members[m.UserID] = m

	mg, ok := s.memberGuilds[m.UserID]
	if !ok {
		mg = make(map[string]bool)
		s.memberGuilds[m.UserID] = mg
	}
	mg[guildID] = true
	return nil
}

// RemoveMember detaches a user from a guild and unsubscribes it from the
// guild's events.
func (s *State) RemoveMember(guildID, userID string) (*Member, error) {
	s.Lock()
	defer s.Unlock()

	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := g.Members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	delete(g.Members, userID)
	g.Viewers.Remove(userID)

	if mg, ok := s.memberGuilds[userID]; ok {
		delete(mg, guildID)
		if len(mg) == 0 {
			delete(s.memberGuilds, userID)
		}
	}
	return m, nil
}

// UpdateMember applies an edit to a guild member under the write lock.
func (s *State) UpdateMember(guildID, userID string, apply func(*Member)) (*Member, error) {
	s.Lock()
	defer s.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := g.Members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	apply(m)
	return m, nil
}

// GuildsForUser returns the guilds a user belongs to, oldest first.
func (s *State) GuildsForUser(userID string) []*Guild {
	s.RLock()
	defer s.RUnlock()

	ids := make([]string, 0, len(s.memberGuilds[userID]))
	for gid := range s.memberGuilds[userID] {
		ids = append(ids, gid)
	}
	sort.Slice(ids, func(i, j int) bool { return IDLess(ids[i], ids[j]) })

	out := make([]*Guild, 0, len(ids))
	for _, gid := range ids {
		if g, ok := s.guilds[gid]; ok {
			out = append(out, g)
		}
	}
	return out
}

// SetBan adds a user to the guild's ban set.
func (s *State) SetBan(guildID, userID string) error {
	s.Lock()
	defer s.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return ErrNotFound
	}
	g.Bans[userID] = true
	return nil
}

// RemoveBan lifts a user's ban.
func (s *State) RemoveBan(guildID, userID string) error {
	s.Lock()
	defer s.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return ErrNotFound
	}
	if !g.Bans[userID] {
		return ErrNotFound
	}
	delete(g.Bans, userID)
	return nil
}

// IsBanned reports whether the user is banned from the guild.
func (s *State) IsBanned(guildID, userID string) bool {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return false
	}
	return g.Bans[userID]
}

// Bans returns the public users banned from a guild.
func (s *State) Bans(guildID string) ([]*User, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*User, 0, len(g.Bans))
	for uid := range g.Bans {
		if u, ok := s.users[uid]; ok {
			out = append(out, u.Public())
		}
	}
	sort.Slice(out, func(i, j int) bool { return IDLess(out[i].ID, out[j].ID) })
	return out, nil
}

// Channel returns the channel with the given ID.
func (s *State) Channel(id string) (*Channel, error) {
	s.RLock()
	defer s.RUnlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ch, nil
}

// AddChannel attaches a channel to its guild.
func (s *State) AddChannel(ch *Channel) error {
	s.Lock()
	defer s.Unlock()

	g, ok := s.guilds[ch.GuildID]
	if !ok {
		return ErrNotFound
	}
	s.channels[ch.ID] = ch
	g.ChannelIDs = append(g.ChannelIDs, ch.ID)
	return nil
}

// RestoreChannel reinstates a loaded channel without touching the guild's
// channel list, which is persisted with the guild.
func (s *State) RestoreChannel(ch *Channel) {
	s.Lock()
	defer s.Unlock()
	s.channels[ch.ID] = ch
}

// RemoveChannel drops a channel with its messages and invites.
func (s *State) RemoveChannel(id string) (*Channel, error) {
	s.Lock()
	defer s.Unlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	if g, ok := s.guilds[ch.GuildID]; ok {
		for i, cid := range g.ChannelIDs {
			if cid == id {
				g.ChannelIDs = append(g.ChannelIDs[:i], g.ChannelIDs[i+1:]...)
				break
			}
		}
	}
	s.dropChannel(id)
	return ch, nil
}

// UpdateChannel applies an edit to a channel under the write lock.
func (s *State) UpdateChannel(id string, apply func(*Channel)) (*Channel, error) {
	s.Lock()
	defer s.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, ErrNotFound
	}
	apply(ch)
	cp := *ch
	return &cp, nil
}

// dropChannel removes a channel with everything hanging off it. Caller
// holds the write lock.
func (s *State) dropChannel(id string) {
	for _, mid := range s.channelMessages[id] {
		delete(s.messages, mid)
	}
	delete(s.channelMessages, id)
	for code, inv := range s.invites {
		if inv.ChannelID == id {
			delete(s.invites, code)
		}
	}
	delete(s.channels, id)
}

// GuildChannels returns a guild's channels in creation order.
func (s *State) GuildChannels(guildID string) ([]*Channel, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Channel, 0, len(g.ChannelIDs))
	for _, cid := range g.ChannelIDs {
		if ch, ok := s.channels[cid]; ok {
			cp := *ch
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Role returns a guild role.
func (s *State) Role(guildID, roleID string) (*Role, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	r, ok := g.Roles[roleID]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// AddRole attaches a role to a guild.
func (s *State) AddRole(guildID string, r *Role) error {
	s.Lock()
	defer s.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return ErrNotFound
	}
	r.GuildID = guildID
	g.Roles[r.ID] = r
	return nil
}

// UpdateRole applies an edit to a role under the write lock.
func (s *State) UpdateRole(guildID, roleID string, apply func(*Role)) (*Role, error) {
	s.Lock()
	defer s.Unlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	r, ok := g.Roles[roleID]
	if !ok {
		return nil, ErrNotFound
	}
	apply(r)
	cp := *r
	return &cp, nil
}

// RemoveRole drops a role and strips it from every member holding it,
// reporting which members were touched.
func (s *State) RemoveRole(guildID, roleID string) (*Role, []string, error) {
	s.Lock()
	defer s.Unlock()

	g, ok := s.guilds[guildID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	r, ok := g.Roles[roleID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	delete(g.Roles, roleID)
	var stripped []string
	for uid, m := range g.Members {
		for i, rid := range m.Roles {
			if rid == roleID {
				m.Roles = append(m.Roles[:i], m.Roles[i+1:]...)
				stripped = append(stripped, uid)
				break
			}
		}
	}
	return r, stripped, nil
}

// GuildRoles returns a guild's roles ordered by position.
func (s *State) GuildRoles(guildID string) ([]*Role, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Role, 0, len(g.Roles))
	for _, r := range g.Roles {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return IDLess(out[i].ID, out[j].ID)
	})
	return out, nil
}

// Message returns the message with the given ID.
func (s *State) Message(id string) (*Message, error) {
	s.RLock()
	defer s.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

// AddMessage registers a message under its channel, advancing the
// channel's last message and evicting cached entries beyond the cap. The
// IDs of evicted messages are returned so storage can drop them too.
func (s *State) AddMessage(m *Message) ([]string, error) {
	s.Lock()
	defer s.Unlock()

	ch, ok := s.channels[m.ChannelID]
	if !ok {
		return nil, ErrNotFound
	}
	s.messages[m.ID] = m
	list := append(s.channelMessages[m.ChannelID], m.ID)

	var evicted []string
	for len(list) > s.MaxMessageCount {
		old := list[0]
		list = list[1:]
		delete(s.messages, old)
		evicted = append(evicted, old)
	}
	s.channelMessages[m.ChannelID] = list
	ch.LastMessageID = m.ID
	return evicted, nil
}

// RestoreMessage reinstates a loaded message. Messages must be restored in
// ascending ID order per channel.
func (s *State) RestoreMessage(m *Message) {
	s.Lock()
	defer s.Unlock()
	s.messages[m.ID] = m
	s.channelMessages[m.ChannelID] = append(s.channelMessages[m.ChannelID], m.ID)
}

// RemoveMessage drops a single message.
func (s *State) RemoveMessage(id string) (*Message, error) {
	s.Lock()
	defer s.Unlock()
	return s.removeMessage(id)
}

// removeMessage drops a message from the cache and its channel index.
// Caller holds the write lock.
func (s *State) removeMessage(id string) (*Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.messages, id)
	list := s.channelMessages[m.ChannelID]
	for i, mid := range list {
		if mid == id {
			s.channelMessages[m.ChannelID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return m, nil
}

// RemoveMessages drops a batch of messages from one channel, returning
// those actually removed.
func (s *State) RemoveMessages(channelID string, ids []string) []*Message {
	s.Lock()
	defer s.Unlock()

	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.removeMessage(id)
		if err != nil || m.ChannelID != channelID {
			continue
		}
		out = append(out, m)
	}
	return out
}

// EditMessage replaces a message's content, stamping the edit time.
func (s *State) EditMessage(id, content string, mentionIDs []string, editedAt Timestamp) (*Message, error) {
	s.Lock()
	defer s.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Content = content
	m.MentionIDs = mentionIDs
	m.EditedTimestamp = editedAt
	return m, nil
}

// SetPinned flips a message's pinned flag.
func (s *State) SetPinned(id string, pinned bool) (*Message, error) {
	s.Lock()
	defer s.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	m.Pinned = pinned
	return m, nil
}

// PinnedMessages returns the pinned messages of a channel, oldest first.
func (s *State) PinnedMessages(channelID string) []*Message {
	s.RLock()
	defer s.RUnlock()
	var out []*Message
	for _, mid := range s.channelMessages[channelID] {
		if m, ok := s.messages[mid]; ok && m.Pinned {
			out = append(out, s.messagePayload(m))
		}
	}
	return out
}

// ChannelMessages returns up to limit messages of a channel, newest first,
// all older than before when set.
func (s *State) ChannelMessages(channelID, before string, limit int) []*Message {
	s.RLock()
	defer s.RUnlock()

	list := s.channelMessages[channelID]
	end := len(list)
	if before != "" {
		end = sort.Search(len(list), func(i int) bool { return !IDLess(list[i], before) })
	}

	out := make([]*Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		if m, ok := s.messages[list[i]]; ok {
			out = append(out, s.messagePayload(m))
		}
	}
	return out
}

// AuthorMessages returns, per channel, the IDs of an author's guild
// messages no older than the cutoff.
func (s *State) AuthorMessages(guildID, authorID string, cutoff time.Time) map[string][]string {
	s.RLock()
	defer s.RUnlock()

	g, ok := s.guilds[guildID]
	if !ok {
		return nil
	}
	out := make(map[string][]string)
	for _, chID := range g.ChannelIDs {
		for _, mid := range s.channelMessages[chID] {
			m, ok := s.messages[mid]
			if !ok || m.AuthorID != authorID {
				continue
			}
			if ts, err := m.Timestamp.Parse(); err == nil && ts.Before(cutoff) {
				continue
			}
			out[chID] = append(out[chID], mid)
		}
	}
	return out
}

// RegisterNonce remembers an author's message nonce, reporting false when
// the nonce was already seen recently.
func (s *State) RegisterNonce(authorID, nonce string) bool {
	s.Lock()
	defer s.Unlock()

	r, ok := s.nonces[authorID]
	if !ok {
		r = &nonceRing{seen: make(map[string]bool)}
		s.nonces[authorID] = r
	}
	if r.seen[nonce] {
		return false
	}
	r.seen[nonce] = true
	r.order = append(r.order, nonce)
	if len(r.order) > nonceWindow {
		old := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, old)
	}
	return true
}

// Invite returns the invite with the given code.
func (s *State) Invite(code string) (*Invite, error) {
	s.RLock()
	defer s.RUnlock()
	inv, ok := s.invites[code]
	if !ok {
		return nil, ErrNotFound
	}
	return inv, nil
}

// AddInvite registers an invite.
func (s *State) AddInvite(inv *Invite) {
	s.Lock()
	defer s.Unlock()
	s.invites[inv.Code] = inv
}

// GuildInvites returns a guild's invites in no particular order.
func (s *State) GuildInvites(guildID string) []*Invite {
	s.RLock()
	defer s.RUnlock()
	var out []*Invite
	for _, inv := range s.invites {
		if inv.GuildID == guildID {
			out = append(out, inv)
		}
	}
	return out
}

// RemoveInvite drops an invite.
func (s *State) RemoveInvite(code string) (*Invite, error) {
	s.Lock()
	defer s.Unlock()
	inv, ok := s.invites[code]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.invites, code)
	return inv, nil
}

// UseInvite burns one use off an invite. Spent or expired invites are
// dropped on the spot, without waiting for the janitor.
func (s *State) UseInvite(code string, now time.Time) (*Invite, error) {
	s.Lock()
	defer s.Unlock()

	inv, ok := s.invites[code]
	if !ok {
		return nil, ErrNotFound
	}
	if !inv.Use(now) {
		delete(s.invites, code)
		return nil, ErrInviteExpired
	}
	if inv.UsesLeft == 0 {
		delete(s.invites, code)
	}
	return inv, nil
}

// SweepInvites removes every invite no longer valid at the given instant
// and returns them.
func (s *State) SweepInvites(now time.Time) []*Invite {
	s.Lock()
	defer s.Unlock()

	var swept []*Invite
	for code, inv := range s.invites {
		if !inv.Valid(now) {
			delete(s.invites, code)
			swept = append(swept, inv)
		}
	}
	return swept
}

// Counts reports entity totals for the status surface.
func (s *State) Counts() (users, guilds, channels, messages int) {
	s.RLock()
	defer s.RUnlock()
	return len(s.users), len(s.guilds), len(s.channels), len(s.messages)
}
