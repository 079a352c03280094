package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack"

	"github.com/palaver-chat/palaver/state"
)

// Memory is a Repository kept in process memory. Values are stored in
// their msgpack form so the wire tags see the same traffic as the redis
// backend.
type Memory struct {
	mu sync.Mutex

	users    map[string][]byte
	tokens   map[string]string
	guilds   map[string][]byte
	members  map[string]map[string][]byte // guild ID -> user ID
	roles    map[string]map[string][]byte // guild ID -> role ID
	channels map[string][]byte
	messages map[string]map[string][]byte // channel ID -> message ID
	invites  map[string][]byte
}

// NewMemory returns an empty in-memory Repository.
func NewMemory() *Memory {
	m := &Memory{}
	m.reset()
	return m
}

func (m *Memory) reset() {
	m.users = make(map[string][]byte)
	m.tokens = make(map[string]string)
	m.guilds = make(map[string][]byte)
	m.members = make(map[string]map[string][]byte)
	m.roles = make(map[string]map[string][]byte)
	m.channels = make(map[string][]byte)
	m.messages = make(map[string]map[string][]byte)
	m.invites = make(map[string][]byte)
}

func (m *Memory) put(outer map[string]map[string][]byte, outerKey, innerKey string, v interface{}) (err error) {
	ma, err := msgpack.Marshal(v)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inner, ok := outer[outerKey]
	if !ok {
		inner = make(map[string][]byte)
		outer[outerKey] = inner
	}
	inner[innerKey] = ma
	return
}

// Load rebuilds the full in-memory state.
func (m *Memory) Load(ctx context.Context, maxMessages int) (*state.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := state.NewState(maxMessages)

	for id, raw := range m.users {
		u := &state.User{}
		if err := msgpack.Unmarshal(raw, u); err != nil {
			return nil, fmt.Errorf("decoding user %s: %w", id, err)
		}
		s.RestoreUser(u)
	}
	for token, userID := range m.tokens {
		s.SetToken(token, userID)
	}
	for id, raw := range m.guilds {
		g := &state.Guild{}
		if err := msgpack.Unmarshal(raw, g); err != nil {
			return nil, fmt.Errorf("decoding guild %s: %w", id, err)
		}
		s.AddGuild(g)
		for uid, rawMember := range m.members[g.ID] {
			member := &state.Member{}
			if err := msgpack.Unmarshal(rawMember, member); err != nil {
				return nil, fmt.Errorf("decoding member %s of %s: %w", uid, g.ID, err)
			}
			if err := s.AddMember(g.ID, member); err != nil {
				return nil, err
			}
		}
		for rid, rawRole := range m.roles[g.ID] {
			role := &state.Role{}
			if err := msgpack.Unmarshal(rawRole, role); err != nil {
				return nil, fmt.Errorf("decoding role %s of %s: %w", rid, g.ID, err)
			}
			if err := s.AddRole(g.ID, role); err != nil {
				return nil, err
			}
		}
	}
	for id, raw := range m.channels {
		ch := &state.Channel{}
		if err := msgpack.Unmarshal(raw, ch); err != nil {
			return nil, fmt.Errorf("decoding channel %s: %w", id, err)
		}
		s.RestoreChannel(ch)

		decoded := make([]*state.Message, 0, len(m.messages[ch.ID]))
		for mid, rawMessage := range m.messages[ch.ID] {
			msg := &state.Message{}
			if err := msgpack.Unmarshal(rawMessage, msg); err != nil {
				return nil, fmt.Errorf("decoding message %s of %s: %w", mid, ch.ID, err)
			}
			decoded = append(decoded, msg)
		}
		sort.Slice(decoded, func(i, j int) bool { return state.IDLess(decoded[i].ID, decoded[j].ID) })
		for _, msg := range decoded {
			s.RestoreMessage(msg)
		}
	}
	for code, raw := range m.invites {
		inv := &state.Invite{}
		if err := msgpack.Unmarshal(raw, inv); err != nil {
			return nil, fmt.Errorf("decoding invite %s: %w", code, err)
		}
		s.AddInvite(inv)
	}
	return s, nil
}

// SaveUser stores the user.
func (m *Memory) SaveUser(ctx context.Context, u *state.User) (err error) {
	ma, err := msgpack.Marshal(u)
	if err == nil {
		m.mu.Lock()
		m.users[u.ID] = ma
		m.mu.Unlock()
	}
	return
}

// SaveToken stores a token binding.
func (m *Memory) SaveToken(ctx context.Context, token, userID string) error {
	m.mu.Lock()
	m.tokens[token] = userID
	m.mu.Unlock()
	return nil
}

// DeleteToken removes a token binding.
func (m *Memory) DeleteToken(ctx context.Context, token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	m.mu.Unlock()
	return nil
}

// SaveGuild stores the guild row.
func (m *Memory) SaveGuild(ctx context.Context, g *state.Guild) (err error) {
	ma, err := msgpack.Marshal(g)
	if err == nil {
		m.mu.Lock()
		m.guilds[g.ID] = ma
		m.mu.Unlock()
	}
	return
}

// DeleteGuild removes the guild row with its member and role collections.
func (m *Memory) DeleteGuild(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.guilds, id)
	delete(m.members, id)
	delete(m.roles, id)
	m.mu.Unlock()
	return nil
}

// SaveMember stores the member.
func (m *Memory) SaveMember(ctx context.Context, member *state.Member) error {
	return m.put(m.members, member.GuildID, member.UserID, member)
}

// DeleteMember removes the member.
func (m *Memory) DeleteMember(ctx context.Context, guildID, userID string) error {
	m.mu.Lock()
	if inner, ok := m.members[guildID]; ok {
		delete(inner, userID)
	}
	m.mu.Unlock()
	return nil
}

// SaveRole stores the role.
func (m *Memory) SaveRole(ctx context.Context, role *state.Role) error {
	return m.put(m.roles, role.GuildID, role.ID, role)
}

// DeleteRole removes the role.
func (m *Memory) DeleteRole(ctx context.Context, guildID, roleID string) error {
	m.mu.Lock()
	if inner, ok := m.roles[guildID]; ok {
		delete(inner, roleID)
	}
	m.mu.Unlock()
	return nil
}

// SaveChannel stores the channel.
func (m *Memory) SaveChannel(ctx context.Context, ch *state.Channel) (err error) {
	ma, err := msgpack.Marshal(ch)
	if err == nil {
		m.mu.Lock()
		m.channels[ch.ID] = ma
		m.mu.Unlock()
	}
	return
}

// DeleteChannel removes the channel with its message collection.
func (m *Memory) DeleteChannel(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.channels, id)
	delete(m.messages, id)
	m.mu.Unlock()
	return nil
}

// SaveMessage stores the message.
func (m *Memory) SaveMessage(ctx context.Context, msg *state.Message) error {
	return m.put(m.messages, msg.ChannelID, msg.ID, msg)
}

// DeleteMessage removes the message.
func (m *Memory) DeleteMessage(ctx context.Context, channelID, id string) error {
	m.mu.Lock()
	if inner, ok := m.messages[channelID]; ok {
		delete(inner, id)
	}
	m.mu.Unlock()
	return nil
}

// SaveInvite stores the invite.
func (m *Memory) SaveInvite(ctx context.Context, inv *state.Invite) (err error) {
	ma, err := msgpack.Marshal(inv)
	if err == nil {
		m.mu.Lock()
		m.invites[inv.Code] = ma
		m.mu.Unlock()
	}
	return
}

// DeleteInvite removes the invite.
func (m *Memory) DeleteInvite(ctx context.Context, code string) error {
	m.mu.Lock()
	delete(m.invites, code)
	m.mu.Unlock()
	return nil
}

// Reset wipes everything.
func (m *Memory) Reset(ctx context.Context) error {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
	return nil
}

// Close is a no-op for the memory backend.
func (m *Memory) Close() error {
	return nil
}
