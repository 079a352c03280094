package state

import (
	"sort"
	"strings"
)

// memberPayload resolves a member's user into the wire form. Caller holds
// at least the read lock.
func (s *State) memberPayload(m *Member) *Member {
	cp := *m
	if u, ok := s.users[m.UserID]; ok {
		cp.User = u.Public()
	}
	if cp.Roles == nil {
		cp.Roles = []string{}
	}
	return &cp
}

// MemberPayload returns the wire form of a guild member.
func (s *State) MemberPayload(guildID, userID string) (*Member, error) {
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
	return s.memberPayload(m), nil
}

// GuildMembers returns a guild's members in wire form, ordered by user ID.
// A non-nil filter keeps only the user IDs it accepts.
func (s *State) GuildMembers(guildID string, filter func(userID string) bool) ([]*Member, error) {
	s.RLock()
	defer s.RUnlock()
	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]*Member, 0, len(g.Members))
	for uid, m := range g.Members {
		if filter != nil && !filter(uid) {
			continue
		}
		out = append(out, s.memberPayload(m))
	}
	sort.Slice(out, func(i, j int) bool { return IDLess(out[i].UserID, out[j].UserID) })
	return out, nil
}

// MembersByPrefix returns members whose username starts with the query,
// compared case insensitively. An empty query matches everyone.
func (s *State) MembersByPrefix(guildID, query string, limit int) ([]*Member, error) {
	s.RLock()
	defer s.RUnlock()

	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}

	query = strings.ToLower(query)
	out := make([]*Member, 0, len(g.Members))
	for uid, m := range g.Members {
		if query != "" {
			u, ok := s.users[uid]
			if !ok || !strings.HasPrefix(strings.ToLower(u.Username), query) {
				continue
			}
		}
		out = append(out, s.memberPayload(m))
	}
	sort.Slice(out, func(i, j int) bool { return IDLess(out[i].UserID, out[j].UserID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// BuildGuildPayload assembles the full guild object. presences come from
// the presence tracker; when membersOnline is set only members whose user
// ID is in online ship, the shape large guilds use.
func (s *State) BuildGuildPayload(guildID string, presences []*Presence, online map[string]bool, membersOnline bool) (*GuildPayload, error) {
	s.RLock()
	defer s.RUnlock()

	g, ok := s.guilds[guildID]
	if !ok {
		return nil, ErrNotFound
	}

	p := &GuildPayload{
		ID:                g.ID,
		Name:              g.Name,
		Icon:              g.Icon,
		Splash:            g.Splash,
		OwnerID:           g.OwnerID,
		Region:            g.Region,
		AFKChannelID:      g.AFKChannelID,
		AFKTimeout:        g.AFKTimeout,
		VerificationLevel: g.VerificationLevel,
		Features:          g.Features,
		Large:             g.Large(),
		MemberCount:       len(g.Members),
		Members:           []*Member{},
		Channels:          []*Channel{},
		Roles:             []*Role{},
		Presences:         presences,
	}
	if p.Features == nil {
		p.Features = []string{}
	}
	if p.Presences == nil {
		p.Presences = []*Presence{}
	}

	for uid, m := range g.Members {
		if membersOnline && !online[uid] {
			continue
		}
		p.Members = append(p.Members, s.memberPayload(m))
	}
	sort.Slice(p.Members, func(i, j int) bool { return IDLess(p.Members[i].UserID, p.Members[j].UserID) })

	for _, cid := range g.ChannelIDs {
		if ch, ok := s.channels[cid]; ok {
			cp := *ch
			p.Channels = append(p.Channels, &cp)
		}
	}

	for _, r := range g.Roles {
		cp := *r
		p.Roles = append(p.Roles, &cp)
	}
	sort.Slice(p.Roles, func(i, j int) bool {
		if p.Roles[i].Position != p.Roles[j].Position {
			return p.Roles[i].Position < p.Roles[j].Position
		}
		return IDLess(p.Roles[i].ID, p.Roles[j].ID)
	})

	return p, nil
}

// messagePayload resolves a message's author and mentions. Caller holds at
// least the read lock.
func (s *State) messagePayload(m *Message) *Message {
	cp := *m
	if u, ok := s.users[m.AuthorID]; ok {
		cp.Author = u.Public()
	}
	cp.Mentions = []*User{}
	for _, uid := range m.MentionIDs {
		if u, ok := s.users[uid]; ok {
			cp.Mentions = append(cp.Mentions, u.Public())
		}
	}
	if cp.MentionRoles == nil {
		cp.MentionRoles = []string{}
	}
	if cp.Attachments == nil {
		cp.Attachments = []*Attachment{}
	}
	return &cp
}

// MessagePayload returns the wire form of a message.
func (s *State) MessagePayload(id string) (*Message, error) {
	s.RLock()
	defer s.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.messagePayload(m), nil
}

// BuildInvitePayload assembles the wire form of an invite. Uses carries
// the uses the invite has left, -1 when unlimited.
func (s *State) BuildInvitePayload(inv *Invite) *InvitePayload {
	s.RLock()
	defer s.RUnlock()

	p := &InvitePayload{
		Code:      inv.Code,
		Uses:      inv.UsesLeft,
		Temporary: inv.Temporary,
		CreatedAt: inv.CreatedAt,
	}
	if g, ok := s.guilds[inv.GuildID]; ok {
		p.Guild = &InviteGuild{ID: g.ID, Name: g.Name, Icon: g.Icon, Splash: g.Splash}
	}
	if ch, ok := s.channels[inv.ChannelID]; ok {
		p.Channel = &InvitePlace{ID: ch.ID, Name: ch.Name, Type: ch.Type}
	}
	if u, ok := s.users[inv.InviterID]; ok {
		p.Inviter = u.Public()
	}
	return p
}
