package gateway

import (
	"sync"

	"github.com/palaver-chat/palaver/state"
)

// memberPresence is what the tracker stores per guild member and per
// user.
type memberPresence struct {
	Status string
	Game   *state.Game
}

// PresenceTracker remembers the last presence seen per guild member,
// plus each user's current global status. Offline members carry no
// entry at all.
type PresenceTracker struct {
	mu     sync.RWMutex
	guilds map[string]map[string]memberPresence
	users  map[string]memberPresence
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{
		guilds: make(map[string]map[string]memberPresence),
		users:  make(map[string]memberPresence),
	}
}

// Update records a member's presence in one guild. Offline removes the
// entry. changed is false when the stored presence already matches,
// letting callers skip the dispatch.
func (t *PresenceTracker) Update(guildID, userID, status string, game *state.Game) (changed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	guild := t.guilds[guildID]

	if status == state.StatusOffline {
		if _, ok := guild[userID]; !ok {
			return false
		}
		delete(guild, userID)
		if len(guild) == 0 {
			delete(t.guilds, guildID)
		}
		return true
	}

	if old, ok := guild[userID]; ok && old.Status == status && gameEqual(old.Game, game) {
		return false
	}

	if guild == nil {
		guild = make(map[string]memberPresence)
		t.guilds[guildID] = guild
	}
	guild[userID] = memberPresence{Status: status, Game: game}
	return true
}

// SetUser records a user's global status, the one new guild entries
// start from.
func (t *PresenceTracker) SetUser(userID, status string, game *state.Game) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status == state.StatusOffline {
		delete(t.users, userID)
		return
	}
	t.users[userID] = memberPresence{Status: status, Game: game}
}

// UserStatus returns a user's global status. ok is false when the user
// is offline everywhere.
func (t *PresenceTracker) UserStatus(userID string) (p memberPresence, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok = t.users[userID]
	return
}

// Statuses returns a copy of one guild's presence table.
func (t *PresenceTracker) Statuses(guildID string) map[string]memberPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]memberPresence, len(t.guilds[guildID]))
	for uid, p := range t.guilds[guildID] {
		out[uid] = p
	}
	return out
}

// Drop forgets a guild entirely.
func (t *PresenceTracker) Drop(guildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.guilds, guildID)
}

func gameEqual(a, b *state.Game) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Name == b.Name && a.Type == b.Type && a.URL == b.URL
}
