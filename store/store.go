// Package store persists the chat graph. The redis implementation lays
// each collection out as a prefixed hash; the memory implementation backs
// tests and single node setups that can afford to lose history on restart.
package store

import (
	"context"

	"github.com/palaver-chat/palaver/state"
)

// Repository persists the chat graph. Implementations are safe for
// concurrent use. Deleting an aggregate does not cascade: callers remove
// channels, messages and invites explicitly before removing their guild,
// mirroring how the in-memory state hands the removed IDs back.
type Repository interface {
	// Load rebuilds the full in-memory state.
	Load(ctx context.Context, maxMessages int) (*state.State, error)

	SaveUser(ctx context.Context, u *state.User) error

	SaveToken(ctx context.Context, token, userID string) error
	DeleteToken(ctx context.Context, token string) error

	SaveGuild(ctx context.Context, g *state.Guild) error
	// DeleteGuild drops the guild row along with its member and role
	// collections.
	DeleteGuild(ctx context.Context, id string) error

	SaveMember(ctx context.Context, m *state.Member) error
	DeleteMember(ctx context.Context, guildID, userID string) error

	SaveRole(ctx context.Context, r *state.Role) error
	DeleteRole(ctx context.Context, guildID, roleID string) error

	SaveChannel(ctx context.Context, ch *state.Channel) error
	// DeleteChannel drops the channel row along with its message
	// collection.
	DeleteChannel(ctx context.Context, id string) error

	SaveMessage(ctx context.Context, m *state.Message) error
	DeleteMessage(ctx context.Context, channelID, id string) error

	SaveInvite(ctx context.Context, inv *state.Invite) error
	DeleteInvite(ctx context.Context, code string) error

	// Reset wipes everything the repository holds.
	Reset(ctx context.Context) error

	Close() error
}
