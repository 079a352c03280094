package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack"

	"github.com/palaver-chat/palaver/state"
)

// Redis is a Repository backed by redis hashes under a shared key prefix.
type Redis struct {
	log    zerolog.Logger
	client *redis.Client
	prefix string
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(logger zerolog.Logger, address, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return &Redis{
		log:    logger,
		client: client,
		prefix: prefix,
	}, nil
}

func (r *Redis) usersKey() string   { return fmt.Sprintf("%s:users", r.prefix) }
func (r *Redis) tokensKey() string  { return fmt.Sprintf("%s:tokens", r.prefix) }
func (r *Redis) guildsKey() string  { return fmt.Sprintf("%s:guilds", r.prefix) }
func (r *Redis) invitesKey() string { return fmt.Sprintf("%s:invites", r.prefix) }

func (r *Redis) channelsKey() string { return fmt.Sprintf("%s:channels", r.prefix) }

func (r *Redis) membersKey(guildID string) string {
	return fmt.Sprintf("%s:guild:%s:members", r.prefix, guildID)
}

func (r *Redis) rolesKey(guildID string) string {
	return fmt.Sprintf("%s:guild:%s:roles", r.prefix, guildID)
}

func (r *Redis) messagesKey(channelID string) string {
	return fmt.Sprintf("%s:channel:%s:messages", r.prefix, channelID)
}

func (r *Redis) saveHash(ctx context.Context, key, field string, v interface{}) (err error) {
	ma, err := msgpack.Marshal(v)
	if err == nil {
		err = r.client.HSet(ctx, key, field, ma).Err()
	}
	return
}

// Load rebuilds the full in-memory state from redis.
func (r *Redis) Load(ctx context.Context, maxMessages int) (*state.State, error) {
	s := state.NewState(maxMessages)

	users, err := r.client.HGetAll(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	for id, raw := range users {
		u := &state.User{}
		if err := msgpack.Unmarshal([]byte(raw), u); err != nil {
			return nil, fmt.Errorf("decoding user %s: %w", id, err)
		}
		s.RestoreUser(u)
	}

	tokens, err := r.client.HGetAll(ctx, r.tokensKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}
	for token, userID := range tokens {
		s.SetToken(token, userID)
	}

	guilds, err := r.client.HGetAll(ctx, r.guildsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("loading guilds: %w", err)
	}
	for id, raw := range guilds {
		g := &state.Guild{}
		if err := msgpack.Unmarshal([]byte(raw), g); err != nil {
			return nil, fmt.Errorf("decoding guild %s: %w", id, err)
		}
		s.AddGuild(g)

		members, err := r.client.HGetAll(ctx, r.membersKey(g.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("loading members of %s: %w", g.ID, err)
		}
		for uid, rawMember := range members {
			m := &state.Member{}
			if err := msgpack.Unmarshal([]byte(rawMember), m); err != nil {
				return nil, fmt.Errorf("decoding member %s of %s: %w", uid, g.ID, err)
			}
			if err := s.AddMember(g.ID, m); err != nil {
				return nil, err
			}
		}

		roles, err := r.client.HGetAll(ctx, r.rolesKey(g.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("loading roles of %s: %w", g.ID, err)
		}
		for rid, rawRole := range roles {
			role := &state.Role{}
			if err := msgpack.Unmarshal([]byte(rawRole), role); err != nil {
				return nil, fmt.Errorf("decoding role %s of %s: %w", rid, g.ID, err)
			}
			if err := s.AddRole(g.ID, role); err != nil {
				return nil, err
			}
		}
	}

	channels, err := r.client.HGetAll(ctx, r.channelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("loading channels: %w", err)
	}
	for id, raw := range channels {
		ch := &state.Channel{}
		if err := msgpack.Unmarshal([]byte(raw), ch); err != nil {
			return nil, fmt.Errorf("decoding channel %s: %w", id, err)
		}
		s.RestoreChannel(ch)

		messages, err := r.client.HGetAll(ctx, r.messagesKey(ch.ID)).Result()
		if err != nil {
			return nil, fmt.Errorf("loading messages of %s: %w", ch.ID, err)
		}
		decoded := make([]*state.Message, 0, len(messages))
		for mid, rawMessage := range messages {
			m := &state.Message{}
			if err := msgpack.Unmarshal([]byte(rawMessage), m); err != nil {
				return nil, fmt.Errorf("decoding message %s of %s: %w", mid, ch.ID, err)
			}
			decoded = append(decoded, m)
		}
		sort.Slice(decoded, func(i, j int) bool { return state.IDLess(decoded[i].ID, decoded[j].ID) })
		for _, m := range decoded {
			s.RestoreMessage(m)
		}
	}

	invites, err := r.client.HGetAll(ctx, r.invitesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("loading invites: %w", err)
	}
	for code, raw := range invites {
		inv := &state.Invite{}
		if err := msgpack.Unmarshal([]byte(raw), inv); err != nil {
			return nil, fmt.Errorf("decoding invite %s: %w", code, err)
		}
		s.AddInvite(inv)
	}

	r.log.Info().
		Int("users", len(users)).
		Int("guilds", len(guilds)).
		Int("channels", len(channels)).
		Msg("Loaded state from redis")
	return s, nil
}

// SaveUser saves the user into redis.
func (r *Redis) SaveUser(ctx context.Context, u *state.User) error {
	return r.saveHash(ctx, r.usersKey(), u.ID, u)
}

// SaveToken saves a token binding into redis.
func (r *Redis) SaveToken(ctx context.Context, token, userID string) error {
	return r.client.HSet(ctx, r.tokensKey(), token, userID).Err()
}

// DeleteToken removes a token binding from redis.
func (r *Redis) DeleteToken(ctx context.Context, token string) error {
	return r.client.HDel(ctx, r.tokensKey(), token).Err()
}

// SaveGuild saves the guild into redis. Members and roles live in their
// own hashes.
func (r *Redis) SaveGuild(ctx context.Context, g *state.Guild) error {
	return r.saveHash(ctx, r.guildsKey(), g.ID, g)
}

// DeleteGuild removes the guild with its member and role hashes.
func (r *Redis) DeleteGuild(ctx context.Context, id string) (err error) {
	err = r.client.HDel(ctx, r.guildsKey(), id).Err()
	if err == nil {
		err = r.client.Del(ctx, r.membersKey(id), r.rolesKey(id)).Err()
	}
	return
}

// SaveMember saves the member into redis.
func (r *Redis) SaveMember(ctx context.Context, m *state.Member) error {
	return r.saveHash(ctx, r.membersKey(m.GuildID), m.UserID, m)
}

// DeleteMember removes the member from redis.
func (r *Redis) DeleteMember(ctx context.Context, guildID, userID string) error {
	return r.client.HDel(ctx, r.membersKey(guildID), userID).Err()
}

// SaveRole saves the role into redis.
func (r *Redis) SaveRole(ctx context.Context, role *state.Role) error {
	return r.saveHash(ctx, r.rolesKey(role.GuildID), role.ID, role)
}

// DeleteRole removes the role from redis.
func (r *Redis) DeleteRole(ctx context.Context, guildID, roleID string) error {
	return r.client.HDel(ctx, r.rolesKey(guildID), roleID).Err()
}

// SaveChannel saves the channel into redis.
func (r *Redis) SaveChannel(ctx context.Context, ch *state.Channel) error {
	return r.saveHash(ctx, r.channelsKey(), ch.ID, ch)
}

// DeleteChannel removes the channel with its message hash.
func (r *Redis) DeleteChannel(ctx context.Context, id string) (err error) {
	err = r.client.HDel(ctx, r.channelsKey(), id).Err()
	if err == nil {
		err = r.client.Del(ctx, r.messagesKey(id)).Err()
	}
	return
}

// SaveMessage saves the message into redis.
func (r *Redis) SaveMessage(ctx context.Context, m *state.Message) error {
	return r.saveHash(ctx, r.messagesKey(m.ChannelID), m.ID, m)
}

// DeleteMessage removes the message from redis.
func (r *Redis) DeleteMessage(ctx context.Context, channelID, id string) error {
	return r.client.HDel(ctx, r.messagesKey(channelID), id).Err()
}

// SaveInvite saves the invite into redis.
func (r *Redis) SaveInvite(ctx context.Context, inv *state.Invite) error {
	return r.saveHash(ctx, r.invitesKey(), inv.Code, inv)
}

// DeleteInvite removes the invite from redis.
func (r *Redis) DeleteInvite(ctx context.Context, code string) error {
	return r.client.HDel(ctx, r.invitesKey(), code).Err()
}

// Reset removes every key under the repository's prefix.
func (r *Redis) Reset(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, fmt.Sprintf("%s:*", r.prefix), 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// Close releases the redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
