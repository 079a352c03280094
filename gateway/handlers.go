package gateway

import (
	"errors"
	"time"

	"github.com/palaver-chat/palaver/metrics"
	"github.com/palaver-chat/palaver/state"
)

// handle routes one decoded payload to its op handler. Unknown ops and
// semantic ops sent before authentication end the connection.
func (g *Gateway) handle(c *connection, p receivedPayload) error {
	switch p.Op {
	case OpHeartbeat, OpIdentify, OpStatusUpdate, OpVoiceStateUpdate,
		OpVoiceServerPing, OpResume, OpRequestGuildMembers, OpGuildSync:
	default:
		return closeWith(CloseDecodeError, "Unknown opcode")
	}

	if c.sess == nil {
		switch p.Op {
		case OpHeartbeat, OpIdentify, OpResume:
		default:
			return closeWith(CloseNotAuthenticated, "Not authenticated")
		}
	}

	switch p.Op {
	case OpHeartbeat:
		return g.handleHeartbeat(c, p)
	case OpIdentify:
		return g.handleIdentify(c, p)
	case OpStatusUpdate:
		return g.handleStatusUpdate(c, p)
	case OpVoiceStateUpdate:
		return g.handleVoiceStateUpdate(c, p)
	case OpVoiceServerPing:
		c.log.Debug().Msg("Voice server ping")
		return nil
	case OpResume:
		return g.handleResume(c, p)
	case OpRequestGuildMembers:
		return g.handleRequestGuildMembers(c, p)
	case OpGuildSync:
		return g.handleGuildSync(c, p)
	}

	return nil
}

// handleHeartbeat rearms the deadline and acks. The payload is the
// client's last seen sequence, null before the first dispatch.
func (g *Gateway) handleHeartbeat(c *connection, p receivedPayload) error {
	if len(p.Data) != 0 && string(p.Data) != "null" {
		var seq int64
		if err := json.Unmarshal(p.Data, &seq); err != nil {
			return closeWith(CloseInvalidSeq, "Heartbeat sequence is not a number")
		}
		if c.sess != nil {
			c.sess.mu.Lock()
			c.sess.ackSeq = seq
			c.sess.mu.Unlock()
			c.log.Trace().Int64("seq", seq).Msg("Heartbeat")
		}
	}

	c.refreshDeadline()
	c.enqueue(sentPayload{Op: OpHeartbeatACK})
	return nil
}

// handleIdentify authenticates the connection and establishes a fresh
// session, ending with READY.
func (g *Gateway) handleIdentify(c *connection, p receivedPayload) error {
	if c.sess != nil {
		return closeWith(CloseAlreadyAuthenticated, "Already authenticated")
	}

	var ident Identify
	if err := json.Unmarshal(p.Data, &ident); err != nil || ident.Token == "" {
		return closeWith(CloseDecodeError, "Invalid identify payload")
	}

	user, err := g.state.UserByToken(ident.Token)
	if err != nil {
		return closeWith(CloseAuthenticationFailed, "Authentication failed.")
	}

	if !g.identifyLimits.Allow(user.ID) {
		return closeWith(CloseSessionTimeout, "You are identifying too fast.")
	}

	if err := validShard(ident.Shard, user.Bot); err != nil {
		return closeWith(CloseShardingRequired, err.Error())
	}

	if ident.LargeThreshold <= 0 {
		ident.LargeThreshold = defaultLargeThreshold
	}
	if ident.LargeThreshold > maxLargeThreshold {
		ident.LargeThreshold = maxLargeThreshold
	}

	guilds := g.state.GuildsForUser(user.ID)

	sharded := len(ident.Shard) == 2 && ident.Shard[1] > 1
	if user.Bot && !sharded && len(guilds) > maxUnshardedGuilds {
		return closeWith(CloseShardingRequired, "Sharding required")
	}

	sess, err := g.sessions.Create(user.ID, user.Bot, ident)
	if err != nil {
		return closeWith(CloseSessionTimeout, "Could not allocate a session")
	}
	c.sess = sess
	metrics.SessionsActive.Inc()

	// Presence goes first so the guild payloads below already see this
	// user online. The session is not registered yet, so none of the
	// resulting PRESENCE_UPDATEs can reach it ahead of READY.
	status, game := state.StatusOnline, (*state.Game)(nil)
	if ident.Presence != nil {
		status = normalizeStatus(ident.Presence.Status)
		game = ident.Presence.Game
	}
	g.setPresence(user.ID, status, game)

	// Non-atomic clients watch every guild they belong to from the
	// start. Atomic clients subscribe later through GUILD_SYNC.
	if !sess.Atomic() {
		for _, guild := range guilds {
			guild.Viewers.Add(user.ID)
		}
	}

	ready := Ready{
		Version:         GatewayVersion,
		User:            user.Public(),
		PrivateChannels: []interface{}{},
		Guilds:          []interface{}{},
		SessionID:       sess.ID,
		Trace:           g.trace("ready"),
	}

	var stream []*state.GuildPayload
	for _, guild := range guilds {
		payload, err := g.buildGuildPayload(guild.ID, sess.LargeThreshold)
		if err != nil {
			continue
		}
		if user.Bot {
			ready.Guilds = append(ready.Guilds, UnavailableGuild{ID: guild.ID, Unavailable: true})
			stream = append(stream, payload)
		} else {
			ready.Guilds = append(ready.Guilds, payload)
		}
	}

	sess.attach(c)
	c.enqueue(sentPayload{
		Op:      OpDispatch,
		Data:    ready,
		Type:    "READY",
		deflate: sess.Compress && sess.Properties.Browser != noCompressBrowser,
	})

	g.dispatcher.Register(sess)

	// Guild streaming: bots get the full guilds as ordinary dispatches
	// after READY.
	for _, payload := range stream {
		sess.Dispatch("GUILD_CREATE", payload)
		metrics.EventsDispatched.WithLabelValues("GUILD_CREATE").Inc()
	}

	c.log.Info().
		Str("session", sess.ID).
		Str("user", user.ID).
		Int("guilds", len(guilds)).
		Bool("bot", user.Bot).
		Msg("Session established")

	return nil
}

// handleResume reattaches a dropped session to this connection and
// replays what it missed.
func (g *Gateway) handleResume(c *connection, p receivedPayload) error {
	if c.sess != nil {
		return closeWith(CloseAlreadyAuthenticated, "Already authenticated")
	}

	var res Resume
	if err := json.Unmarshal(p.Data, &res); err != nil || res.SessionID == "" {
		g.invalidateSession(c, nil)
		return nil
	}

	sess, ok := g.sessions.Get(res.SessionID)
	if !ok {
		c.log.Info().Str("session", res.SessionID).Msg("Resume for unknown session")
		g.invalidateSession(c, nil)
		return nil
	}

	user, err := g.state.UserByToken(res.Token)
	if err != nil || user.ID != sess.UserID {
		c.log.Warn().Str("session", sess.ID).Msg("Resume with a mismatched token")
		g.invalidateSession(c, sess)
		return nil
	}

	sess.mu.Lock()

	if !sess.ring.Resumable(res.Seq, sess.sentSeq) {
		seq := sess.sentSeq
		sess.mu.Unlock()
		c.log.Info().
			Str("session", sess.ID).
			Int64("client_seq", res.Seq).
			Int64("sent_seq", seq).
			Msg("Resume outside the replay window")
		g.invalidateSession(c, sess)
		return nil
	}

	// Take the session over. A lingering previous connection is closed
	// once the lock is released.
	old := sess.conn
	sess.conn = c
	sess.detachedAt = time.Time{}

	// Replay inside the session lock so live dispatches cannot
	// interleave with the backlog.
	var presences []interface{}
	replayed := 0
	for _, ev := range sess.ring.Since(res.Seq) {
		if ev.Type == "PRESENCE_UPDATE" {
			presences = append(presences, ev.Data)
			continue
		}
		c.enqueue(sentPayload{Op: OpDispatch, Data: ev.Data, Sequence: ev.Sequence, Type: ev.Type})
		replayed++
	}

	if len(presences) > 0 {
		sess.sentSeq++
		sess.ring.Add(ringEvent{Sequence: sess.sentSeq, Type: "PRESENCES_REPLACE", Data: presences})
		c.enqueue(sentPayload{Op: OpDispatch, Data: presences, Sequence: sess.sentSeq, Type: "PRESENCES_REPLACE"})
		replayed++
	}

	c.enqueue(sentPayload{Op: OpDispatch, Data: Resumed{Trace: g.trace("resume")}, Type: "RESUMED"})

	sess.mu.Unlock()

	c.sess = sess

	if old != nil && old != c {
		go old.closeWithCode(CloseUnknownError, "Session taken over")
	}

	// The user went offline when the old connection dropped. Surface
	// them again.
	status, game := state.StatusOnline, (*state.Game)(nil)
	if cur, ok := g.tracker.UserStatus(sess.UserID); ok {
		status, game = cur.Status, cur.Game
	}
	g.setPresence(sess.UserID, status, game)

	metrics.Resumes.WithLabelValues("ok").Inc()
	metrics.EventsReplayed.Add(float64(replayed))

	c.log.Info().
		Str("session", sess.ID).
		Int64("from", res.Seq).
		Int("replayed", replayed).
		Msg("Session resumed")

	return nil
}

// handleStatusUpdate records a new presence and fans it out. Excess
// updates are dropped, not fatal.
func (g *Gateway) handleStatusUpdate(c *connection, p receivedPayload) error {
	if !c.limits.presence.Allow() {
		c.log.Debug().Msg("Presence update dropped")
		return nil
	}

	var su StatusUpdate
	if err := json.Unmarshal(p.Data, &su); err != nil {
		return nil
	}

	status := normalizeStatus(su.Status)
	if su.AFK || su.Since > 0 {
		status = state.StatusIdle
	}

	var game *state.Game
	if su.Game != nil && su.Game.Name != "" {
		game = &state.Game{Name: su.Game.Name, Type: su.Game.Type, URL: su.Game.URL}
	}

	g.setPresence(c.sess.UserID, status, game)
	return nil
}

// handleVoiceStateUpdate accepts the op for protocol compatibility.
// There is no media backend, so nothing moves.
func (g *Gateway) handleVoiceStateUpdate(c *connection, p receivedPayload) error {
	var vsu struct {
		GuildID   string `json:"guild_id"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(p.Data, &vsu); err != nil {
		return nil
	}

	ch, err := g.state.Channel(vsu.ChannelID)
	if err != nil || ch.Type != state.ChannelTypeGuildVoice || ch.GuildID != vsu.GuildID {
		c.log.Debug().Str("channel", vsu.ChannelID).Msg("Voice state update for a non voice target")
		return nil
	}

	c.log.Info().
		Str("user", c.sess.UserID).
		Str("channel", ch.ID).
		Msg("Voice state update accepted, no media backend")
	return nil
}

// handleRequestGuildMembers pages a guild's members back to the
// session in chunks.
func (g *Gateway) handleRequestGuildMembers(c *connection, p receivedPayload) error {
	var req RequestGuildMembers
	if err := json.Unmarshal(p.Data, &req); err != nil || req.GuildID == "" {
		return closeWith(CloseDecodeError, "Invalid payload")
	}

	limit := req.Limit
	if limit <= 0 || limit > memberChunkSize {
		limit = memberChunkSize
	}

	if !g.state.IsMember(req.GuildID, c.sess.UserID) {
		return nil
	}

	members, err := g.state.MembersByPrefix(req.GuildID, req.Query, 0)
	if err != nil {
		return nil
	}

	if len(members) > memberChunkSize {
		for start := 0; start < len(members); start += memberChunkSize {
			end := start + memberChunkSize
			if end > len(members) {
				end = len(members)
			}
			c.sess.Dispatch("GUILD_MEMBERS_CHUNK", GuildMembersChunk{
				GuildID: req.GuildID,
				Members: members[start:end],
			})
		}
		return nil
	}

	if len(members) > limit {
		members = members[:limit]
	}
	c.sess.Dispatch("GUILD_MEMBERS_CHUNK", GuildMembersChunk{
		GuildID: req.GuildID,
		Members: members,
	})
	return nil
}

// handleGuildSync subscribes the session to the named guilds and sends
// back their member and presence snapshots.
func (g *Gateway) handleGuildSync(c *connection, p receivedPayload) error {
	var guildIDs []string
	if err := json.Unmarshal(p.Data, &guildIDs); err != nil {
		c.log.Debug().Msg("Guild sync payload is not a list")
		return nil
	}

	for _, guildID := range guildIDs {
		guild, err := g.state.Guild(guildID)
		if err != nil {
			continue
		}
		if !g.state.IsMember(guildID, c.sess.UserID) {
			continue
		}

		if c.sess.Atomic() {
			guild.Viewers.Add(c.sess.UserID)
		}

		presences, online := g.guildPresences(guildID)
		members, err := g.state.GuildMembers(guildID, func(uid string) bool { return online[uid] })
		if err != nil {
			continue
		}

		c.sess.Dispatch("GUILD_SYNC", GuildSync{
			ID:        guildID,
			Presences: presences,
			Members:   members,
		})
	}

	return nil
}

// normalizeStatus coerces a client supplied status into the stored
// set. Invisible shows as offline, anything unrecognized is online.
func normalizeStatus(status string) string {
	switch status {
	case state.StatusOnline, state.StatusIdle, state.StatusDND:
		return status
	case state.StatusInvisible, state.StatusOffline:
		return state.StatusOffline
	default:
		return state.StatusOnline
	}
}

// validShard accepts the identify shard pair. An absent pair means the
// single default shard.
func validShard(shard []int, bot bool) error {
	if len(shard) == 0 {
		return nil
	}
	if len(shard) != 2 {
		return errors.New("Invalid shard payload")
	}

	id, count := shard[0], shard[1]
	if count < 1 || id < 0 || id >= count {
		return errors.New("Invalid shard payload")
	}
	if count > 1 && !bot {
		return errors.New("User accounts cannot shard")
	}

	return nil
}
