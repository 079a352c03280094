// Package gateway implements the realtime websocket surface: the
// connection state machine, resumable sessions with event replay,
// presence tracking and per guild fan-out.
package gateway

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/metrics"
	"github.com/palaver-chat/palaver/producer"
	"github.com/palaver-chat/palaver/state"
)

// Options tune the gateway. Zero values fall back to defaults.
type Options struct {
	// HeartbeatMin and HeartbeatMax bound the interval handed to each
	// connection in HELLO.
	HeartbeatMin time.Duration
	HeartbeatMax time.Duration

	// SendBuffer is the outbound queue depth per connection. A client
	// that falls this far behind is closed as a slow consumer.
	SendBuffer int

	// DetachedTTL is how long a detached session stays resumable before
	// the janitor removes it.
	DetachedTTL time.Duration
}

// Gateway owns every websocket connection and the session, presence and
// fan-out machinery behind them.
type Gateway struct {
	state    *state.State
	producer *producer.Producer
	log      zerolog.Logger

	sessions   *SessionRegistry
	dispatcher *Dispatcher
	tracker    *PresenceTracker

	identifyLimits *identifyLimiter

	upgrader websocket.Upgrader

	connsMu sync.Mutex
	conns   map[*connection]struct{}

	opts Options

	// Fake hostnames surfaced through the _trace field.
	traceMain    string
	traceHello   string
	traceSession string
	traceResumer string
}

// NewGateway wires a gateway over the given state. The producer may be
// nil when no broker is configured.
func NewGateway(st *state.State, prod *producer.Producer, logger zerolog.Logger, opts Options) *Gateway {
	if opts.HeartbeatMin <= 0 {
		opts.HeartbeatMin = defaultHeartbeatMin
	}
	if opts.HeartbeatMax < opts.HeartbeatMin {
		opts.HeartbeatMax = opts.HeartbeatMin + (defaultHeartbeatMax - defaultHeartbeatMin)
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.DetachedTTL <= 0 {
		opts.DetachedTTL = defaultDetachedTTL
	}

	return &Gateway{
		state:          st,
		producer:       prod,
		log:            logger.With().Str("component", "gateway").Logger(),
		sessions:       NewSessionRegistry(),
		dispatcher:     NewDispatcher(),
		tracker:        NewPresenceTracker(),
		identifyLimits: newIdentifyLimiter(),
		conns:          make(map[*connection]struct{}),
		opts:           opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Auth is token based over the socket, the Origin header
			// carries no trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		traceMain:    tracePhase("main"),
		traceHello:   tracePhase("hello"),
		traceSession: tracePhase("session"),
		traceResumer: tracePhase("resumer"),
	}
}

// tracePhase mints a fake hostname for the _trace debugging field.
func tracePhase(phase string) string {
	return fmt.Sprintf("palaver-%s-%d", phase, rand.Intn(99)+1)
}

// trace returns the _trace list for one lifecycle phase.
func (g *Gateway) trace(phase string) []string {
	switch phase {
	case "hello":
		return []string{g.traceMain, g.traceHello}
	case "resume":
		return []string{g.traceMain, g.traceResumer}
	default:
		return []string{g.traceMain, g.traceSession}
	}
}

// ServeHTTP upgrades the request into a gateway connection. Query
// parameters are checked after the upgrade so a bad handshake still
// gets a websocket close code rather than an HTTP error.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}
	ws.SetReadLimit(readLimitGuard)

	c := &connection{
		gw:                g,
		log:               g.log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
		ws:                ws,
		heartbeatInterval: g.heartbeatInterval(),
		send:              make(chan sentPayload, g.opts.SendBuffer),
		done:              make(chan struct{}),
		limits:            newOpLimiters(),
	}

	query := r.URL.Query()

	if v := query.Get("v"); v != "" && v != strconv.Itoa(GatewayVersion) {
		c.closeWithCode(CloseUnknownError, "Unsupported gateway version")
		return
	}

	codec, ok := codecFor(query.Get("encoding"))
	if !ok {
		c.closeWithCode(CloseUnknownError, "Unsupported encoding")
		return
	}
	c.codec = codec

	if query.Get("compress") == "zstd-stream" {
		c.zstd = newZstdStream()
	}

	g.connsMu.Lock()
	g.conns[c] = struct{}{}
	g.connsMu.Unlock()

	c.run()
}

// heartbeatInterval picks a random interval inside the configured
// range, spreading client heartbeats over time.
func (g *Gateway) heartbeatInterval() time.Duration {
	spread := g.opts.HeartbeatMax - g.opts.HeartbeatMin
	if spread <= 0 {
		return g.opts.HeartbeatMin
	}
	return g.opts.HeartbeatMin + time.Duration(rand.Int63n(int64(spread)+1))
}

func (g *Gateway) dropConnection(c *connection) {
	g.connsMu.Lock()
	delete(g.conns, c)
	g.connsMu.Unlock()
}

// destroySession removes a session for good. Safe to call more than
// once for the same session.
func (g *Gateway) destroySession(sess *Session) {
	if _, ok := g.sessions.Remove(sess.ID); !ok {
		return
	}
	g.dispatcher.Unregister(sess)
	metrics.SessionsActive.Dec()

	g.log.Info().
		Str("session", sess.ID).
		Str("user", sess.UserID).
		Msg("Session destroyed")
}

// invalidateSession answers a failed resume. The socket stays open so
// the client can identify fresh. The matched session, if any, is gone.
func (g *Gateway) invalidateSession(c *connection, sess *Session) {
	if sess != nil {
		g.destroySession(sess)
	}
	metrics.Resumes.WithLabelValues("invalid").Inc()
	c.enqueue(sentPayload{Op: OpInvalidSession, Data: false})
}

// setPresence records a user's presence and fans the change out to
// every guild they belong to.
func (g *Gateway) setPresence(userID, status string, game *state.Game) {
	g.tracker.SetUser(userID, status, game)

	user, err := g.state.User(userID)
	if err != nil {
		return
	}
	public := user.Public()

	for _, guild := range g.state.GuildsForUser(userID) {
		if !g.tracker.Update(guild.ID, userID, status, game) {
			continue
		}

		member, err := g.state.Member(guild.ID, userID)
		if err != nil {
			continue
		}

		g.DispatchGuild(guild.ID, "PRESENCE_UPDATE", PresenceUpdate{
			User:    public,
			GuildID: guild.ID,
			Status:  status,
			Game:    game,
			Roles:   append([]string{}, member.Roles...),
		})
	}
}

// RefreshPresence re-fans a user's current presence to every guild they
// are in. Used after membership changes so a joining member does not
// look offline to the guild.
func (g *Gateway) RefreshPresence(userID string) {
	status, game := state.StatusOffline, (*state.Game)(nil)
	if p, ok := g.tracker.UserStatus(userID); ok {
		status, game = p.Status, p.Game
	}
	g.setPresence(userID, status, game)
}

// DropMember forgets one member's presence in one guild after they
// leave or are removed.
func (g *Gateway) DropMember(guildID, userID string) {
	g.tracker.Update(guildID, userID, state.StatusOffline, nil)
}

// DropGuild forgets a deleted guild's presence table.
func (g *Gateway) DropGuild(guildID string) {
	g.tracker.Drop(guildID)
}

// WatchGuild marks a user as a viewer of a guild if any of their
// sessions watches guilds implicitly. Atomic clients opt in later with
// GUILD_SYNC.
func (g *Gateway) WatchGuild(guildID, userID string) {
	guild, err := g.state.Guild(guildID)
	if err != nil {
		return
	}
	for _, sess := range g.dispatcher.Sessions(userID) {
		if !sess.Atomic() {
			guild.Viewers.Add(userID)
			return
		}
	}
}

// UnwatchGuild removes a user from a guild's viewer set.
func (g *Gateway) UnwatchGuild(guildID, userID string) {
	if guild, err := g.state.Guild(guildID); err == nil {
		guild.Viewers.Remove(userID)
	}
}

// guildPresences snapshots a guild's presences, sorted for stable
// payloads, plus the set of online members.
func (g *Gateway) guildPresences(guildID string) ([]*state.Presence, map[string]bool) {
	statuses := g.tracker.Statuses(guildID)

	online := make(map[string]bool, len(statuses))
	presences := make([]*state.Presence, 0, len(statuses))

	for userID, p := range statuses {
		user, err := g.state.User(userID)
		if err != nil {
			continue
		}
		online[userID] = true
		presences = append(presences, &state.Presence{
			User:    user.Public(),
			GuildID: guildID,
			Status:  p.Status,
			Game:    p.Game,
		})
	}

	sort.Slice(presences, func(i, j int) bool {
		return presences[i].User.ID < presences[j].User.ID
	})

	return presences, online
}

// buildGuildPayload renders one guild for READY or GUILD_CREATE. Guilds
// over the large threshold only carry their online members.
func (g *Gateway) buildGuildPayload(guildID string, largeThreshold int) (*state.GuildPayload, error) {
	presences, online := g.guildPresences(guildID)

	count, err := g.state.MemberCount(guildID)
	if err != nil {
		return nil, err
	}

	return g.state.BuildGuildPayload(guildID, presences, online, count > largeThreshold)
}

// GuildPayload renders the full guild object for the HTTP surface and
// the GUILD_CREATE events it pushes.
func (g *Gateway) GuildPayload(guildID string) (*state.GuildPayload, error) {
	return g.buildGuildPayload(guildID, state.LargeMemberThreshold)
}

// DispatchGuild fans an event out to every session watching the guild
// and offers it to the firehose. Users with no sessions left fall out
// of the viewer set.
func (g *Gateway) DispatchGuild(guildID, eventType string, data interface{}) {
	guild, err := g.state.Guild(guildID)
	if err != nil {
		return
	}

	for _, userID := range guild.Viewers.Get() {
		if g.dispatcher.DispatchUser(userID, eventType, data) == 0 {
			guild.Viewers.Remove(userID)
		}
	}

	g.producer.Publish(eventType, data)
	metrics.EventsDispatched.WithLabelValues(eventType).Inc()
}

// DispatchUser fans an event out to one user's sessions only.
func (g *Gateway) DispatchUser(userID, eventType string, data interface{}) {
	g.dispatcher.DispatchUser(userID, eventType, data)
	g.producer.Publish(eventType, data)
	metrics.EventsDispatched.WithLabelValues(eventType).Inc()
}

// DispatchChannel fans an event out to the guild owning the channel.
// Channel level permission filtering is a documented extension point.
func (g *Gateway) DispatchChannel(channelID, eventType string, data interface{}) {
	ch, err := g.state.Channel(channelID)
	if err != nil {
		return
	}
	g.DispatchGuild(ch.GuildID, eventType, data)
}

// SweepSessions removes sessions detached longer than the configured
// TTL and reports how many went.
func (g *Gateway) SweepSessions() int {
	swept := g.sessions.SweepDetached(g.opts.DetachedTTL)
	for _, sess := range swept {
		g.dispatcher.Unregister(sess)
		metrics.SessionsActive.Dec()
		metrics.SessionsSwept.Inc()

		g.log.Info().
			Str("session", sess.ID).
			Str("user", sess.UserID).
			Msg("Detached session swept")
	}
	return len(swept)
}

// SweepLimiters drops identify limiters idle longer than age.
func (g *Gateway) SweepLimiters(age time.Duration) {
	g.identifyLimits.Sweep(age)
}

// Counts reports open connections and registered sessions.
func (g *Gateway) Counts() (connections, sessions int) {
	g.connsMu.Lock()
	connections = len(g.conns)
	g.connsMu.Unlock()
	return connections, g.sessions.Count()
}

// Close asks every connected client to reconnect, then drops the
// sockets.
func (g *Gateway) Close() {
	g.connsMu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.connsMu.Unlock()

	g.log.Info().Int("connections", len(conns)).Msg("Closing gateway")

	for _, c := range conns {
		c.writePayload(sentPayload{Op: OpReconnect})
		c.closeWithCode(websocket.CloseNormalClosure, "Server is restarting")
	}
}
