// Package rest serves the HTTP mutation surface: accounts, guilds,
// channels, messages and invites. Every mutation validates the caller,
// applies the change to the in-memory state, persists it, then pushes
// the matching event through the gateway.
package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/palaver-chat/palaver/gateway"
	"github.com/palaver-chat/palaver/snowflake"
	"github.com/palaver-chat/palaver/state"
	"github.com/palaver-chat/palaver/store"
)

// Options carry the knobs the HTTP surface needs beyond its
// collaborators.
type Options struct {
	// GatewayURL is the websocket URL advertised on /api/gateway.
	GatewayURL string

	// AdminToken guards /api/admin. Empty leaves the routes unmounted.
	AdminToken string
}

// Server is the HTTP mutation surface.
type Server struct {
	log   zerolog.Logger
	state *state.State
	store store.Repository
	gw    *gateway.Gateway
	ids   *snowflake.Generator
	opts  Options

	router *gin.Engine
	limits *restLimits

	startedAt time.Time
}

// NewServer mounts every route and returns the surface ready to serve.
func NewServer(st *state.State, repo store.Repository, gw *gateway.Gateway, ids *snowflake.Generator, logger zerolog.Logger, opts Options) *Server {
	s := &Server{
		log:       logger.With().Str("component", "rest").Logger(),
		state:     st,
		store:     repo,
		gw:        gw,
		ids:       ids,
		opts:      opts,
		limits:    newRestLimits(),
		startedAt: time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	s.router = r

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.POST("/auth/register", s.register)
	api.POST("/auth/login", s.login)
	api.GET("/gateway", s.getGateway)
	api.GET("/invites/:code", s.getInvite)

	authed := api.Group("")
	authed.Use(s.authRequired(), s.rateLimited())
	{
		authed.GET("/gateway/bot", s.getGatewayBot)

		authed.GET("/users/@me", s.getMe)
		authed.PATCH("/users/@me", s.patchMe)
		authed.GET("/users/@me/guilds", s.getMyGuilds)
		authed.DELETE("/users/@me/guilds/:guild_id", s.leaveGuild)

		authed.POST("/guilds", s.createGuild)
		authed.GET("/guilds/:guild_id", s.getGuild)
		authed.PATCH("/guilds/:guild_id", s.patchGuild)
		authed.DELETE("/guilds/:guild_id", s.deleteGuild)

		authed.GET("/guilds/:guild_id/channels", s.getGuildChannels)
		authed.POST("/guilds/:guild_id/channels", s.createChannel)

		authed.GET("/guilds/:guild_id/members", s.getGuildMembers)
		authed.GET("/guilds/:guild_id/members/:user_id", s.getGuildMember)
		authed.PATCH("/guilds/:guild_id/members/@me/nick", s.patchNick)
		authed.DELETE("/guilds/:guild_id/members/:user_id", s.kickMember)

		authed.GET("/guilds/:guild_id/bans", s.getBans)
		authed.PUT("/guilds/:guild_id/bans/:user_id", s.banMember)
		authed.DELETE("/guilds/:guild_id/bans/:user_id", s.unbanMember)

		authed.POST("/guilds/:guild_id/roles", s.createRole)
		authed.PATCH("/guilds/:guild_id/roles/:role_id", s.patchRole)
		authed.DELETE("/guilds/:guild_id/roles/:role_id", s.deleteRole)

		authed.GET("/channels/:channel_id", s.getChannel)
		authed.PATCH("/channels/:channel_id", s.patchChannel)
		authed.DELETE("/channels/:channel_id", s.deleteChannel)

		authed.GET("/channels/:channel_id/messages", s.getMessages)
		authed.POST("/channels/:channel_id/messages", s.postMessage)
		authed.GET("/channels/:channel_id/messages/:message_id", s.getMessage)
		authed.PATCH("/channels/:channel_id/messages/:message_id", s.patchMessage)
		authed.DELETE("/channels/:channel_id/messages/:message_id", s.deleteMessage)
		authed.POST("/channels/:channel_id/messages/bulk-delete", s.bulkDeleteMessages)

		authed.GET("/channels/:channel_id/pins", s.getPins)
		authed.PUT("/channels/:channel_id/pins/:message_id", s.pinMessage)
		authed.DELETE("/channels/:channel_id/pins/:message_id", s.unpinMessage)

		authed.POST("/channels/:channel_id/typing", s.postTyping)
		authed.POST("/channels/:channel_id/invites", s.createInvite)

		authed.POST("/invites/:code", s.acceptInvite)
		authed.DELETE("/invites/:code", s.deleteInvite)
	}

	if opts.AdminToken != "" {
		admin := api.Group("/admin")
		admin.Use(s.adminRequired())
		admin.GET("/status", s.adminStatus)
	}

	return s
}

// Handler exposes the surface for mounting and for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SweepLimiters drops request limiters idle longer than age.
func (s *Server) SweepLimiters(age time.Duration) {
	s.limits.Sweep(age)
}

// persist checks a primary storage write. On failure the request is
// answered with a 500 and the caller must stop before dispatching.
func (s *Server) persist(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Storage write failed")
	failWith(c, http.StatusInternalServerError, "Storage failure")
	return false
}

// getGateway hands clients the websocket URL.
func (s *Server) getGateway(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"url": s.opts.GatewayURL})
}

// getGatewayBot adds the shard count the calling bot should spread its
// guilds over.
func (s *Server) getGatewayBot(c *gin.Context) {
	user := currentUser(c)

	shards := (len(s.state.GuildsForUser(user.ID)) + 999) / 1000
	if shards < 1 {
		shards = 1
	}

	c.JSON(http.StatusOK, gin.H{
		"url":    s.opts.GatewayURL,
		"shards": shards,
	})
}
