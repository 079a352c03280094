package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/palaver-chat/palaver/state"
)

// getMe returns the account's own view, email included.
func (s *Server) getMe(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

// patchMe edits the account. A username change rolls a fresh
// discriminator under the new name.
func (s *Server) patchMe(c *gin.Context) {
	user := currentUser(c)

	var req struct {
		Username *string `json:"username"`
		Avatar   *string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}

	if req.Username != nil {
		name := *req.Username
		if len(name) < 2 || len(name) > 32 {
			fail(c, errInvalidFormBody)
			return
		}
		if _, err := s.state.ChangeUsername(user.ID, name); err != nil {
			failWith(c, http.StatusBadRequest, "Too many users share this username")
			return
		}
	}
	if req.Avatar != nil {
		if _, err := s.state.UpdateUser(user.ID, func(u *state.User) {
			u.Avatar = *req.Avatar
		}); err != nil {
			fail(c, errUnknownUser)
			return
		}
	}

	if !s.persist(c, s.store.SaveUser(c.Request.Context(), user)) {
		return
	}

	s.gw.DispatchUser(user.ID, "USER_UPDATE", user)

	c.JSON(http.StatusOK, user)
}

// getMyGuilds lists the guilds the account belongs to, trimmed to the
// fields clients show in a guild list.
func (s *Server) getMyGuilds(c *gin.Context) {
	user := currentUser(c)

	guilds := s.state.GuildsForUser(user.ID)
	out := make([]gin.H, 0, len(guilds))
	for _, g := range guilds {
		out = append(out, gin.H{
			"id":       g.ID,
			"name":     g.Name,
			"icon":     g.Icon,
			"owner":    g.OwnerID == user.ID,
			"owner_id": g.OwnerID,
		})
	}

	c.JSON(http.StatusOK, out)
}

// leaveGuild removes the account from a guild. The leaver gets
// GUILD_DELETE, everyone else GUILD_MEMBER_REMOVE.
func (s *Server) leaveGuild(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.state.IsMember(guild.ID, user.ID) {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID == user.ID {
		failWith(c, http.StatusBadRequest, "Guild owners cannot leave their own guild")
		return
	}

	if !s.removeFromGuild(c, guild, user) {
		return
	}

	c.Status(http.StatusNoContent)
}
