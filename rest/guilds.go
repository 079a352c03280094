package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-chat/palaver/gateway"
	"github.com/palaver-chat/palaver/state"
)

// defaultRolePermissions is the permission set @everyone starts with.
const defaultRolePermissions = 104324673

// removeFromGuild pulls a member out, telling them and everyone left.
// Shared by leave, kick and ban.
func (s *Server) removeFromGuild(c *gin.Context, guild *state.Guild, target *state.User) bool {
	if _, err := s.state.RemoveMember(guild.ID, target.ID); err != nil {
		fail(c, errUnknownMember)
		return false
	}
	if !s.persist(c, s.store.DeleteMember(c.Request.Context(), guild.ID, target.ID)) {
		return false
	}

	s.gw.DropMember(guild.ID, target.ID)
	s.gw.DispatchUser(target.ID, "GUILD_DELETE", gateway.GuildDelete{ID: guild.ID})
	s.gw.DispatchGuild(guild.ID, "GUILD_MEMBER_REMOVE", gateway.GuildMemberRemove{
		GuildID: guild.ID,
		User:    target.Public(),
	})
	return true
}

// createGuild creates a guild with its #general channel and @everyone
// role, and puts the creator in it.
func (s *Server) createGuild(c *gin.Context) {
	user := currentUser(c)

	var req struct {
		Name              string                  `json:"name"`
		Region            string                  `json:"region"`
		Icon              string                  `json:"icon"`
		VerificationLevel state.VerificationLevel `json:"verification_level"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if len(req.Name) < 2 || len(req.Name) > 100 {
		fail(c, errInvalidFormBody)
		return
	}

	guildID := s.ids.Generate()
	guild := &state.Guild{
		ID:                guildID,
		Name:              req.Name,
		Icon:              req.Icon,
		Region:            req.Region,
		OwnerID:           user.ID,
		VerificationLevel: req.VerificationLevel,
		DefaultRoleID:     guildID,
	}
	s.state.AddGuild(guild)

	// @everyone shares the guild's ID, like the upstream protocol.
	everyone := &state.Role{
		ID:          guildID,
		Name:        "@everyone",
		Permissions: defaultRolePermissions,
	}
	s.state.AddRole(guildID, everyone)

	general := &state.Channel{
		ID:      s.ids.Generate(),
		GuildID: guildID,
		Name:    "general",
		Type:    state.ChannelTypeGuildText,
	}
	if err := s.state.AddChannel(general); err != nil {
		failWith(c, http.StatusInternalServerError, "Could not create the guild")
		return
	}

	member := &state.Member{
		UserID:   user.ID,
		JoinedAt: state.NewTimestamp(time.Now()),
		Roles:    []string{},
	}
	if err := s.state.AddMember(guildID, member); err != nil {
		failWith(c, http.StatusInternalServerError, "Could not create the guild")
		return
	}

	ctx := c.Request.Context()
	if !s.persist(c, s.store.SaveGuild(ctx, guild)) {
		return
	}
	if !s.persist(c, s.store.SaveRole(ctx, everyone)) {
		return
	}
	if !s.persist(c, s.store.SaveChannel(ctx, general)) {
		return
	}
	if !s.persist(c, s.store.SaveMember(ctx, member)) {
		return
	}

	s.gw.WatchGuild(guildID, user.ID)
	s.gw.RefreshPresence(user.ID)

	payload, err := s.gw.GuildPayload(guildID)
	if err != nil {
		failWith(c, http.StatusInternalServerError, "Could not create the guild")
		return
	}
	s.gw.DispatchUser(user.ID, "GUILD_CREATE", payload)

	s.log.Info().Str("guild", guildID).Str("owner", user.ID).Msg("Guild created")

	c.JSON(http.StatusCreated, payload)
}

// getGuild returns the full guild object.
func (s *Server) getGuild(c *gin.Context) {
	payload, err := s.gw.GuildPayload(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// patchGuild edits a guild. Owner only.
func (s *Server) patchGuild(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	var req struct {
		Name              *string                  `json:"name"`
		Region            *string                  `json:"region"`
		Icon              *string                  `json:"icon"`
		Splash            *string                  `json:"splash"`
		AFKChannelID      *string                  `json:"afk_channel_id"`
		AFKTimeout        *int                     `json:"afk_timeout"`
		VerificationLevel *state.VerificationLevel `json:"verification_level"`
		OwnerID           *string                  `json:"owner_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if req.Name != nil && (len(*req.Name) < 2 || len(*req.Name) > 100) {
		fail(c, errInvalidFormBody)
		return
	}
	if req.OwnerID != nil && !s.state.IsMember(guild.ID, *req.OwnerID) {
		fail(c, errUnknownUser)
		return
	}

	guild, err = s.state.UpdateGuild(guild.ID, func(g *state.Guild) {
		if req.Name != nil {
			g.Name = *req.Name
		}
		if req.Region != nil {
			g.Region = *req.Region
		}
		if req.Icon != nil {
			g.Icon = *req.Icon
		}
		if req.Splash != nil {
			g.Splash = *req.Splash
		}
		if req.AFKChannelID != nil {
			g.AFKChannelID = *req.AFKChannelID
		}
		if req.AFKTimeout != nil {
			g.AFKTimeout = *req.AFKTimeout
		}
		if req.VerificationLevel != nil {
			g.VerificationLevel = *req.VerificationLevel
		}
		if req.OwnerID != nil {
			g.OwnerID = *req.OwnerID
		}
	})
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}

	if !s.persist(c, s.store.SaveGuild(c.Request.Context(), guild)) {
		return
	}

	payload, err := s.gw.GuildPayload(guild.ID)
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	s.gw.DispatchGuild(guild.ID, "GUILD_UPDATE", payload)

	c.JSON(http.StatusOK, payload)
}

// deleteGuild removes a guild for good. Owner only.
func (s *Server) deleteGuild(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	// Viewers are told before the viewer set goes away with the guild.
	s.gw.DispatchGuild(guild.ID, "GUILD_DELETE", gateway.GuildDelete{ID: guild.ID})
	s.gw.DropGuild(guild.ID)

	invites := s.state.GuildInvites(guild.ID)
	removed, err := s.state.RemoveGuild(guild.ID)
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}

	ctx := c.Request.Context()
	for _, chID := range removed.ChannelIDs {
		if err := s.store.DeleteChannel(ctx, chID); err != nil {
			s.log.Warn().Err(err).Str("channel", chID).Msg("Channel not removed from storage")
		}
	}
	for _, inv := range invites {
		if err := s.store.DeleteInvite(ctx, inv.Code); err != nil {
			s.log.Warn().Err(err).Str("invite", inv.Code).Msg("Invite not removed from storage")
		}
	}
	if !s.persist(c, s.store.DeleteGuild(ctx, guild.ID)) {
		return
	}

	s.log.Info().Str("guild", guild.ID).Msg("Guild deleted")

	c.Status(http.StatusNoContent)
}

// getGuildChannels lists a guild's channels.
func (s *Server) getGuildChannels(c *gin.Context) {
	channels, err := s.state.GuildChannels(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	c.JSON(http.StatusOK, channels)
}

// createChannel adds a text or voice channel to a guild. Owner only.
func (s *Server) createChannel(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	var req struct {
		Name      string            `json:"name"`
		Type      state.ChannelType `json:"type"`
		Topic     string            `json:"topic"`
		Bitrate   int               `json:"bitrate"`
		UserLimit int               `json:"user_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if len(req.Name) < 2 || len(req.Name) > 100 {
		fail(c, errInvalidFormBody)
		return
	}
	if req.Type != state.ChannelTypeGuildText && req.Type != state.ChannelTypeGuildVoice {
		fail(c, errInvalidFormBody)
		return
	}

	channel := &state.Channel{
		ID:       s.ids.Generate(),
		GuildID:  guild.ID,
		Name:     req.Name,
		Type:     req.Type,
		Position: len(guild.ChannelIDs),
	}
	if req.Type == state.ChannelTypeGuildText {
		channel.Topic = req.Topic
	} else {
		channel.Bitrate = req.Bitrate
		channel.UserLimit = req.UserLimit
	}

	if err := s.state.AddChannel(channel); err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.persist(c, s.store.SaveChannel(c.Request.Context(), channel)) {
		return
	}

	s.gw.DispatchGuild(guild.ID, "CHANNEL_CREATE", channel)

	c.JSON(http.StatusCreated, channel)
}

// getGuildMembers lists a guild's members. Members only.
func (s *Server) getGuildMembers(c *gin.Context) {
	user := currentUser(c)
	guildID := c.Param("guild_id")

	if _, err := s.state.Guild(guildID); err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.state.IsMember(guildID, user.ID) {
		fail(c, errUnauthorized)
		return
	}

	members, err := s.state.GuildMembers(guildID, nil)
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	c.JSON(http.StatusOK, members)
}

// getGuildMember returns one member of a guild. Members only.
func (s *Server) getGuildMember(c *gin.Context) {
	user := currentUser(c)
	guildID := c.Param("guild_id")

	if _, err := s.state.Guild(guildID); err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.state.IsMember(guildID, user.ID) {
		fail(c, errUnauthorized)
		return
	}

	member, err := s.state.MemberPayload(guildID, c.Param("user_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	c.JSON(http.StatusOK, member)
}

// patchNick changes the caller's nickname in a guild.
func (s *Server) patchNick(c *gin.Context) {
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

	var req struct {
		Nick string `json:"nick"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if len(req.Nick) > 32 {
		failWith(c, http.StatusBadRequest, "Nickname is over 32 chars.")
		return
	}

	member, err := s.state.UpdateMember(guild.ID, user.ID, func(m *state.Member) {
		m.Nick = req.Nick
	})
	if err != nil {
		fail(c, errUnknownMember)
		return
	}
	if !s.persist(c, s.store.SaveMember(c.Request.Context(), member)) {
		return
	}

	s.gw.DispatchGuild(guild.ID, "GUILD_MEMBER_UPDATE", gateway.GuildMemberUpdate{
		GuildID: guild.ID,
		User:    user.Public(),
		Nick:    req.Nick,
		Roles:   append([]string{}, member.Roles...),
	})

	c.String(http.StatusOK, req.Nick)
}

// kickMember removes another member from a guild. Owner only.
func (s *Server) kickMember(c *gin.Context) {
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
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	target, err := s.state.User(c.Param("user_id"))
	if err != nil || !s.state.IsMember(guild.ID, target.ID) {
		fail(c, errUnknownMember)
		return
	}
	if target.ID == guild.OwnerID {
		failWith(c, http.StatusBadRequest, "Cannot kick the guild owner")
		return
	}

	if !s.removeFromGuild(c, guild, target) {
		return
	}

	s.log.Info().Str("guild", guild.ID).Str("user", target.ID).Msg("Member kicked")

	c.Status(http.StatusNoContent)
}

// getBans lists a guild's bans. Owner only.
func (s *Server) getBans(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	users, err := s.state.Bans(guild.ID)
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, gin.H{"user": u})
	}
	c.JSON(http.StatusOK, out)
}

// banMember bans a user, kicks them if present and shreds their recent
// messages when a day window is supplied. Owner only.
func (s *Server) banMember(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	target, err := s.state.User(c.Param("user_id"))
	if err != nil {
		fail(c, errUnknownUser)
		return
	}
	if target.ID == guild.OwnerID {
		failWith(c, http.StatusBadRequest, "Cannot ban the guild owner")
		return
	}

	days := 0
	if raw := c.Query("delete-message-days"); raw != "" {
		days, err = strconv.Atoi(raw)
		if err != nil || days < 0 || days > 7 {
			fail(c, errInvalidFormBody)
			return
		}
	}

	if err := s.state.SetBan(guild.ID, target.ID); err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.persist(c, s.store.SaveGuild(c.Request.Context(), guild)) {
		return
	}

	if s.state.IsMember(guild.ID, target.ID) {
		if !s.removeFromGuild(c, guild, target) {
			return
		}
	}

	s.gw.DispatchGuild(guild.ID, "GUILD_BAN_ADD", gateway.GuildBan{
		GuildID: guild.ID,
		User:    target.Public(),
	})

	if days > 0 {
		s.shredMessages(c, guild.ID, target.ID, days)
	}

	s.log.Info().Str("guild", guild.ID).Str("user", target.ID).Int("days", days).Msg("Member banned")

	c.Status(http.StatusNoContent)
}

// shredMessages removes the target's recent guild messages, one
// MESSAGE_DELETE_BULK per affected channel.
func (s *Server) shredMessages(c *gin.Context, guildID, userID string, days int) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
	ctx := c.Request.Context()

	for chID, ids := range s.state.AuthorMessages(guildID, userID, cutoff) {
		removed := s.state.RemoveMessages(chID, ids)
		if len(removed) == 0 {
			continue
		}

		removedIDs := make([]string, 0, len(removed))
		for _, m := range removed {
			removedIDs = append(removedIDs, m.ID)
			if err := s.store.DeleteMessage(ctx, chID, m.ID); err != nil {
				s.log.Warn().Err(err).Str("message", m.ID).Msg("Message not removed from storage")
			}
		}

		s.gw.DispatchChannel(chID, "MESSAGE_DELETE_BULK", gateway.MessageDeleteBulk{
			IDs:       removedIDs,
			ChannelID: chID,
			GuildID:   guildID,
		})
	}
}

// unbanMember lifts a ban. Owner only.
func (s *Server) unbanMember(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	target, err := s.state.User(c.Param("user_id"))
	if err != nil {
		fail(c, errUnknownUser)
		return
	}

	if err := s.state.RemoveBan(guild.ID, target.ID); err != nil {
		fail(c, errUnknownBan)
		return
	}
	if !s.persist(c, s.store.SaveGuild(c.Request.Context(), guild)) {
		return
	}

	s.gw.DispatchGuild(guild.ID, "GUILD_BAN_REMOVE", gateway.GuildBan{
		GuildID: guild.ID,
		User:    target.Public(),
	})

	c.Status(http.StatusNoContent)
}

// createRole adds a role to a guild. Owner only.
func (s *Server) createRole(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	var req struct {
		Name        string `json:"name"`
		Color       int    `json:"color"`
		Hoist       bool   `json:"hoist"`
		Mentionable bool   `json:"mentionable"`
		Permissions int64  `json:"permissions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if req.Name == "" {
		req.Name = "new role"
	}

	roles, err := s.state.GuildRoles(guild.ID)
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}

	role := &state.Role{
		ID:          s.ids.Generate(),
		Name:        req.Name,
		Color:       req.Color,
		Hoist:       req.Hoist,
		Mentionable: req.Mentionable,
		Permissions: req.Permissions,
		Position:    len(roles),
	}
	if err := s.state.AddRole(guild.ID, role); err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.persist(c, s.store.SaveRole(c.Request.Context(), role)) {
		return
	}

	s.gw.DispatchGuild(guild.ID, "GUILD_ROLE_CREATE", gateway.GuildRole{
		GuildID: guild.ID,
		Role:    role,
	})

	c.JSON(http.StatusOK, role)
}

// patchRole edits a role. Owner only.
func (s *Server) patchRole(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	var req struct {
		Name        *string `json:"name"`
		Color       *int    `json:"color"`
		Hoist       *bool   `json:"hoist"`
		Mentionable *bool   `json:"mentionable"`
		Permissions *int64  `json:"permissions"`
		Position    *int    `json:"position"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}

	role, err := s.state.UpdateRole(guild.ID, c.Param("role_id"), func(r *state.Role) {
		if req.Name != nil {
			r.Name = *req.Name
		}
		if req.Color != nil {
			r.Color = *req.Color
		}
		if req.Hoist != nil {
			r.Hoist = *req.Hoist
		}
		if req.Mentionable != nil {
			r.Mentionable = *req.Mentionable
		}
		if req.Permissions != nil {
			r.Permissions = *req.Permissions
		}
		if req.Position != nil {
			r.Position = *req.Position
		}
	})
	if err != nil {
		fail(c, errUnknownRole)
		return
	}
	if !s.persist(c, s.store.SaveRole(c.Request.Context(), role)) {
		return
	}

	s.gw.DispatchGuild(guild.ID, "GUILD_ROLE_UPDATE", gateway.GuildRole{
		GuildID: guild.ID,
		Role:    role,
	})

	c.JSON(http.StatusOK, role)
}

// deleteRole removes a role from a guild and from every member holding
// it. Owner only. The default role stays.
func (s *Server) deleteRole(c *gin.Context) {
	user := currentUser(c)

	guild, err := s.state.Guild(c.Param("guild_id"))
	if err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	roleID := c.Param("role_id")
	if roleID == guild.DefaultRoleID {
		failWith(c, http.StatusBadRequest, "Cannot delete the default role")
		return
	}

	_, stripped, err := s.state.RemoveRole(guild.ID, roleID)
	if err != nil {
		fail(c, errUnknownRole)
		return
	}

	ctx := c.Request.Context()
	if !s.persist(c, s.store.DeleteRole(ctx, guild.ID, roleID)) {
		return
	}
	for _, uid := range stripped {
		if member, err := s.state.Member(guild.ID, uid); err == nil {
			if err := s.store.SaveMember(ctx, member); err != nil {
				s.log.Warn().Err(err).Str("user", uid).Msg("Member roles not saved to storage")
			}
		}
	}

	s.gw.DispatchGuild(guild.ID, "GUILD_ROLE_DELETE", gateway.GuildRoleDelete{
		GuildID: guild.ID,
		RoleID:  roleID,
	})

	c.Status(http.StatusNoContent)
}
