package rest

import (
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palaver-chat/palaver/state"
)

const (
	inviteAlphabet   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	inviteCodeLength = 8
	inviteDefaultAge = 86400
)

// mintInviteCode draws a fresh invite code.
func mintInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(buf), nil
}

// createInvite mints an invite for a channel. Any member may.
func (s *Server) createInvite(c *gin.Context) {
	user := currentUser(c)

	channel, guild, ok := s.channelAccess(c)
	if !ok {
		return
	}

	var req struct {
		MaxAge    *int `json:"max_age"`
		MaxUses   int  `json:"max_uses"`
		Temporary bool `json:"temporary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		fail(c, errInvalidFormBody)
		return
	}

	maxAge := inviteDefaultAge
	if req.MaxAge != nil {
		maxAge = *req.MaxAge
	}
	if maxAge < 0 || req.MaxUses < 0 {
		fail(c, errInvalidFormBody)
		return
	}

	var code string
	for tries := 0; tries < 20; tries++ {
		minted, err := mintInviteCode()
		if err != nil {
			failWith(c, http.StatusInternalServerError, "Could not mint an invite code")
			return
		}
		if _, err := s.state.Invite(minted); err != nil {
			code = minted
			break
		}
	}
	if code == "" {
		failWith(c, http.StatusInternalServerError, "Could not mint an invite code")
		return
	}

	now := time.Now()
	inv := &state.Invite{
		Code:      code,
		GuildID:   guild.ID,
		ChannelID: channel.ID,
		InviterID: user.ID,
		CreatedAt: state.NewTimestamp(now),
		UsesLeft:  -1,
		Temporary: req.Temporary,
	}
	if maxAge > 0 {
		inv.ExpiresAt = now.Add(time.Duration(maxAge) * time.Second)
	}
	if req.MaxUses > 0 {
		inv.UsesLeft = req.MaxUses
	}

	s.state.AddInvite(inv)
	if !s.persist(c, s.store.SaveInvite(c.Request.Context(), inv)) {
		return
	}

	s.log.Info().Str("invite", code).Str("guild", guild.ID).Msg("Invite created")

	c.JSON(http.StatusOK, s.state.BuildInvitePayload(inv))
}

// getInvite resolves an invite without joining. No auth needed so
// clients can preview before logging in.
func (s *Server) getInvite(c *gin.Context) {
	inv, err := s.state.Invite(c.Param("code"))
	if err != nil || !inv.Valid(time.Now()) {
		fail(c, errUnknownInvite)
		return
	}
	c.JSON(http.StatusOK, s.state.BuildInvitePayload(inv))
}

// acceptInvite joins the caller to the invite's guild, burning one use.
func (s *Server) acceptInvite(c *gin.Context) {
	user := currentUser(c)

	inv, err := s.state.Invite(c.Param("code"))
	if err != nil {
		fail(c, errUnknownInvite)
		return
	}
	guild, err := s.state.Guild(inv.GuildID)
	if err != nil {
		fail(c, errUnknownInvite)
		return
	}
	if s.state.IsBanned(guild.ID, user.ID) {
		fail(c, errUserBanned)
		return
	}
	if s.state.IsMember(guild.ID, user.ID) {
		c.JSON(http.StatusOK, s.state.BuildInvitePayload(inv))
		return
	}

	now := time.Now()
	inv, err = s.state.UseInvite(inv.Code, now)
	if err != nil {
		if errors.Is(err, state.ErrInviteExpired) {
			failWith(c, http.StatusBadRequest, "Invite has expired")
		} else {
			fail(c, errUnknownInvite)
		}
		return
	}

	ctx := c.Request.Context()
	if inv.UsesLeft == 0 {
		if err := s.store.DeleteInvite(ctx, inv.Code); err != nil {
			s.log.Warn().Err(err).Str("invite", inv.Code).Msg("Invite not removed from storage")
		}
	} else {
		if err := s.store.SaveInvite(ctx, inv); err != nil {
			s.log.Warn().Err(err).Str("invite", inv.Code).Msg("Invite not saved to storage")
		}
	}

	member := &state.Member{
		UserID:   user.ID,
		JoinedAt: state.NewTimestamp(now),
		Roles:    []string{},
	}
	if err := s.state.AddMember(guild.ID, member); err != nil {
		fail(c, errUnknownGuild)
		return
	}
	if !s.persist(c, s.store.SaveMember(ctx, member)) {
		return
	}

	// The joiner is told through GUILD_CREATE, not through the member
	// event, so the add goes out before they start viewing the guild.
	if payload, err := s.state.MemberPayload(guild.ID, user.ID); err == nil {
		s.gw.DispatchGuild(guild.ID, "GUILD_MEMBER_ADD", payload)
	}

	s.gw.WatchGuild(guild.ID, user.ID)
	s.gw.RefreshPresence(user.ID)

	if payload, err := s.gw.GuildPayload(guild.ID); err == nil {
		s.gw.DispatchUser(user.ID, "GUILD_CREATE", payload)
	}

	s.log.Info().Str("invite", inv.Code).Str("guild", guild.ID).Str("user", user.ID).Msg("Invite accepted")

	c.JSON(http.StatusOK, s.state.BuildInvitePayload(inv))
}

// deleteInvite revokes an invite. The inviter and the guild owner may.
func (s *Server) deleteInvite(c *gin.Context) {
	user := currentUser(c)

	inv, err := s.state.Invite(c.Param("code"))
	if err != nil {
		fail(c, errUnknownInvite)
		return
	}
	owner := false
	if guild, err := s.state.Guild(inv.GuildID); err == nil {
		owner = guild.OwnerID == user.ID
	}
	if inv.InviterID != user.ID && !owner {
		fail(c, errMissingPermissions)
		return
	}

	removed, err := s.state.RemoveInvite(inv.Code)
	if err != nil {
		fail(c, errUnknownInvite)
		return
	}
	if !s.persist(c, s.store.DeleteInvite(c.Request.Context(), removed.Code)) {
		return
	}

	c.JSON(http.StatusOK, s.state.BuildInvitePayload(removed))
}
