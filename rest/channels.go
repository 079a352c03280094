package rest

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/palaver-chat/palaver/gateway"
	"github.com/palaver-chat/palaver/metrics"
	"github.com/palaver-chat/palaver/snowflake"
	"github.com/palaver-chat/palaver/state"
)

const (
	maxMessageLength = 2000
	maxPins          = 50
	maxBulkAge       = 14 * 24 * time.Hour
)

var mentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// channelAccess resolves a channel route's channel and guild, rejecting
// callers that are not in the guild.
func (s *Server) channelAccess(c *gin.Context) (*state.Channel, *state.Guild, bool) {
	channel, err := s.state.Channel(c.Param("channel_id"))
	if err != nil {
		fail(c, errUnknownChannel)
		return nil, nil, false
	}
	guild, err := s.state.Guild(channel.GuildID)
	if err != nil {
		fail(c, errUnknownChannel)
		return nil, nil, false
	}
	if !s.state.IsMember(guild.ID, currentUser(c).ID) {
		fail(c, errUnauthorized)
		return nil, nil, false
	}
	return channel, guild, true
}

// mentionedUsers extracts the IDs of known users mentioned in content,
// each at most once.
func (s *Server) mentionedUsers(content string) []string {
	ids := []string{}
	seen := make(map[string]bool)
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		id := match[1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.state.User(id); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// getChannel returns one channel.
func (s *Server) getChannel(c *gin.Context) {
	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, channel)
}

// patchChannel edits a channel. Owner only. Topic applies to text
// channels, bitrate and user limit to voice channels.
func (s *Server) patchChannel(c *gin.Context) {
	channel, guild, ok := s.channelAccess(c)
	if !ok {
		return
	}
	if guild.OwnerID != currentUser(c).ID {
		fail(c, errMissingPermissions)
		return
	}

	var req struct {
		Name      *string `json:"name"`
		Position  *int    `json:"position"`
		Topic     *string `json:"topic"`
		Bitrate   *int    `json:"bitrate"`
		UserLimit *int    `json:"user_limit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if req.Name != nil && (len(*req.Name) < 2 || len(*req.Name) > 100) {
		fail(c, errInvalidFormBody)
		return
	}
	if req.Topic != nil && channel.Type != state.ChannelTypeGuildText {
		fail(c, errInvalidFormBody)
		return
	}
	if (req.Bitrate != nil || req.UserLimit != nil) && channel.Type != state.ChannelTypeGuildVoice {
		fail(c, errInvalidFormBody)
		return
	}

	updated, err := s.state.UpdateChannel(channel.ID, func(ch *state.Channel) {
		if req.Name != nil {
			ch.Name = *req.Name
		}
		if req.Position != nil {
			ch.Position = *req.Position
		}
		if req.Topic != nil {
			ch.Topic = *req.Topic
		}
		if req.Bitrate != nil {
			ch.Bitrate = *req.Bitrate
		}
		if req.UserLimit != nil {
			ch.UserLimit = *req.UserLimit
		}
	})
	if err != nil {
		fail(c, errUnknownChannel)
		return
	}
	if !s.persist(c, s.store.SaveChannel(c.Request.Context(), updated)) {
		return
	}

	s.gw.DispatchGuild(guild.ID, "CHANNEL_UPDATE", updated)

	c.JSON(http.StatusOK, updated)
}

// deleteChannel removes a channel, its cached messages and its invites.
// Owner only.
func (s *Server) deleteChannel(c *gin.Context) {
	channel, guild, ok := s.channelAccess(c)
	if !ok {
		return
	}
	if guild.OwnerID != currentUser(c).ID {
		fail(c, errMissingPermissions)
		return
	}

	var codes []string
	for _, inv := range s.state.GuildInvites(guild.ID) {
		if inv.ChannelID == channel.ID {
			codes = append(codes, inv.Code)
		}
	}

	removed, err := s.state.RemoveChannel(channel.ID)
	if err != nil {
		fail(c, errUnknownChannel)
		return
	}

	ctx := c.Request.Context()
	if !s.persist(c, s.store.DeleteChannel(ctx, channel.ID)) {
		return
	}
	for _, code := range codes {
		s.state.RemoveInvite(code)
		if err := s.store.DeleteInvite(ctx, code); err != nil {
			s.log.Warn().Err(err).Str("invite", code).Msg("Invite not removed from storage")
		}
	}

	s.gw.DispatchGuild(guild.ID, "CHANNEL_DELETE", removed)

	c.Status(http.StatusNoContent)
}

// getMessages pages through a channel's cached messages, newest first.
func (s *Server) getMessages(c *gin.Context) {
	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			fail(c, errInvalidFormBody)
			return
		}
		limit = n
	}

	c.JSON(http.StatusOK, s.state.ChannelMessages(channel.ID, c.Query("before"), limit))
}

// postMessage creates a message and fans MESSAGE_CREATE out to the
// guild's viewers.
func (s *Server) postMessage(c *gin.Context) {
	user := currentUser(c)

	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}
	if channel.Type == state.ChannelTypeGuildVoice {
		fail(c, errVoiceChannel)
		return
	}

	var req struct {
		Content     string `json:"content"`
		Nonce       string `json:"nonce"`
		TTS         bool   `json:"tts"`
		Attachments []struct {
			Filename string `json:"filename"`
			Size     int    `json:"size"`
			URL      string `json:"url"`
		} `json:"attachments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if utf8.RuneCountInString(req.Content) > maxMessageLength {
		fail(c, errInvalidFormBody)
		return
	}
	if req.Content == "" && len(req.Attachments) == 0 {
		fail(c, errEmptyMessage)
		return
	}
	if req.Nonce != "" && !s.state.RegisterNonce(user.ID, req.Nonce) {
		failWith(c, http.StatusConflict, "Nonce already used")
		return
	}
	if !s.limits.messages.Allow(channel.ID) {
		c.Header("Retry-After", "1")
		failWith(c, http.StatusTooManyRequests, "You are being rate limited.")
		return
	}

	msg := &state.Message{
		ID:              s.ids.Generate(),
		ChannelID:       channel.ID,
		AuthorID:        user.ID,
		Content:         req.Content,
		Timestamp:       state.NewTimestamp(time.Now()),
		TTS:             req.TTS,
		MentionEveryone: strings.Contains(req.Content, "@everyone"),
		MentionIDs:      s.mentionedUsers(req.Content),
		Nonce:           req.Nonce,
	}
	for _, a := range req.Attachments {
		msg.Attachments = append(msg.Attachments, &state.Attachment{
			ID:       s.ids.Generate(),
			Filename: a.Filename,
			Size:     a.Size,
			URL:      a.URL,
		})
	}

	evicted, err := s.state.AddMessage(msg)
	if err != nil {
		fail(c, errUnknownChannel)
		return
	}

	ctx := c.Request.Context()
	for _, id := range evicted {
		if err := s.store.DeleteMessage(ctx, channel.ID, id); err != nil {
			s.log.Warn().Err(err).Str("message", id).Msg("Evicted message not removed from storage")
		}
	}
	if err := s.store.SaveChannel(ctx, channel); err != nil {
		s.log.Warn().Err(err).Str("channel", channel.ID).Msg("Channel not saved to storage")
	}
	if !s.persist(c, s.store.SaveMessage(ctx, msg)) {
		return
	}

	metrics.MessagesCreated.Inc()

	payload, err := s.state.MessagePayload(msg.ID)
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	s.gw.DispatchChannel(channel.ID, "MESSAGE_CREATE", payload)

	c.JSON(http.StatusOK, payload)
}

// getMessage returns one message of a channel.
func (s *Server) getMessage(c *gin.Context) {
	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}

	payload, err := s.state.MessagePayload(c.Param("message_id"))
	if err != nil || payload.ChannelID != channel.ID {
		fail(c, errUnknownMessage)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// patchMessage edits a message's content. Authors can only touch their
// own.
func (s *Server) patchMessage(c *gin.Context) {
	user := currentUser(c)

	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}

	msg, err := s.state.Message(c.Param("message_id"))
	if err != nil || msg.ChannelID != channel.ID {
		fail(c, errUnknownMessage)
		return
	}
	if msg.AuthorID != user.ID {
		fail(c, errEditOtherAuthor)
		return
	}

	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if utf8.RuneCountInString(req.Content) > maxMessageLength {
		fail(c, errInvalidFormBody)
		return
	}

	edited, err := s.state.EditMessage(msg.ID, req.Content, s.mentionedUsers(req.Content), state.NewTimestamp(time.Now()))
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	if !s.persist(c, s.store.SaveMessage(c.Request.Context(), edited)) {
		return
	}

	payload, err := s.state.MessagePayload(msg.ID)
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	s.gw.DispatchChannel(channel.ID, "MESSAGE_UPDATE", payload)

	c.JSON(http.StatusOK, payload)
}

// deleteMessage removes a message. The author and the guild owner may.
func (s *Server) deleteMessage(c *gin.Context) {
	user := currentUser(c)

	channel, guild, ok := s.channelAccess(c)
	if !ok {
		return
	}

	msg, err := s.state.Message(c.Param("message_id"))
	if err != nil || msg.ChannelID != channel.ID {
		fail(c, errUnknownMessage)
		return
	}
	if msg.AuthorID != user.ID && guild.OwnerID != user.ID {
		fail(c, errMissingPermissions)
		return
	}

	if _, err := s.state.RemoveMessage(msg.ID); err != nil {
		fail(c, errUnknownMessage)
		return
	}
	if !s.persist(c, s.store.DeleteMessage(c.Request.Context(), channel.ID, msg.ID)) {
		return
	}

	s.gw.DispatchChannel(channel.ID, "MESSAGE_DELETE", gateway.MessageDelete{
		ID:        msg.ID,
		ChannelID: channel.ID,
		GuildID:   guild.ID,
	})

	c.Status(http.StatusNoContent)
}

// bulkDeleteMessages removes a batch of messages in one sweep. Owner
// only. Messages older than two weeks reject the whole batch.
func (s *Server) bulkDeleteMessages(c *gin.Context) {
	channel, guild, ok := s.channelAccess(c)
	if !ok {
		return
	}
	if guild.OwnerID != currentUser(c).ID {
		fail(c, errMissingPermissions)
		return
	}

	var req struct {
		Messages []string `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}
	if len(req.Messages) < 2 || len(req.Messages) > 100 {
		fail(c, errBulkDeleteCount)
		return
	}

	now := time.Now()
	for _, id := range req.Messages {
		msg, err := s.state.Message(id)
		if err != nil || msg.ChannelID != channel.ID {
			continue
		}
		born, err := snowflake.Time(id)
		if err != nil {
			continue
		}
		if now.Sub(born) > maxBulkAge {
			fail(c, errBulkDeleteTooOld)
			return
		}
	}

	removed := s.state.RemoveMessages(channel.ID, req.Messages)
	if len(removed) == 0 {
		c.Status(http.StatusNoContent)
		return
	}

	ctx := c.Request.Context()
	ids := make([]string, 0, len(removed))
	for _, m := range removed {
		ids = append(ids, m.ID)
		if err := s.store.DeleteMessage(ctx, channel.ID, m.ID); err != nil {
			s.log.Warn().Err(err).Str("message", m.ID).Msg("Message not removed from storage")
		}
	}

	s.gw.DispatchChannel(channel.ID, "MESSAGE_DELETE_BULK", gateway.MessageDeleteBulk{
		IDs:       ids,
		ChannelID: channel.ID,
		GuildID:   guild.ID,
	})

	c.Status(http.StatusNoContent)
}

// getPins lists a channel's pinned messages.
func (s *Server) getPins(c *gin.Context) {
	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.state.PinnedMessages(channel.ID))
}

// pinMessage pins a message to its channel.
func (s *Server) pinMessage(c *gin.Context) {
	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}

	msg, err := s.state.Message(c.Param("message_id"))
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	if msg.ChannelID != channel.ID {
		fail(c, errPinWrongChannel)
		return
	}
	if msg.Pinned {
		c.Status(http.StatusNoContent)
		return
	}
	if len(s.state.PinnedMessages(channel.ID)) >= maxPins {
		fail(c, errTooManyPins)
		return
	}

	pinned, err := s.state.SetPinned(msg.ID, true)
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	if !s.persist(c, s.store.SaveMessage(c.Request.Context(), pinned)) {
		return
	}

	payload, err := s.state.MessagePayload(msg.ID)
	if err == nil {
		s.gw.DispatchChannel(channel.ID, "MESSAGE_UPDATE", payload)
	}
	s.gw.DispatchChannel(channel.ID, "CHANNEL_PINS_UPDATE", gateway.ChannelPinsUpdate{
		ChannelID:        channel.ID,
		LastPinTimestamp: state.NewTimestamp(time.Now()),
	})

	c.Status(http.StatusNoContent)
}

// unpinMessage removes a pin.
func (s *Server) unpinMessage(c *gin.Context) {
	channel, _, ok := s.channelAccess(c)
	if !ok {
		return
	}

	msg, err := s.state.Message(c.Param("message_id"))
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	if msg.ChannelID != channel.ID {
		fail(c, errPinWrongChannel)
		return
	}
	if !msg.Pinned {
		c.Status(http.StatusNoContent)
		return
	}

	unpinned, err := s.state.SetPinned(msg.ID, false)
	if err != nil {
		fail(c, errUnknownMessage)
		return
	}
	if !s.persist(c, s.store.SaveMessage(c.Request.Context(), unpinned)) {
		return
	}

	payload, err := s.state.MessagePayload(msg.ID)
	if err == nil {
		s.gw.DispatchChannel(channel.ID, "MESSAGE_UPDATE", payload)
	}
	s.gw.DispatchChannel(channel.ID, "CHANNEL_PINS_UPDATE", gateway.ChannelPinsUpdate{
		ChannelID: channel.ID,
	})

	c.Status(http.StatusNoContent)
}

// postTyping tells the channel's viewers the caller started typing.
func (s *Server) postTyping(c *gin.Context) {
	user := currentUser(c)

	channel, guild, ok := s.channelAccess(c)
	if !ok {
		return
	}

	s.gw.DispatchChannel(channel.ID, "TYPING_START", gateway.TypingStart{
		ChannelID: channel.ID,
		GuildID:   guild.ID,
		UserID:    user.ID,
		Timestamp: time.Now().Unix(),
	})

	c.Status(http.StatusNoContent)
}
