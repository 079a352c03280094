package rest

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/gin-gonic/gin"

	"github.com/palaver-chat/palaver/state"
)

// mintToken returns a fresh bearer token.
func mintToken() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "palaver_" + hex.EncodeToString(raw), nil
}

// register creates an account and hands back its first token.
func (s *Server) register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 2 || len(req.Username) > 32 {
		fail(c, errInvalidFormBody)
		return
	}
	if !strings.Contains(req.Email, "@") {
		fail(c, errInvalidFormBody)
		return
	}
	if len(req.Password) < 6 {
		fail(c, errInvalidFormBody)
		return
	}

	if _, err := s.state.UserByEmail(req.Email); err == nil {
		failWith(c, http.StatusBadRequest, "Email already registered")
		return
	}

	hash, err := argon2id.CreateHash(req.Password, argon2id.DefaultParams)
	if err != nil {
		s.log.Error().Err(err).Msg("Hashing password failed")
		failWith(c, http.StatusInternalServerError, "Could not create the account")
		return
	}

	user := &state.User{
		ID:           s.ids.Generate(),
		Username:     req.Username,
		Email:        req.Email,
		Verified:     true,
		PasswordHash: hash,
	}
	if err := s.state.AddUser(user); err != nil {
		failWith(c, http.StatusBadRequest, "Too many users share this username")
		return
	}

	token, err := mintToken()
	if err != nil {
		s.log.Error().Err(err).Msg("Minting token failed")
		failWith(c, http.StatusInternalServerError, "Could not create the account")
		return
	}
	s.state.SetToken(token, user.ID)

	ctx := c.Request.Context()
	if !s.persist(c, s.store.SaveUser(ctx, user)) {
		return
	}
	if !s.persist(c, s.store.SaveToken(ctx, token, user.ID)) {
		return
	}

	s.log.Info().Str("user", user.ID).Str("tag", user.Tag()).Msg("Account registered")

	c.JSON(http.StatusCreated, gin.H{
		"user":  user,
		"token": token,
	})
}

// login swaps credentials for a token. Every login rotates the token,
// logging other devices out.
func (s *Server) login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, errInvalidFormBody)
		return
	}

	user, err := s.state.UserByEmail(req.Email)
	if err != nil {
		failWith(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	match, err := argon2id.ComparePasswordAndHash(req.Password, user.PasswordHash)
	if err != nil || !match {
		failWith(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := mintToken()
	if err != nil {
		s.log.Error().Err(err).Msg("Minting token failed")
		failWith(c, http.StatusInternalServerError, "Could not log in")
		return
	}
	previous := s.state.SetToken(token, user.ID)

	ctx := c.Request.Context()
	if previous != "" {
		if err := s.store.DeleteToken(ctx, previous); err != nil {
			s.log.Warn().Err(err).Msg("Stale token not removed from storage")
		}
	}
	if !s.persist(c, s.store.SaveToken(ctx, token, user.ID)) {
		return
	}

	s.log.Info().Str("user", user.ID).Msg("Token rotated on login")

	c.JSON(http.StatusOK, gin.H{"token": token})
}
