package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes in the numeric taxonomy clients match on. The 10xxx range
// maps to 404, 40001 and 50013 to 403, everything else to 400.
const (
	errUnknownChannel = 10003
	errUnknownGuild   = 10004
	errUnknownInvite  = 10006
	errUnknownMember  = 10007
	errUnknownMessage = 10008
	errUnknownRole    = 10011
	errUnknownUser    = 10013
	errUnknownBan     = 10026

	errTooManyPins = 30003

	errUnauthorized = 40001
	errUserBanned   = 40007

	errEditOtherAuthor    = 50005
	errEmptyMessage       = 50006
	errVoiceChannel       = 50008
	errMissingPermissions = 50013
	errBulkDeleteCount    = 50016
	errPinWrongChannel    = 50019
	errBulkDeleteTooOld   = 50034
	errInvalidFormBody    = 50035
)

// errMessages translate error codes into their canonical text.
var errMessages = map[int]string{
	errUnknownChannel: "Unknown Channel",
	errUnknownGuild:   "Unknown Guild",
	errUnknownInvite:  "Unknown Invite",
	errUnknownMember:  "Unknown Member",
	errUnknownMessage: "Unknown Message",
	errUnknownRole:    "Unknown Role",
	errUnknownUser:    "Unknown User",
	errUnknownBan:     "Unknown Ban",

	errTooManyPins: "Maximum number of pins reached (50)",

	errUnauthorized: "Unauthorized",
	errUserBanned:   "The user is banned from this guild",

	errEditOtherAuthor:    "Cannot edit a message authored by another user",
	errEmptyMessage:       "Cannot send an empty message",
	errVoiceChannel:       "Cannot send messages in a voice channel",
	errMissingPermissions: "Missing Permissions",
	errBulkDeleteCount:    "Provided too few or too many messages to delete. Must provide at least 2 and fewer than 100 messages to delete.",
	errPinWrongChannel:    "A message can only be pinned to the channel it was sent in",
	errBulkDeleteTooOld:   "A message provided was too old to bulk delete",
	errInvalidFormBody:    "Invalid Form Body",
}

// errStatuses override the range based status mapping.
var errStatuses = map[int]int{
	errUnauthorized:       http.StatusForbidden,
	errUserBanned:         http.StatusForbidden,
	errMissingPermissions: http.StatusForbidden,
}

// apiError is the wire form of every error response.
type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// fail aborts the request with an error from the numeric table.
func fail(c *gin.Context, code int) {
	status, ok := errStatuses[code]
	if !ok {
		if code >= 10001 && code <= 19999 {
			status = http.StatusNotFound
		} else {
			status = http.StatusBadRequest
		}
	}
	c.AbortWithStatusJSON(status, apiError{Code: code, Message: errMessages[code]})
}

// failWith aborts with an explicit status and a free form message for
// conditions the table does not cover.
func failWith(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, apiError{Code: 0, Message: message})
}
