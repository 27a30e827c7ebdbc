package hearth

import (
	"errors"
	"net/http"

	"github.com/bwmarrin/discordgo"
)

var (
	ErrSelfTarget       = errors.New("you can't target yourself")
	ErrProtectedSubject = errors.New("moderators can't be blocked")
	ErrBotTarget        = errors.New("bots can't be targeted")
	ErrNotOwner         = errors.New("you don't own this channel")
	ErrNotInChannel     = errors.New("member is not in the channel")
	ErrAlreadyOwner     = errors.New("you already own a channel")
	ErrNoChannel        = errors.New("you don't have a temporary channel")
	ErrCreationCooldown = errors.New("creating channels too quickly")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalidLimit     = errors.New("user limit must be between 0 and 99")
	ErrInvalidName      = errors.New("channel name can't be empty")
	ErrClaimPending     = errors.New("a claim request is already pending")
	ErrClaimNotFound    = errors.New("claim request expired or not found")

	ErrGiveawayNotFound = errors.New("giveaway not found")
	ErrInvalidGiveaway  = errors.New("invalid giveaway")
	ErrGiveawayEnded    = errors.New("giveaway has ended")
	ErrAlreadyEntered   = errors.New("already entered")
	ErrNotEntered       = errors.New("not entered")
	ErrInvalidBirthday  = errors.New("invalid birthday")
	ErrNegativeGrant    = errors.New("xp grants can't be negative")
	ErrLevelMismatch    = errors.New("level doesn't match xp")
)

// JSON error codes returned by the discord API
const (
	discordCodeUnknownChannel     = 10003
	discordCodeUnknownGuild       = 10004
	discordCodeUnknownMember      = 10007
	discordCodeUnknownMessage     = 10008
	discordCodeUnknownOverwrite   = 10009
	discordCodeUnknownRole        = 10011
	discordCodeUnknownUser        = 10013
	discordCodeMissingAccess      = 50001
	discordCodeCannotDMUser       = 50007
	discordCodeMissingPermissions = 50013
)

// PlatformErrorKind classifies a failed platform call
type PlatformErrorKind int

const (
	PlatformOK PlatformErrorKind = iota

	// PlatformPermissionDenied: the bot lacks a privilege. Logged, never retried.
	PlatformPermissionDenied

	// PlatformNotFound: the target vanished between decision and action.
	// Local state should be corrected.
	PlatformNotFound

	// PlatformTransient: rate limits, timeouts, 5xx. Left to the sweep.
	PlatformTransient
)

func (k PlatformErrorKind) String() string {
	switch k {
	case PlatformOK:
		return "ok"
	case PlatformPermissionDenied:
		return "permission_denied"
	case PlatformNotFound:
		return "not_found"
	case PlatformTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// classifyPlatformError maps a discordgo error to a [PlatformErrorKind]
func classifyPlatformError(err error) PlatformErrorKind {
	if err == nil {
		return PlatformOK
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return PlatformTransient
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordCodeUnknownChannel,
			discordCodeUnknownGuild,
			discordCodeUnknownMember,
			discordCodeUnknownMessage,
			discordCodeUnknownOverwrite,
			discordCodeUnknownRole,
			discordCodeUnknownUser:
			return PlatformNotFound
		case discordCodeMissingAccess,
			discordCodeCannotDMUser,
			discordCodeMissingPermissions:
			return PlatformPermissionDenied
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden:
			return PlatformPermissionDenied
		case http.StatusNotFound:
			return PlatformNotFound
		}
	}
	return PlatformTransient
}

func isNotFound(err error) bool {
	return classifyPlatformError(err) == PlatformNotFound
}

func isForbidden(err error) bool {
	return classifyPlatformError(err) == PlatformPermissionDenied
}
