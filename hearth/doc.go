// Package hearth implements a community Discord bot.
//
// The bot provides temporary voice channels ("TempVoice"), an XP/leveling
// engine with level-based role rewards, AFK tracking, giveaways and
// birthdays, plus a small HTTP API for stats and administration.
//
// TempVoice: members joining a designated creator channel get their own
// voice channel, with a control panel posted into its text chat. Owners can
// lock, rename, limit, hide, permit/block members (persistent per-owner
// Trusted/Blocked lists), kick, transfer or delete the channel. When the
// owner leaves while others remain, ownership transfers to the longest
// present occupant after a grace period. Empty channels are deleted, and a
// periodic reconciliation sweep removes anything the event path missed.
//
// XP: messages and voice activity accrue XP under cooldown and anti-spam
// rules. Levels are derived from XP, and members hold exactly one tier role
// for their current level.
//
// Bot lifecycle is handled by [Bot.Run], which connects to the database,
// starts the API, opens the Discord gateway session and runs the background
// loops until the context is cancelled.
package hearth
