// Package event runs the timed interactive chat event: a scripted puzzle that
// starts on a manual phrase or when enough people are in chat, advances on
// mentions of the bot, runs background timers that post or edit messages, and
// always ends in one teardown that deletes what the session produced and arms
// a cooldown for the automatic trigger.
//
// The Orchestrator owns the single session behind one mutex. Scheduled actions
// run on a Runner and carry the generation of the session that created them;
// an action whose generation is no longer current is dropped.
package event
