// Package chat contains the chat transport used by the bot and the chat log.
//
// It provides:
//   - Transport, History and Presence: the narrow contracts the event
//     orchestrator and the reply dispatcher consume.
//   - TwitchClient: connects to Twitch IRC for TWITCH_CHANNEL to receive
//     messages, and uses Helix for sending, deleting and counting chatters.
//     Twitch has no message edit; Edit returns ErrEditUnsupported.
//   - Store: persists every inbound message and every message the bot sent
//     into the chat_messages table so teardown can scan a time window for
//     content that was never tracked explicitly.
//   - RecordingTransport: a Transport decorator that writes sent messages to
//     the Store.
//
// Credentials: IRC and the Helix chat endpoints need a bot user token with
// chat:read, user:write:chat and moderator:manage:chat_messages scopes
// (plus moderator:read:chatters for presence).
package chat
