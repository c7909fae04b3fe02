// Package ocbot implements OCbot, a Discord bot that replies to prefixed
// text commands, and makes sure each inbound message gets at most one
// reply, even when the gateway redelivers it or several bot instances
// share the same token.
//
// Key components of the package include:
//
//   - Bot: Wires everything together and runs the gateway session,
//     the HTTP server and background workers.
//   - IntakeGuard: Tracks messages currently being handled, so a
//     redelivery during handling is dropped.
//   - ReservationStore: Short-lived, in-process record of messages
//     this instance is about to reply to.
//   - Reconciler: Checks the channel's recent history for an existing
//     reply before and after a grace delay, then sends the reply once.
//   - ReplyNotifier: Shares reservations between instances using the
//     same postgres database.
//   - HTTPServer: Keep-alive root, health check and a token-protected
//     admin API.
//
// The bot supports these commands (with the default "!" prefix):
//
//   - !chat: Sends a prompt to an OpenAI-compatible chat endpoint using
//     the user's own API key.
//   - !voice: Synthesizes speech and replies with an audio attachment.
//   - !actions: Replies with a GIF from a configured GitHub repository.
//   - !info, !key, !voicekey, !delkey, !setquota: Manage a user's keys and quota.
//   - !commands: Lists the available commands.
package ocbot
