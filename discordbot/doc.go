// Package discordbot implements a Discord bot which runs sign-up queues
// for a role, and cleans up after itself.
//
// The bot registers two slash commands in a single guild:
//
//   - /start_queue role:<role> [timeout:<minutes>]: Posts a message
//     mentioning the role, with Join/Leave buttons. The message is edited
//     to show the current roster as users join and leave. If a timeout is
//     given, the message is deleted once it elapses.
//   - /clean: Deletes the bot's own messages among the most recent
//     messages in the channel, and replies (only to the invoking user)
//     with the number deleted.
//
// Key components of the package include:
//
//   - Bot: The application context, owning the discord session, active
//     queues, audit database and HTTP servers.
//   - QueueView: An in-memory roster rendered into a single message.
//   - Discord: Command definitions, and the discord session.
//   - API: A local admin API for health, active queues, queue history
//     and prometheus metrics.
//
// Interactions are received via the discord gateway, or optionally via
// a signed webhook endpoint. Queues live only in memory, and don't
// survive a restart; history is kept in a sqlite or postgres database
// for auditing.
package discordbot
