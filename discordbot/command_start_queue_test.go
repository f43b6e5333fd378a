package discordbot

import (
	"context"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

// startTestQueue runs /start_queue through the interaction handler, and
// returns the new queue once its message ID is known
func startTestQueue(
	t testing.TB,
	bot *Bot,
	timeout *int64,
) (*QueueView, *discordgo.InteractionCreate) {
	t.Helper()
	ctx := context.Background()

	i := newStartQueueInteraction(t, newDiscordUser(t), testRoleID, timeout)
	bot.handleInteraction(ctx, newGatewayHandler(t, bot, i))

	views := bot.queues.All()
	require.Len(t, views, 1)
	view := views[0]

	require.Eventually(
		t, func() bool {
			_, messageID := view.Message()
			return messageID != ""
		}, 10*time.Second, 10*time.Millisecond,
	)
	return view, i
}

func TestStartQueue_PostsQueueMessage(t *testing.T) {
	bot, session := newTestBot(t)

	view, i := startTestQueue(t, bot, nil)
	bot.queueWG.Wait()

	resp := session.lastResponse(t)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	require.NotNil(t, resp.Data)
	assert.Equal(
		t,
		"<@&role-1>A new queue has started! Click the button to join or leave the queue!",
		resp.Data.Content,
	)
	assert.Zero(t, resp.Data.Flags&discordgo.MessageFlagsEphemeral)

	join := getButtonComponent(t, resp.Data.Components, QueueButtonJoin)
	require.NotNil(t, join)
	assert.Equal(t, DefaultQueueJoinLabel, join.Label)
	assert.Equal(t, "join:"+view.ID, join.CustomID)

	leave := getButtonComponent(t, resp.Data.Components, QueueButtonLeave)
	require.NotNil(t, leave)
	assert.Equal(t, DefaultQueueLeaveLabel, leave.Label)

	channelID, messageID := view.Message()
	assert.Equal(t, testChannelID, channelID)
	assert.Equal(t, "msg_"+i.ID, messageID)
	assert.Equal(t, testGuildID, view.GuildID)
	assert.Equal(t, newDiscordUser(t).ID, view.CreatedBy)
	assert.Nil(t, view.ExpiresAt())
	assert.False(t, view.Stopped())

	var record QueueRecord
	require.NoError(t, bot.db.Where("queue_id = ?", view.ID).First(&record).Error)
	assert.Equal(t, QueueStateActive, record.State)
	assert.Equal(t, i.ID, record.InteractionID)
	assert.Equal(t, testRoleID, record.RoleID)
	assert.Equal(t, "<@&role-1>", record.RoleMention)
	assert.Equal(t, messageID, record.MessageID)
	assert.Equal(t, int64(0), record.TimeoutMinutes)
}

func TestStartQueue_EveryoneRole(t *testing.T) {
	bot, session := newTestBot(t)

	i := newStartQueueInteraction(t, newDiscordUser(t), testGuildID, nil)
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, i))
	bot.queueWG.Wait()

	resp := session.lastResponse(t)
	assert.Equal(
		t,
		"@everyoneA new queue has started! Click the button to join or leave the queue!",
		resp.Data.Content,
	)
}

func TestStartQueue_InvalidTimeout(t *testing.T) {
	bot, session := newTestBot(t)

	i := newStartQueueInteraction(t, newDiscordUser(t), testRoleID, int64Ptr(0))
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, i))

	resp := session.lastResponse(t)
	assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
	assert.Equal(t, startQueueBadTimeoutMessage, resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	assert.Equal(t, 0, bot.queues.Len())
}

func TestStartQueue_MissingRole(t *testing.T) {
	bot, session := newTestBot(t)

	i := newCommandInteraction(t, newDiscordUser(t), DiscordSlashCommandStartQueue)
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, i))

	resp := session.lastResponse(t)
	assert.Equal(t, startQueueMissingRoleMessage, resp.Data.Content)
	assert.Equal(t, 0, bot.queues.Len())
}

func TestStartQueue_RespondFailed(t *testing.T) {
	bot, session := newTestBot(t)
	session.respondErr = errMockDiscord

	i := newStartQueueInteraction(t, newDiscordUser(t), testRoleID, nil)
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, i))
	bot.queueWG.Wait()

	assert.Equal(t, 0, bot.queues.Len())
	assert.Empty(t, session.MessageEdits())
}

func TestStartQueue_Expiry(t *testing.T) {
	bot, session := newTestBot(t)
	timer := newFakeTimer(bot)

	view, i := startTestQueue(t, bot, int64Ptr(1))
	assert.Equal(t, time.Minute, timer.waitStarted(t))

	expires := view.ExpiresAt()
	require.NotNil(t, expires)
	assert.Equal(t, view.CreatedAt.Add(time.Minute), *expires)

	// clicks still work before the timeout elapses
	user := newNamedUser("u1")
	click := newButtonInteraction(
		user,
		CustomID{Action: QueueButtonJoin, QueueID: view.ID}.String(),
		&discordgo.Message{ID: "msg_" + i.ID, ChannelID: testChannelID},
	)
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, click))
	assert.Equal(t, []string{"u1"}, view.Members())

	timer.fire()
	bot.queueWG.Wait()

	assert.True(t, view.Stopped())
	assert.True(t, timer.Stopped())
	assert.Equal(t, 0, bot.queues.Len())
	assert.Equal(t, []string{"msg_" + i.ID}, session.DeletedMessages())
	assert.Equal(t, 0, session.ResponseDeletes())
	assert.Equal(t, int64(0), bot.queueTimersRunning.Load())

	var record QueueRecord
	require.NoError(t, bot.db.Where("queue_id = ?", view.ID).First(&record).Error)
	assert.Equal(t, QueueStateStopped, record.State)
	assert.Equal(t, QueueStopReasonExpired, record.StopReason)
	assert.Equal(t, 1, record.MemberCount)
	assert.Equal(t, int64(1), record.TimeoutMinutes)
	assert.NotNil(t, record.StoppedAt)

	// the message is gone, so late clicks are told the queue closed
	late := newButtonInteraction(
		newNamedUser("u2"),
		CustomID{Action: QueueButtonJoin, QueueID: view.ID}.String(),
		nil,
	)
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, late))
	resp := session.lastResponse(t)
	assert.Equal(t, DefaultQueueClosedMessage, resp.Data.Content)
	assert.Equal(t, []string{"u1"}, view.Members())
}

func TestStartQueue_ExpiryFallsBackToResponseDelete(t *testing.T) {
	bot, session := newTestBot(t)
	timer := newFakeTimer(bot)

	view, i := startTestQueue(t, bot, int64Ptr(2))
	assert.Equal(t, 2*time.Minute, timer.waitStarted(t))

	session.mu.Lock()
	session.deleteErrs["msg_"+i.ID] = errMockDiscord
	session.mu.Unlock()

	timer.fire()
	bot.queueWG.Wait()

	assert.True(t, view.Stopped())
	assert.Empty(t, session.DeletedMessages())
	assert.Equal(t, 1, session.ResponseDeletes())
}

func TestStartQueue_StopCancelsExpiry(t *testing.T) {
	bot, session := newTestBot(t)
	timer := newFakeTimer(bot)

	view, _ := startTestQueue(t, bot, int64Ptr(5))
	timer.waitStarted(t)

	require.NoError(t, bot.StopQueue(context.Background(), view.ID, false))
	bot.queueWG.Wait()

	assert.True(t, view.Stopped())
	assert.True(t, timer.Stopped())
	assert.Empty(t, session.DeletedMessages())
	assert.ErrorIs(t, bot.StopQueue(context.Background(), view.ID, false), ErrQueueNotFound)

	var record QueueRecord
	require.NoError(t, bot.db.Where("queue_id = ?", view.ID).First(&record).Error)
	assert.Equal(t, QueueStopReasonManual, record.StopReason)
}

func TestQueueButtons(t *testing.T) {
	bot, session := newTestBot(t)
	ctx := context.Background()

	view, i := startTestQueue(t, bot, nil)
	bot.queueWG.Wait()
	msg := &discordgo.Message{ID: "msg_" + i.ID, ChannelID: testChannelID}

	click := func(userID string, action QueueButtonType) {
		t.Helper()
		ic := newButtonInteraction(
			newNamedUser(userID),
			CustomID{Action: action, QueueID: view.ID}.String(),
			msg,
		)
		bot.handleInteraction(ctx, newGatewayHandler(t, bot, ic))
		resp := session.lastResponse(t)
		assert.Equal(t, discordgo.InteractionResponseDeferredMessageUpdate, resp.Type)
	}

	click("a", QueueButtonJoin)
	click("b", QueueButtonJoin)
	click("a", QueueButtonJoin)
	click("c", QueueButtonLeave)
	click("a", QueueButtonLeave)

	assert.Equal(t, []string{"b"}, view.Members())

	// only roster changes are rendered
	edits := session.MessageEdits()
	require.Len(t, edits, 3)
	for _, e := range edits {
		assert.Equal(t, msg.ID, e.ID)
		assert.Equal(t, testChannelID, e.Channel)
	}
	assert.Equal(t, "<@&role-1>Current Queue (1 members):\n1. <@a>", *edits[0].Content)
	assert.Equal(
		t,
		"<@&role-1>Current Queue (2 members):\n1. <@a>\n2. <@b>",
		*edits[1].Content,
	)
	assert.Equal(t, "<@&role-1>Current Queue (1 members):\n1. <@b>", *edits[2].Content)
}

func TestQueueButtons_UnknownQueue(t *testing.T) {
	bot, session := newTestBot(t)

	for _, customID := range []string{
		CustomID{Action: QueueButtonJoin, QueueID: "no-such-queue"}.String(),
		"garbage",
	} {
		ic := newButtonInteraction(newNamedUser("a"), customID, nil)
		bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, ic))

		resp := session.lastResponse(t)
		assert.Equal(t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type)
		assert.Equal(t, DefaultQueueClosedMessage, resp.Data.Content)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
	}
	assert.Empty(t, session.MessageEdits())
}

func TestQueueButtons_RenderFailureKeepsRoster(t *testing.T) {
	bot, session := newTestBot(t)

	view, i := startTestQueue(t, bot, nil)
	bot.queueWG.Wait()

	session.mu.Lock()
	session.editErr = errMockDiscord
	session.mu.Unlock()

	ic := newButtonInteraction(
		newNamedUser("a"),
		CustomID{Action: QueueButtonJoin, QueueID: view.ID}.String(),
		&discordgo.Message{ID: "msg_" + i.ID, ChannelID: testChannelID},
	)
	bot.handleInteraction(context.Background(), newGatewayHandler(t, bot, ic))

	assert.Equal(t, []string{"a"}, view.Members())
	assert.False(t, view.Stopped())
}

func TestParseStartQueueOptions(t *testing.T) {
	i := newStartQueueInteraction(t, newDiscordUser(t), testRoleID, int64Ptr(3))
	opts := parseStartQueueOptions(i)
	require.NotNil(t, opts.Role)
	assert.Equal(t, testRoleID, opts.Role.ID)
	assert.Equal(t, "gamers", opts.Role.Name)
	assert.Equal(t, int64(3), opts.TimeoutMinutes)
	assert.True(t, opts.timeoutSet)

	i = newStartQueueInteraction(t, newDiscordUser(t), testRoleID, nil)
	opts = parseStartQueueOptions(i)
	assert.False(t, opts.timeoutSet)
	assert.Equal(t, int64(0), opts.TimeoutMinutes)
}
