package discordbot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"testing"
	"time"
)

func TestCustomID(t *testing.T) {
	c := CustomID{Action: QueueButtonJoin, QueueID: "abc-123"}
	assert.Equal(t, "join:abc-123", c.String())

	decoded, err := decodeCustomID(c.String())
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestCustomID_Error(t *testing.T) {
	for _, customID := range []string{
		"",
		"join",
		"join:",
		"join:a:b",
		"jump:abc-123",
	} {
		t.Run(
			customID, func(t *testing.T) {
				_, err := decodeCustomID(customID)
				assert.Error(t, err)
			},
		)
	}
}

func TestQueueView_JoinLeave(t *testing.T) {
	q := NewQueueView("<@&1>")

	changed, err := q.Join("a")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = q.Join("b")
	require.NoError(t, err)
	assert.True(t, changed)

	// duplicate joins don't change the roster
	changed, err = q.Join("a")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"a", "b"}, q.Members())

	changed, err = q.Leave("c")
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = q.Join("c")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = q.Leave("a")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"b", "c"}, q.Members())
	assert.Equal(t, 2, q.Len())

	// rejoining goes to the back of the queue
	_, err = q.Join("a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, q.Members())
}

func TestQueueView_MembersCopy(t *testing.T) {
	q := NewQueueView("")
	_, _ = q.Join("a")
	members := q.Members()
	members[0] = "z"
	assert.Equal(t, []string{"a"}, q.Members())
}

func TestQueueView_Content(t *testing.T) {
	q := NewQueueView("<@&123>")
	assert.Equal(t, "<@&123>Current Queue (0 members):\n", q.Content())

	_, _ = q.Join("111")
	_, _ = q.Join("222")
	assert.Equal(
		t,
		"<@&123>Current Queue (2 members):\n1. <@111>\n2. <@222>",
		q.Content(),
	)

	_, _ = q.Leave("111")
	assert.Equal(t, "<@&123>Current Queue (1 members):\n1. <@222>", q.Content())

	assert.Equal(
		t,
		"<@&123>A new queue has started! Click the button to join or leave the queue!",
		q.StartedContent(),
	)
}

func TestQueueView_Components(t *testing.T) {
	q := NewQueueView("<@&123>")
	q.SetLabels("In", "")

	components := q.Components()
	join := getButtonComponent(t, components, QueueButtonJoin)
	require.NotNil(t, join)
	assert.Equal(t, "In", join.Label)
	assert.Equal(t, discordgo.PrimaryButton, join.Style)
	assert.Equal(t, fmt.Sprintf("join:%s", q.ID), join.CustomID)

	leave := getButtonComponent(t, components, QueueButtonLeave)
	require.NotNil(t, leave)
	assert.Equal(t, DefaultQueueLeaveLabel, leave.Label)
	assert.Equal(t, discordgo.DangerButton, leave.Style)
	assert.Equal(t, fmt.Sprintf("leave:%s", q.ID), leave.CustomID)
}

func TestQueueView_Stop(t *testing.T) {
	q := NewQueueView("<@&123>")
	_, _ = q.Join("a")

	assert.True(t, q.Stop(QueueStopReasonExpired))
	assert.False(t, q.Stop(QueueStopReasonManual))
	assert.True(t, q.Stopped())

	select {
	case <-q.Done():
	default:
		t.Fatal("expected done channel to be closed")
	}

	_, err := q.Join("b")
	assert.ErrorIs(t, err, ErrQueueStopped)
	_, err = q.Leave("a")
	assert.ErrorIs(t, err, ErrQueueStopped)
	assert.Equal(t, []string{"a"}, q.Members())

	snapshot := q.Snapshot()
	assert.Equal(t, QueueStateStopped, snapshot.State)
	assert.Equal(t, QueueStopReasonExpired, snapshot.StopReason)
}

func TestQueueView_ConcurrentJoins(t *testing.T) {
	q := NewQueueView("<@&123>")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		userID := fmt.Sprintf("user-%d", i)
		go func() {
			defer wg.Done()
			_, _ = q.Join(userID)
		}()
		go func() {
			defer wg.Done()
			_, _ = q.Join(userID)
		}()
	}
	wg.Wait()

	members := q.Members()
	assert.Len(t, members, 50)
	seen := map[string]bool{}
	for _, m := range members {
		assert.False(t, seen[m], "duplicate member %s", m)
		seen[m] = true
	}
}

func TestQueueView_Render(t *testing.T) {
	session := newMockDiscordSession(t)
	q := NewQueueView("<@&123>")

	err := q.Render(context.Background(), session)
	assert.ErrorIs(t, err, errQueueNoMessage)

	q.SetMessage(testChannelID, "msg-1")
	_, _ = q.Join("a")
	require.NoError(t, q.Render(context.Background(), session))

	edits := session.MessageEdits()
	require.Len(t, edits, 1)
	assert.Equal(t, testChannelID, edits[0].Channel)
	assert.Equal(t, "msg-1", edits[0].ID)
	require.NotNil(t, edits[0].Content)
	assert.Equal(t, "<@&123>Current Queue (1 members):\n1. <@a>", *edits[0].Content)

	session.editErr = errMockDiscord
	assert.ErrorIs(t, q.Render(context.Background(), session), errMockDiscord)
}

func TestQueueView_ExpiresAt(t *testing.T) {
	q := NewQueueView("")
	assert.Nil(t, q.ExpiresAt())

	q.Timeout = 5 * time.Minute
	expires := q.ExpiresAt()
	require.NotNil(t, expires)
	assert.Equal(t, q.CreatedAt.Add(5*time.Minute), *expires)
}

func TestQueueRegistry(t *testing.T) {
	r := NewQueueRegistry()

	first := NewQueueView("first")
	second := NewQueueView("second")
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	r.Add(second)
	r.Add(first)
	assert.Equal(t, 2, r.Len())

	got, ok := r.Get(first.ID)
	require.True(t, ok)
	assert.Same(t, first, got)

	all := r.All()
	require.Len(t, all, 2)
	assert.Same(t, first, all[0])
	assert.Same(t, second, all[1])

	assert.True(t, r.Remove(first.ID))
	assert.False(t, r.Remove(first.ID))
	_, ok = r.Get(first.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
