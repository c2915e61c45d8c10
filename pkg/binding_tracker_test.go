package pkg

import (
	"context"
	"testing"
	"time"

	"triggerd/pkg/triggers"

	"github.com/stretchr/testify/require"
)

func newTestTrackerBinding(t *testing.T, config *TrackerBindingConfig) (*TrackerBinding, *Scheduler) {
	deps, s := newTestBindingDeps(&config.BindingCommonConfig)
	binding, err := config.NewBinding(deps)
	require.NoError(t, err)
	return binding.(*TrackerBinding), s
}

func TestTrackerBindingNudge(t *testing.T) {
	ctx := context.Background()
	b, s := newTestTrackerBinding(t, &TrackerBindingConfig{})

	result, err := b.Handle(ctx, map[string]interface{}{
		"action":      "started",
		"entryId":     "e-1",
		"workspaceId": "ws-1",
		"userId":      "u-1",
		"startTime":   "2024-01-01T10:00:00Z",
	})
	require.NoError(t, err)
	require.Equal(t, triggers.IntentOpReplace, result.Op)
	require.Equal(t, 1, result.Triggers)

	list := listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1")
	require.Len(t, list, 1)
	trigger := list[0]
	require.Equal(t, testNow.Add(time.Hour), trigger.TriggerTime)
	require.Equal(t, triggers.TriggerTypeDeadlineReached, trigger.TriggerType)
	require.Equal(t, "ws-1", trigger.WorkspaceId)
	require.Equal(t, []string{"u-1"}, trigger.UserIds)
	require.Equal(t, triggers.PayloadKindTrackerNudge, trigger.Payload.Kind)
	require.Equal(t, "Your timer has been running for 1h", trigger.Payload.Message)
	require.Equal(t, "e-1", trigger.Payload.RelatedIds[RelatedIdTimeEntry])

	// Edited start time moves the nudge
	_, err = b.Handle(ctx, map[string]interface{}{
		"action":    "updated",
		"entryId":   "e-1",
		"userId":    "u-1",
		"isRunning": true,
		"startTime": "2024-01-01T09:30:00Z",
	})
	require.NoError(t, err)

	list = listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1")
	require.Len(t, list, 1)
	require.Equal(t, testNow.Add(30*time.Minute), list[0].TriggerTime)

	// An edit without the running flag leaves the nudge alone
	result, err = b.Handle(ctx, map[string]interface{}{
		"action":      "updated",
		"entryId":     "e-1",
		"userId":      "u-1",
		"description": "renamed",
	})
	require.NoError(t, err)
	require.True(t, result.Ignored)

	list = listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1")
	require.Len(t, list, 1)
	require.Equal(t, testNow.Add(30*time.Minute), list[0].TriggerTime)

	// Stopping clears
	result, err = b.Handle(ctx, map[string]interface{}{
		"action":  "stopped",
		"entryId": "e-1",
	})
	require.NoError(t, err)
	require.Equal(t, triggers.IntentOpClear, result.Op)
	require.Empty(t, listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1"))
}

func TestTrackerBindingEvents(t *testing.T) {
	tests := []struct {
		event    map[string]interface{}
		expected int
	}{
		// Nudge time already passed
		{map[string]interface{}{"action": "started", "entryId": "e-1", "userId": "u-1", "startTime": "2024-01-01T08:00:00Z"}, 0},
		// Exactly now is not in the future
		{map[string]interface{}{"action": "started", "entryId": "e-1", "userId": "u-1", "startTime": "2024-01-01T09:00:00Z"}, 0},
		// Unix millis
		{map[string]interface{}{"action": "resumed", "entryId": "e-1", "userId": "u-1", "startTime": testNow.UnixMilli()}, 1},
		// Updated without running flag is ignored
		{map[string]interface{}{"action": "updated", "entryId": "e-1", "userId": "u-1", "startTime": "2024-01-01T10:00:00Z"}, 0},
		{map[string]interface{}{"action": "updated", "entryId": "e-1", "userId": "u-1", "isRunning": false}, 0},
		{map[string]interface{}{"action": "started", "entryId": "e-1", "userId": "u-1", "isRunning": false, "startTime": "2024-01-01T10:00:00Z"}, 0},
		{map[string]interface{}{"action": "paused", "entryId": "e-1"}, 0},
	}

	for idx, test := range tests {
		b, s := newTestTrackerBinding(t, &TrackerBindingConfig{})

		_, err := b.Handle(context.Background(), test.event)
		require.NoError(t, err, "test %d", idx)
		require.Len(t, listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1"), test.expected, "test %d", idx)
	}
}

func TestTrackerBindingInvalid(t *testing.T) {
	tests := []map[string]interface{}{
		{"action": "started", "userId": "u-1", "startTime": "2024-01-01T10:00:00Z"},
		{"action": "deleted", "entryId": "e-1"},
		{"action": "started", "entryId": "e-1", "userId": "u-1"},
		{"action": "started", "entryId": "e-1", "userId": "u-1", "startTime": "yesterday"},
	}

	for idx, test := range tests {
		b, s := newTestTrackerBinding(t, &TrackerBindingConfig{})

		_, err := b.Handle(context.Background(), test)
		require.Error(t, err, "test %d", idx)
		require.True(t, IsValidationError(err), "test %d", idx)
		require.Empty(t, listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1"), "test %d", idx)
	}
}

func TestTrackerBindingConfig(t *testing.T) {
	ctx := context.Background()
	nudgeAfter := 90 * time.Minute

	b, s := newTestTrackerBinding(t, &TrackerBindingConfig{
		BindingCommonConfig: BindingCommonConfig{
			Condition:        MustParseIfTemplate("condition", `eq .workspaceId "ws-1"`),
			NotificationType: triggers.NotificationTypeSlack,
		},
		NudgeAfter: &nudgeAfter,
	})

	result, err := b.Handle(ctx, map[string]interface{}{
		"action":      "started",
		"entryId":     "e-1",
		"workspaceId": "ws-2",
		"userId":      "u-1",
		"startTime":   "2024-01-01T10:00:00Z",
	})
	require.NoError(t, err)
	require.True(t, result.Ignored)
	require.Empty(t, listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1"))

	_, err = b.Handle(ctx, map[string]interface{}{
		"action":      "started",
		"entryId":     "e-1",
		"workspaceId": "ws-1",
		"userId":      "u-1",
		"startTime":   "2024-01-01T10:00:00Z",
	})
	require.NoError(t, err)

	list := listEntityTriggers(t, s, triggers.EntityTypeTrackerTimeEntry, "e-1")
	require.Len(t, list, 1)
	require.Equal(t, testNow.Add(nudgeAfter), list[0].TriggerTime)
	require.Equal(t, triggers.NotificationTypeSlack, list[0].Payload.NotificationType)
	require.Equal(t, "Your timer has been running for 1h30m", list[0].Payload.Message)
}
