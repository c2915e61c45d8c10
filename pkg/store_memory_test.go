package pkg

import (
	"context"
	"testing"
	"time"

	"triggerd/pkg/triggers"

	"github.com/stretchr/testify/require"
)

func testTrigger(entityId string, slot string, triggerTime time.Time) *triggers.ReminderTrigger {
	return &triggers.ReminderTrigger{
		EntityType:  triggers.EntityTypeTask,
		EntityId:    entityId,
		UserIds:     []string{"u-1"},
		TriggerType: triggers.TriggerTypeDeadlineReached,
		Slot:        slot,
		TriggerTime: triggerTime,
		ExpiresAt:   triggerTime.Add(24 * time.Hour),
	}
}

func TestMemoryStoreUpsertResetsDispatchState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	trigger := testTrigger("t-1", "", testNow)
	require.NoError(t, store.Insert(ctx, trigger))

	found, err := store.ClaimDue(ctx, testNow, func(_ context.Context, _ *triggers.ReminderTrigger) (*DispatchOutcome, error) {
		return &DispatchOutcome{Action: DispatchActionRetry, RetryAt: testNow.Add(time.Minute), Error: "boom"}, nil
	})
	require.NoError(t, err)
	require.True(t, found)

	list, err := store.Find(ctx, nil, testNow)
	require.NoError(t, err)
	require.Equal(t, 1, list[0].Attempts)
	require.Equal(t, "boom", list[0].LastError)

	require.NoError(t, store.Upsert(ctx, testTrigger("t-1", "", testNow.Add(time.Hour))))

	list, err = store.Find(ctx, nil, testNow)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, trigger.Id, list[0].Id)
	require.Equal(t, 0, list[0].Attempts)
	require.Nil(t, list[0].RetryAt)
	require.Empty(t, list[0].LastError)
	require.Equal(t, testNow.Add(time.Hour), list[0].TriggerTime)
}

func TestMemoryStoreRequiredFields(t *testing.T) {
	tests := []func(trigger *triggers.ReminderTrigger){
		func(trigger *triggers.ReminderTrigger) { trigger.EntityType = "" },
		func(trigger *triggers.ReminderTrigger) { trigger.EntityId = "" },
		func(trigger *triggers.ReminderTrigger) { trigger.UserIds = nil },
		func(trigger *triggers.ReminderTrigger) { trigger.TriggerType = "" },
		func(trigger *triggers.ReminderTrigger) { trigger.TriggerTime = time.Time{} },
		func(trigger *triggers.ReminderTrigger) { trigger.ExpiresAt = time.Time{} },
	}

	for idx, test := range tests {
		store := NewMemoryStore()
		trigger := testTrigger("t-1", "", testNow)
		test(trigger)
		require.Error(t, store.Insert(context.Background(), trigger), "test %d", idx)
		require.Error(t, store.Upsert(context.Background(), trigger), "test %d", idx)
	}
}

func TestMemoryStoreReplaceOtherEntity(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, testTrigger("t-1", "a", testNow)))

	ref := triggers.EntityRef{EntityType: triggers.EntityTypeTask, EntityId: "t-1"}
	require.Error(t, store.Replace(ctx, ref, []*triggers.ReminderTrigger{testTrigger("t-2", "a", testNow)}))

	// Failed replacement left everything in place
	list, err := store.Find(ctx, nil, testNow)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "t-1", list[0].EntityId)
}

func TestMemoryStoreClaimDueSkipsClaimed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Insert(ctx, testTrigger("t-1", "", testNow.Add(-time.Minute))))
	require.NoError(t, store.Insert(ctx, testTrigger("t-2", "", testNow)))

	var order []string
	found, err := store.ClaimDue(ctx, testNow, func(ctx context.Context, outer *triggers.ReminderTrigger) (*DispatchOutcome, error) {
		order = append(order, outer.EntityId)

		// A concurrent worker gets the next trigger
		found, err := store.ClaimDue(ctx, testNow, func(_ context.Context, inner *triggers.ReminderTrigger) (*DispatchOutcome, error) {
			order = append(order, inner.EntityId)
			return &DispatchOutcome{Action: DispatchActionRemove}, nil
		})
		require.NoError(t, err)
		require.True(t, found)

		return &DispatchOutcome{Action: DispatchActionRemove}, nil
	})
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []string{"t-1", "t-2"}, order)

	list, err := store.Find(ctx, nil, testNow)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestMemoryStoreFindFilter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := testTrigger("t-1", "a", testNow)
	a.WorkspaceId = "ws-1"
	b := testTrigger("t-1", "b", testNow.Add(time.Minute))
	b.UserIds = []string{"u-2", "u-3"}
	expired := testTrigger("t-1", "c", testNow)
	expired.ExpiresAt = testNow
	for _, trigger := range []*triggers.ReminderTrigger{a, b, expired} {
		require.NoError(t, store.Insert(ctx, trigger))
	}

	slot := "b"
	tests := []struct {
		filter   *TriggerFilter
		expected []string
	}{
		{nil, []string{"a", "b"}},
		{&TriggerFilter{EntityId: "t-1"}, []string{"a", "b"}},
		{&TriggerFilter{EntityId: "t-2"}, nil},
		{&TriggerFilter{WorkspaceId: "ws-1"}, []string{"a"}},
		{&TriggerFilter{UserId: "u-3"}, []string{"b"}},
		{&TriggerFilter{Slot: &slot}, []string{"b"}},
		{&TriggerFilter{TriggerType: triggers.TriggerTypeOverdue}, nil},
	}

	for idx, test := range tests {
		list, err := store.Find(ctx, test.filter, testNow)
		require.NoError(t, err, "test %d", idx)

		var slots []string
		for _, trigger := range list {
			slots = append(slots, trigger.Slot)
		}
		require.Equal(t, test.expected, slots, "test %d", idx)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	require.ErrorIs(t, store.Insert(ctx, testTrigger("t-1", "", testNow)), ErrStoreClosed)
	_, err := store.Find(ctx, nil, testNow)
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.ClaimDue(ctx, testNow, nil)
	require.ErrorIs(t, err, ErrStoreClosed)
}
