package pkg

import (
	"context"
	"time"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
)

var (
	ErrTriggerExists = errors.New("a trigger with the same key already exists")
	ErrStoreClosed   = errors.New("store closed")
)

// TriggerFilter selects triggers of one entity. Empty optional fields match
// everything.
type TriggerFilter struct {
	EntityType  triggers.EntityType
	EntityId    string
	WorkspaceId string
	UserId      string
	TriggerType triggers.TriggerType
	Slot        *string
}

func (f *TriggerFilter) Matches(t *triggers.ReminderTrigger) bool {
	if f.EntityType != "" && t.EntityType != f.EntityType {
		return false
	}
	if f.EntityId != "" && t.EntityId != f.EntityId {
		return false
	}
	if f.WorkspaceId != "" && t.WorkspaceId != f.WorkspaceId {
		return false
	}
	if f.TriggerType != "" && t.TriggerType != f.TriggerType {
		return false
	}
	if f.Slot != nil && t.Slot != *f.Slot {
		return false
	}
	if f.UserId != "" {
		found := false
		for _, userId := range t.UserIds {
			if userId == f.UserId {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func filterForRef(ref triggers.EntityRef) *TriggerFilter {
	return &TriggerFilter{EntityType: ref.EntityType, EntityId: ref.EntityId}
}

type DispatchAction string

const (
	DispatchActionRemove     DispatchAction = "remove"
	DispatchActionReschedule DispatchAction = "reschedule"
	DispatchActionRetry      DispatchAction = "retry"
)

// DispatchOutcome is what happened to a claimed trigger, applied by the store
// in the same unit of work as the claim.
type DispatchOutcome struct {
	Action DispatchAction

	// DispatchActionReschedule
	NextTriggerTime time.Time
	NotifiedAt      time.Time

	// DispatchActionRetry
	RetryAt time.Time
	Error   string
}

// Apply mutates the trigger according to a reschedule or retry outcome.
func (o *DispatchOutcome) Apply(t *triggers.ReminderTrigger, now time.Time) {
	switch o.Action {
	case DispatchActionReschedule:
		notifiedAt := o.NotifiedAt
		t.TriggerTime = o.NextTriggerTime
		t.LastNotifiedAt = &notifiedAt
		t.Attempts = 0
		t.RetryAt = nil
		t.LastError = ""
	case DispatchActionRetry:
		retryAt := o.RetryAt
		t.Attempts++
		t.RetryAt = &retryAt
		t.LastError = o.Error
	}
	t.UpdatedAt = now
}

type DispatchHandler func(ctx context.Context, trigger *triggers.ReminderTrigger) (*DispatchOutcome, error)

type TriggerStore interface {
	// Insert fails with ErrTriggerExists on a key collision
	Insert(ctx context.Context, trigger *triggers.ReminderTrigger) error

	// Upsert replaces the trigger having the same key, resetting its
	// dispatch state
	Upsert(ctx context.Context, trigger *triggers.ReminderTrigger) error

	// Replace atomically deletes every trigger of the entity and upserts the
	// given ones
	Replace(ctx context.Context, ref triggers.EntityRef, newTriggers []*triggers.ReminderTrigger) error

	DeleteMany(ctx context.Context, filter *TriggerFilter) (int, error)

	// Find returns non-expired triggers ordered by trigger time
	Find(ctx context.Context, filter *TriggerFilter, now time.Time) ([]*triggers.ReminderTrigger, error)

	FindDue(ctx context.Context, now time.Time, limit int) ([]*triggers.ReminderTrigger, error)

	// ClaimDue locks the earliest due trigger, runs the handler and applies
	// its outcome. Returns false if nothing was due.
	ClaimDue(ctx context.Context, now time.Time, handler DispatchHandler) (bool, error)

	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

type IntentHandler func(ctx context.Context, intent *triggers.ScheduleIntent) error

type IntentStore interface {
	InsertIntent(ctx context.Context, intent *triggers.ScheduleIntent) error

	// ClaimIntent locks the oldest pending intent whose next attempt is due
	// and runs the handler. On success the intent is deleted, otherwise
	// `onFailure` decides how it is updated.
	ClaimIntent(ctx context.Context, now time.Time, handler IntentHandler, onFailure func(intent *triggers.ScheduleIntent, err error)) (bool, error)

	FindIntents(ctx context.Context, status triggers.IntentStatus) ([]*triggers.ScheduleIntent, error)
}

// Store is what a backend driver provides.
type Store interface {
	TriggerStore
	IntentStore
	Close() error
}

func triggerKey(t *triggers.ReminderTrigger) string {
	return string(t.EntityType) + "\x00" + t.EntityId + "\x00" + string(t.TriggerType) + "\x00" + t.Slot
}

func checkRequiredTriggerFields(t *triggers.ReminderTrigger) error {
	switch {
	case t.EntityType == "":
		return errors.New("entityType is required")
	case t.EntityId == "":
		return errors.New("entityId is required")
	case t.UserIds == nil:
		return errors.New("userIds is required")
	case t.TriggerType == "":
		return errors.New("triggerType is required")
	case t.TriggerTime.IsZero():
		return errors.New("triggerTime is required")
	case t.ExpiresAt.IsZero():
		return errors.New("expiresAt is required")
	}
	return nil
}
