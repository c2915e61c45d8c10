package triggers

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	tableNameReminderTriggers = "reminder_triggers"
	tableNameScheduleIntents  = "schedule_intents"
)

// MaxRepeatIntervalMinutes is one year.
const MaxRepeatIntervalMinutes = 525600

type EntityType string

const (
	EntityTypePlannerEvent     EntityType = "planner_event"
	EntityTypeTask             EntityType = "task"
	EntityTypeTrackerTimeEntry EntityType = "tracker_time_entry"
	EntityTypeProject          EntityType = "project"
	EntityTypeCustom           EntityType = "custom"
)

var EntityTypes = []EntityType{
	EntityTypePlannerEvent,
	EntityTypeTask,
	EntityTypeTrackerTimeEntry,
	EntityTypeProject,
	EntityTypeCustom,
}

func (t EntityType) IsValid() bool {
	for _, v := range EntityTypes {
		if v == t {
			return true
		}
	}
	return false
}

type TriggerType string

const (
	TriggerTypeImmediate       TriggerType = "immediate"
	TriggerTypePreDeadline     TriggerType = "pre_deadline"
	TriggerTypeDeadlineReached TriggerType = "deadline_reached"
	TriggerTypeOverdue         TriggerType = "overdue"
	TriggerTypeCustom          TriggerType = "custom"
)

var TriggerTypes = []TriggerType{
	TriggerTypeImmediate,
	TriggerTypePreDeadline,
	TriggerTypeDeadlineReached,
	TriggerTypeOverdue,
	TriggerTypeCustom,
}

func (t TriggerType) IsValid() bool {
	for _, v := range TriggerTypes {
		if v == t {
			return true
		}
	}
	return false
}

// EntityRef identifies the domain object owning a set of triggers.
type EntityRef struct {
	EntityType EntityType `json:"entityType"`
	EntityId   string     `json:"entityId"`
}

type ReminderTrigger struct {
	bun.BaseModel `bun:"table:reminder_triggers,alias:rt"`

	Id int64 `bun:",pk,autoincrement" json:"id"`

	EntityType  EntityType `bun:",notnull" json:"entityType"`
	EntityId    string     `bun:",notnull" json:"entityId"`
	WorkspaceId string     `bun:",nullzero" json:"workspaceId,omitempty"`

	// Recipients, in order. Duplicates are kept.
	UserIds []string `bun:",array,notnull" json:"userIds"`

	TriggerType TriggerType `bun:",notnull" json:"triggerType"`

	// Lets an entity own more than one trigger of the same type,
	// e.g. one per reminder notification offset.
	Slot string `bun:",notnull" json:"slot,omitempty"`

	TriggerTime           time.Time  `bun:",notnull" json:"triggerTime"`
	RepeatIntervalMinutes *int       `json:"repeatIntervalMinutes,omitempty"`
	LastNotifiedAt        *time.Time `json:"lastNotifiedAt,omitempty"`

	// Dispatch state for the current due point
	Attempts  int        `bun:",notnull" json:"attempts"`
	RetryAt   *time.Time `json:"retryAt,omitempty"`
	LastError string     `bun:",nullzero" json:"lastError,omitempty"`

	Payload Payload `bun:"type:jsonb" json:"payload"`

	ExpiresAt time.Time `bun:",notnull" json:"expiresAt"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp" json:"updatedAt"`
}

func (t *ReminderTrigger) Ref() EntityRef {
	return EntityRef{t.EntityType, t.EntityId}
}

func (t *ReminderTrigger) IsRepeating() bool {
	return t.RepeatIntervalMinutes != nil && *t.RepeatIntervalMinutes > 0
}

// IsDue reports whether the trigger should be dispatched at the given time.
func (t *ReminderTrigger) IsDue(now time.Time) bool {
	if t.TriggerTime.After(now) || !t.ExpiresAt.After(now) {
		return false
	}
	if t.LastNotifiedAt != nil && !t.LastNotifiedAt.Before(t.TriggerTime) {
		return false
	}
	if t.RetryAt != nil && t.RetryAt.After(now) {
		return false
	}
	return true
}

func (t *ReminderTrigger) Clone() *ReminderTrigger {
	clone := *t
	clone.UserIds = append([]string(nil), t.UserIds...)
	if t.RepeatIntervalMinutes != nil {
		v := *t.RepeatIntervalMinutes
		clone.RepeatIntervalMinutes = &v
	}
	if t.LastNotifiedAt != nil {
		v := *t.LastNotifiedAt
		clone.LastNotifiedAt = &v
	}
	if t.RetryAt != nil {
		v := *t.RetryAt
		clone.RetryAt = &v
	}
	clone.Payload = t.Payload.Clone()
	return &clone
}

type IntentOp string

const (
	// Replace the whole trigger set of an entity
	IntentOpReplace IntentOp = "replace"
	// Upsert each trigger by key
	IntentOpReschedule IntentOp = "reschedule"
	// Delete by filter
	IntentOpClear IntentOp = "clear"
)

type IntentStatus string

const (
	IntentStatusPending IntentStatus = "pending"
	IntentStatusDead    IntentStatus = "dead"
)

// ScheduleIntent is an outbox record: a scheduling side effect persisted
// next to an entity change and applied later by the relay.
type ScheduleIntent struct {
	bun.BaseModel `bun:"table:schedule_intents,alias:si"`

	Id int64 `bun:",pk,autoincrement" json:"id"`

	Op         IntentOp   `bun:",notnull" json:"op"`
	EntityType EntityType `bun:",notnull" json:"entityType"`
	EntityId   string     `bun:",notnull" json:"entityId"`

	// Narrowing for IntentOpClear
	TriggerType TriggerType `bun:",nullzero" json:"triggerType,omitempty"`
	Slot        *string     `json:"slot,omitempty"`

	Triggers []*TriggerSpec `bun:"type:jsonb" json:"triggers,omitempty"`

	Status        IntentStatus `bun:",notnull" json:"status"`
	Attempts      int          `bun:",notnull" json:"attempts"`
	NextAttemptAt time.Time    `bun:",notnull" json:"nextAttemptAt"`
	LastError     string       `bun:",nullzero" json:"lastError,omitempty"`
	CreatedAt     time.Time    `bun:",nullzero,notnull,default:current_timestamp" json:"createdAt"`
}

func (i *ScheduleIntent) Ref() EntityRef {
	return EntityRef{i.EntityType, i.EntityId}
}

// TriggerSpec is the serializable form of a scheduling request.
type TriggerSpec struct {
	EntityType            EntityType  `json:"entityType" validate:"required,entityType"`
	EntityId              string      `json:"entityId" validate:"required"`
	WorkspaceId           string      `json:"workspaceId,omitempty"`
	UserIds               []string    `json:"userIds" validate:"required"`
	TriggerType           TriggerType `json:"triggerType" validate:"required,triggerType"`
	Slot                  string      `json:"slot,omitempty"`
	TriggerTime           time.Time   `json:"triggerTime" validate:"required"`
	RepeatIntervalMinutes *int        `json:"repeatIntervalMinutes,omitempty" validate:"omitempty,min=1,max=525600"`
	ExpiresAt             *time.Time  `json:"expiresAt,omitempty"`
	Payload               *Payload    `json:"payload,omitempty" validate:"-"`
}

func (s *TriggerSpec) Ref() EntityRef {
	return EntityRef{s.EntityType, s.EntityId}
}
