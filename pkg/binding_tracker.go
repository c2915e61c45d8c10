package pkg

import (
	"context"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

var _ BindingConfig = (*TrackerBindingConfig)(nil)
var _ BindingHookMountRoutes = (*TrackerBinding)(nil)

const (
	trackerBindingName              = "tracker"
	trackerBindingDefaultRoute      = "/events/tracker"
	trackerBindingDefaultNudgeAfter = 60 * time.Minute
	trackerBindingDefaultMessage    = `Your timer has been running for {{ humanizeDuration .elapsed }}`
)

// @formatter:off
/// [bindings-docs]
type TrackerBindingConfig struct {
	BindingCommonConfig `mapstructure:",squash"`

	// How long a timer runs before its owner is nudged.
	// Defaults to [trackerBindingDefaultNudgeAfter]
	NudgeAfter *time.Duration `mapstructure:"nudgeAfter"`
}

/// [bindings-docs]
// @formatter:on

type TrackerAction string

const (
	TrackerActionStarted TrackerAction = "started"
	TrackerActionResumed TrackerAction = "resumed"
	TrackerActionUpdated TrackerAction = "updated"
	TrackerActionStopped TrackerAction = "stopped"
	TrackerActionPaused  TrackerAction = "paused"
)

// TrackerEvent is a time entry lifecycle change.
type TrackerEvent struct {
	Action      TrackerAction `json:"action"`
	EntryId     string        `json:"entryId"`
	WorkspaceId string        `json:"workspaceId"`
	UserId      string        `json:"userId"`
	StartTime   interface{}   `json:"startTime"`
	IsRunning   *bool         `json:"isRunning"`
	Description string        `json:"description"`
}

// running tells whether the entry is still counting time after this event.
func (e *TrackerEvent) running() bool {
	switch e.Action {
	case TrackerActionStarted, TrackerActionResumed:
		return boolPtrOr(e.IsRunning, true)
	case TrackerActionUpdated:
		return e.IsRunning != nil && *e.IsRunning
	default:
		return false
	}
}

type TrackerBinding struct {
	*bindingBase
	nudgeAfter time.Duration
}

func (config *TrackerBindingConfig) NewBinding(deps *BindingDeps) (Binding, error) {
	return &TrackerBinding{
		bindingBase: newBindingBase(trackerBindingName, deps, &TemplateCapabilities{
			Kind:             triggers.PayloadKindTrackerNudge,
			NotificationType: triggers.NotificationTypeInApp,
			Message:          MustParseTemplate("tracker-message", trackerBindingDefaultMessage),
			RelatedIds: map[string]string{
				RelatedIdTimeEntry: "entryId",
			},
		}),
		nudgeAfter: durationOr(config.NudgeAfter, trackerBindingDefaultNudgeAfter),
	}, nil
}

func (b *TrackerBinding) HookMountRoutes(engine *gin.Engine) {
	b.mountEventRoute(engine, b.route(trackerBindingDefaultRoute), b.Handle)
}

// Handle schedules a nudge for a running entry, or clears it otherwise.
func (b *TrackerBinding) Handle(ctx context.Context, args map[string]interface{}) (*BindingResult, error) {
	event := new(TrackerEvent)
	if err := utils.DecodeMapToStructJSON(args, event); err != nil {
		return nil, &ValidationError{errors.WithMessage(err, "bad tracker event")}
	}
	if event.EntryId == "" {
		return nil, &ValidationError{errors.New("missing entryId")}
	}

	switch event.Action {
	case TrackerActionStarted, TrackerActionResumed, TrackerActionUpdated, TrackerActionStopped, TrackerActionPaused:
	default:
		return nil, &ValidationError{errors.Errorf("unknown tracker action %q", event.Action)}
	}

	// Without the flag an edit says nothing about the timer, keep its nudge
	if event.Action == TrackerActionUpdated && event.IsRunning == nil {
		return ignoredResult("running state unknown"), nil
	}

	if ok, err := b.accepts(args); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return ignoredResult("condition not met"), nil
	}

	clearIntent := &triggers.ScheduleIntent{
		Op:          triggers.IntentOpClear,
		EntityType:  triggers.EntityTypeTrackerTimeEntry,
		EntityId:    event.EntryId,
		TriggerType: triggers.TriggerTypeDeadlineReached,
	}

	if !event.running() {
		return b.submit(ctx, clearIntent)
	}

	now := b.now()
	startTime, err := ParseTriggerTime(event.StartTime, now)
	if err != nil {
		return nil, &ValidationError{errors.WithMessage(err, "bad startTime")}
	}

	triggerTime := startTime.Add(b.nudgeAfter)
	if !triggerTime.After(now) {
		b.log.WithField("entryId", event.EntryId).Debug("nudge time already passed, clearing")
		return b.submit(ctx, clearIntent)
	}

	data := make(map[string]interface{}, len(args)+2)
	utils.MergeMap(data, args)
	data["userIds"] = []string{event.UserId}
	data["elapsed"] = b.nudgeAfter

	spec, err := b.triggerSpec(ctx, event, triggerTime, data)
	if err != nil {
		return nil, err
	}

	return b.submit(ctx, &triggers.ScheduleIntent{
		Op:         triggers.IntentOpReplace,
		EntityType: triggers.EntityTypeTrackerTimeEntry,
		EntityId:   event.EntryId,
		Triggers:   []*triggers.TriggerSpec{spec},
	})
}

func (b *TrackerBinding) triggerSpec(ctx context.Context, event *TrackerEvent, triggerTime time.Time, data map[string]interface{}) (*triggers.TriggerSpec, error) {
	userIds, err := b.caps.ResolveRecipients(ctx, event.EntryId, data)
	if err != nil {
		return nil, &ValidationError{err}
	}

	payload, err := b.caps.RenderPayload(ctx, event.EntryId, data)
	if err != nil {
		return nil, &ValidationError{err}
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, &ValidationError{err}
	}

	return &triggers.TriggerSpec{
		EntityType:  triggers.EntityTypeTrackerTimeEntry,
		EntityId:    event.EntryId,
		WorkspaceId: event.WorkspaceId,
		UserIds:     userIds,
		TriggerType: triggers.TriggerTypeDeadlineReached,
		TriggerTime: triggerTime,
		Payload:     payload,
	}, nil
}
