package pkg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ BindingConfig = (*ReminderBindingConfig)(nil)
var _ BindingHookMountRoutes = (*ReminderBinding)(nil)

const (
	reminderBindingName           = "reminder"
	reminderBindingDefaultRoute   = "/events/reminder"
	reminderBindingDefaultMessage = `{{ .title }}{{ if .minutesBefore }} in {{ humanizeDuration (printf "%dm" .minutesBefore) }}{{ end }}`
	// Used when the rendered message is blank, e.g. an untitled reminder
	reminderBindingFallbackMessage = "Reminder"
	reminderEntityIdPrefix         = "reminder-"
)

// reminderEntityId namespaces reminder ids inside the shared custom entity type.
func reminderEntityId(reminderId string) string {
	return reminderEntityIdPrefix + reminderId
}

// @formatter:off
/// [bindings-docs]
type ReminderBindingConfig struct {
	BindingCommonConfig `mapstructure:",squash"`
}

/// [bindings-docs]
// @formatter:on

type ReminderAction string

const (
	ReminderActionSaved     ReminderAction = "saved"
	ReminderActionCompleted ReminderAction = "completed"
	ReminderActionDeleted   ReminderAction = "deleted"
)

type ReminderNotification struct {
	// Delivery channel
	Type triggers.NotificationType `json:"type"`

	// Offset before the due date, 0 means at the due date
	MinutesBefore int `json:"minutesBefore"`

	// Overrides the rendered message
	Message string `json:"message"`
}

func (n *ReminderNotification) slot() string {
	return fmt.Sprintf("%s:%d", n.Type, n.MinutesBefore)
}

func (n *ReminderNotification) triggerType() triggers.TriggerType {
	if n.MinutesBefore == 0 {
		return triggers.TriggerTypeDeadlineReached
	}
	return triggers.TriggerTypePreDeadline
}

// ReminderEvent is a user reminder lifecycle change.
type ReminderEvent struct {
	Action                ReminderAction          `json:"action"`
	ReminderId            string                  `json:"reminderId"`
	WorkspaceId           string                  `json:"workspaceId"`
	UserIds               []string                `json:"userIds"`
	Title                 string                  `json:"title"`
	Description           string                  `json:"description"`
	DueDate               interface{}             `json:"dueDate"`
	Notifications         []*ReminderNotification `json:"notifications"`
	RepeatIntervalMinutes *int                    `json:"repeatIntervalMinutes"`
}

type ReminderBinding struct {
	*bindingBase
}

func (config *ReminderBindingConfig) NewBinding(deps *BindingDeps) (Binding, error) {
	return &ReminderBinding{
		bindingBase: newBindingBase(reminderBindingName, deps, &TemplateCapabilities{
			Kind:    triggers.PayloadKindReminder,
			Message: MustParseTemplate("reminder-message", reminderBindingDefaultMessage),
			RelatedIds: map[string]string{
				RelatedIdReminder: "reminderId",
			},
		}),
	}, nil
}

func (b *ReminderBinding) HookMountRoutes(engine *gin.Engine) {
	b.mountEventRoute(engine, b.route(reminderBindingDefaultRoute), b.Handle)
}

func (b *ReminderBinding) Handle(ctx context.Context, args map[string]interface{}) (*BindingResult, error) {
	event := new(ReminderEvent)
	if err := utils.DecodeMapToStructJSON(args, event); err != nil {
		return nil, &ValidationError{errors.WithMessage(err, "bad reminder event")}
	}
	if event.ReminderId == "" {
		return nil, &ValidationError{errors.New("missing reminderId")}
	}

	if ok, err := b.accepts(args); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return ignoredResult("condition not met"), nil
	}

	switch event.Action {
	case ReminderActionSaved:
		intent, skipped, err := b.buildIntent(ctx, event, args)
		if err != nil {
			return nil, err
		}
		result, err := b.submit(ctx, intent)
		if err != nil {
			return nil, err
		}
		result.SkippedSlots = skipped
		return result, nil
	case ReminderActionCompleted, ReminderActionDeleted:
		return b.submit(ctx, &triggers.ScheduleIntent{
			Op:         triggers.IntentOpClear,
			EntityType: triggers.EntityTypeCustom,
			EntityId:   reminderEntityId(event.ReminderId),
		})
	default:
		return nil, &ValidationError{errors.Errorf("unknown reminder action %q", event.Action)}
	}
}

// buildIntent turns every future notification offset into a trigger. The
// whole set replaces the reminder's triggers, so removed offsets disappear.
func (b *ReminderBinding) buildIntent(ctx context.Context, event *ReminderEvent, args map[string]interface{}) (*triggers.ScheduleIntent, []string, error) {
	now := b.now()
	dueDate, err := ParseTriggerTime(event.DueDate, now)
	if err != nil {
		return nil, nil, &ValidationError{errors.WithMessage(err, "bad dueDate")}
	}

	intent := &triggers.ScheduleIntent{
		Op:         triggers.IntentOpReplace,
		EntityType: triggers.EntityTypeCustom,
		EntityId:   reminderEntityId(event.ReminderId),
	}

	var skipped []string
	seen := make(map[string]bool)
	for _, notification := range event.Notifications {
		if notification == nil {
			continue
		}
		if !notification.Type.IsValid() {
			return nil, nil, &ValidationError{errors.Errorf("unknown notification type %q", notification.Type)}
		}
		if notification.MinutesBefore < 0 {
			return nil, nil, &ValidationError{errors.Errorf("negative minutesBefore %d", notification.MinutesBefore)}
		}

		slot := notification.slot()
		if seen[slot] {
			continue
		}
		seen[slot] = true

		triggerTime := dueDate.Add(-time.Duration(notification.MinutesBefore) * time.Minute)
		if !triggerTime.After(now) {
			b.log.WithFields(logrus.Fields{
				"reminderId":  event.ReminderId,
				"slot":        slot,
				"triggerTime": triggerTime,
			}).Debug("notification time already passed, skipping")
			skipped = append(skipped, slot)
			continue
		}

		spec, err := b.triggerSpec(ctx, event, notification, dueDate, triggerTime, args)
		if err != nil {
			return nil, nil, err
		}
		intent.Triggers = append(intent.Triggers, spec)
	}

	return intent, skipped, nil
}

func (b *ReminderBinding) triggerSpec(ctx context.Context, event *ReminderEvent, notification *ReminderNotification, dueDate time.Time, triggerTime time.Time, args map[string]interface{}) (*triggers.TriggerSpec, error) {
	data := make(map[string]interface{}, len(args)+3)
	utils.MergeMap(data, args)
	data["dueDate"] = dueDate
	data["minutesBefore"] = notification.MinutesBefore
	data["type"] = string(notification.Type)

	userIds, err := b.caps.ResolveRecipients(ctx, event.ReminderId, data)
	if err != nil {
		return nil, &ValidationError{err}
	}

	payload, err := b.caps.RenderPayload(ctx, event.ReminderId, data)
	if err != nil {
		return nil, &ValidationError{err}
	}
	payload.NotificationType = notification.Type
	if notification.Message != "" {
		payload.Message = notification.Message
	}
	if strings.TrimSpace(payload.Message) == "" {
		payload.Message = reminderBindingFallbackMessage
	}
	if err := ValidatePayload(payload); err != nil {
		return nil, &ValidationError{err}
	}

	var repeat *int
	if event.RepeatIntervalMinutes != nil {
		v := *event.RepeatIntervalMinutes
		repeat = &v
	}

	return &triggers.TriggerSpec{
		EntityType:            triggers.EntityTypeCustom,
		EntityId:              reminderEntityId(event.ReminderId),
		WorkspaceId:           event.WorkspaceId,
		UserIds:               userIds,
		TriggerType:           notification.triggerType(),
		Slot:                  notification.slot(),
		TriggerTime:           triggerTime,
		RepeatIntervalMinutes: repeat,
		Payload:               payload,
	}, nil
}
