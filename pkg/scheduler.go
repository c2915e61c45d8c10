package pkg

import (
	"context"
	"fmt"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// @formatter:off
/// [config]
const schedulerDefaultTTL = 90 * 24 * time.Hour

type SchedulerConfig struct {
	// How long a trigger is kept before being garbage-collected, whether
	// it fired or not. Defaults to [schedulerDefaultTTL].
	DefaultTTL *time.Duration `mapstructure:"defaultTtl"`
}

/// [config]
// @formatter:on

// ValidationError is returned when a scheduling request is rejected before
// reaching the store.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

func init() {
	validations := map[string]validator.Func{
		"entityType": func(fl validator.FieldLevel) bool {
			return triggers.EntityType(fl.Field().String()).IsValid()
		},
		"triggerType": func(fl validator.FieldLevel) bool {
			return triggers.TriggerType(fl.Field().String()).IsValid()
		},
		"notificationType": func(fl validator.FieldLevel) bool {
			value := fl.Field().String()
			return value == "" || triggers.NotificationType(value).IsValid()
		},
	}

	for tag, fn := range validations {
		if err := utils.Validate.RegisterValidation(tag, fn); err != nil {
			logrus.WithError(err).WithField("tag", tag).Fatal("invalid validation function")
		}
	}
}

type Scheduler struct {
	store  TriggerStore
	config *SchedulerConfig
	log    logrus.FieldLogger

	now func() time.Time
}

func NewScheduler(store TriggerStore, config *SchedulerConfig, log logrus.FieldLogger) *Scheduler {
	if config == nil {
		config = &SchedulerConfig{}
	}
	return &Scheduler{
		store:  store,
		config: config,
		log:    log.WithField("component", "scheduler"),
		now:    time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

func (s *Scheduler) ttl() time.Duration {
	if s.config.DefaultTTL != nil {
		return *s.config.DefaultTTL
	}
	return schedulerDefaultTTL
}

// buildTrigger validates a request and turns it into a storable record.
func (s *Scheduler) buildTrigger(spec *triggers.TriggerSpec) (*triggers.ReminderTrigger, error) {
	if spec == nil {
		return nil, &ValidationError{errors.New("missing trigger options")}
	}

	// The only hard precondition, checked first for a precise error
	if spec.TriggerTime.IsZero() {
		return nil, &ValidationError{ErrMissingTriggerTime}
	}

	if err := utils.Validate.Struct(spec); err != nil {
		return nil, &ValidationError{err}
	}

	payload := NormalizePayload(spec.Payload)
	if err := ValidatePayload(&payload); err != nil {
		return nil, &ValidationError{err}
	}

	if len(spec.UserIds) == 0 {
		s.log.WithFields(logrus.Fields{
			"entityType": spec.EntityType,
			"entityId":   spec.EntityId,
		}).Warn("scheduling trigger without recipients")
	}

	now := s.now()
	expiresAt := now.Add(s.ttl())
	if spec.ExpiresAt != nil && !spec.ExpiresAt.IsZero() {
		expiresAt = *spec.ExpiresAt
	}

	var repeat *int
	if spec.RepeatIntervalMinutes != nil {
		v := *spec.RepeatIntervalMinutes
		repeat = &v
	}

	return &triggers.ReminderTrigger{
		EntityType:            spec.EntityType,
		EntityId:              spec.EntityId,
		WorkspaceId:           spec.WorkspaceId,
		UserIds:               utils.StringSliceUnique(spec.UserIds),
		TriggerType:           spec.TriggerType,
		Slot:                  spec.Slot,
		TriggerTime:           spec.TriggerTime,
		RepeatIntervalMinutes: repeat,
		Payload:               payload,
		ExpiresAt:             expiresAt,
	}, nil
}

// ScheduleReminderTrigger validates and stores a new trigger.
// A trigger with the same key must not exist already.
func (s *Scheduler) ScheduleReminderTrigger(ctx context.Context, spec *triggers.TriggerSpec) (*triggers.ReminderTrigger, error) {
	trigger, err := s.buildTrigger(spec)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, trigger); err != nil {
		if errors.Is(err, ErrTriggerExists) {
			return nil, err
		}
		return nil, errors.WithMessage(err, "failed to schedule reminder trigger")
	}

	s.logTrigger(trigger).Debug("scheduled reminder trigger")
	return trigger, nil
}

// ScheduleRequest is the loosely typed form of a scheduling call, as
// received over HTTP.
type ScheduleRequest struct {
	EntityType            string                 `json:"entityType"`
	EntityId              string                 `json:"entityId"`
	WorkspaceId           string                 `json:"workspaceId"`
	UserIds               []string               `json:"userIds"`
	TriggerType           string                 `json:"triggerType"`
	Slot                  string                 `json:"slot"`
	TriggerTime           interface{}            `json:"triggerTime"`
	RepeatIntervalMinutes *int                   `json:"repeatIntervalMinutes"`
	ExpiresAt             interface{}            `json:"expiresAt"`
	Payload               map[string]interface{} `json:"payload"`
}

// ToSpec parses the loosely typed fields. Any failure is a ValidationError.
func (r *ScheduleRequest) ToSpec(now time.Time) (*triggers.TriggerSpec, error) {
	triggerTime, err := ParseTriggerTime(r.TriggerTime, now)
	if err != nil {
		return nil, &ValidationError{err}
	}

	var expiresAt *time.Time
	if r.ExpiresAt != nil {
		t, err := ParseTriggerTime(r.ExpiresAt, now)
		if err != nil {
			return nil, &ValidationError{errors.WithMessage(err, "bad expiresAt")}
		}
		expiresAt = &t
	}

	payload, err := PayloadFromMap(r.Payload)
	if err != nil {
		return nil, &ValidationError{err}
	}

	return &triggers.TriggerSpec{
		EntityType:            triggers.EntityType(r.EntityType),
		EntityId:              r.EntityId,
		WorkspaceId:           r.WorkspaceId,
		UserIds:               r.UserIds,
		TriggerType:           triggers.TriggerType(r.TriggerType),
		Slot:                  r.Slot,
		TriggerTime:           triggerTime,
		RepeatIntervalMinutes: r.RepeatIntervalMinutes,
		ExpiresAt:             expiresAt,
		Payload:               payload,
	}, nil
}

func (s *Scheduler) ScheduleReminderTriggerRequest(ctx context.Context, req *ScheduleRequest) (*triggers.ReminderTrigger, error) {
	spec, err := req.ToSpec(s.now())
	if err != nil {
		return nil, err
	}
	return s.ScheduleReminderTrigger(ctx, spec)
}

// RescheduleReminderTrigger atomically replaces the trigger having the same
// key, or creates it.
func (s *Scheduler) RescheduleReminderTrigger(ctx context.Context, spec *triggers.TriggerSpec) (*triggers.ReminderTrigger, error) {
	trigger, err := s.buildTrigger(spec)
	if err != nil {
		return nil, err
	}

	if err := s.store.Upsert(ctx, trigger); err != nil {
		return nil, errors.WithMessage(err, "failed to reschedule reminder trigger")
	}

	s.logTrigger(trigger).Debug("rescheduled reminder trigger")
	return trigger, nil
}

// ReplaceReminderTriggers atomically clears every trigger of the entity and
// creates the given ones. An empty list only clears.
func (s *Scheduler) ReplaceReminderTriggers(ctx context.Context, ref triggers.EntityRef, specs ...*triggers.TriggerSpec) ([]*triggers.ReminderTrigger, error) {
	if !ref.EntityType.IsValid() || ref.EntityId == "" {
		return nil, &ValidationError{errors.Errorf("invalid entity %s/%s", ref.EntityType, ref.EntityId)}
	}

	list := make([]*triggers.ReminderTrigger, 0, len(specs))
	for _, spec := range specs {
		trigger, err := s.buildTrigger(spec)
		if err != nil {
			return nil, err
		}
		if trigger.Ref() != ref {
			return nil, &ValidationError{errors.Errorf("trigger for %s/%s in replacement set of %s/%s", trigger.EntityType, trigger.EntityId, ref.EntityType, ref.EntityId)}
		}
		list = append(list, trigger)
	}

	if err := s.store.Replace(ctx, ref, list); err != nil {
		return nil, errors.WithMessage(err, "failed to replace reminder triggers")
	}

	s.log.WithFields(logrus.Fields{
		"entityType": ref.EntityType,
		"entityId":   ref.EntityId,
		"count":      len(list),
	}).Debug("replaced reminder triggers")
	return list, nil
}

// ClearReminderTriggers removes the triggers of an entity, optionally only
// those of the given type. Removing nothing is not an error.
func (s *Scheduler) ClearReminderTriggers(ctx context.Context, entityType triggers.EntityType, entityId string, triggerType ...triggers.TriggerType) (int, error) {
	filter := &TriggerFilter{EntityType: entityType, EntityId: entityId}
	if len(triggerType) > 0 {
		filter.TriggerType = triggerType[0]
	}
	return s.clear(ctx, filter)
}

func (s *Scheduler) clear(ctx context.Context, filter *TriggerFilter) (int, error) {
	if !filter.EntityType.IsValid() || filter.EntityId == "" {
		return 0, &ValidationError{errors.Errorf("invalid entity %s/%s", filter.EntityType, filter.EntityId)}
	}
	if filter.TriggerType != "" && !filter.TriggerType.IsValid() {
		return 0, &ValidationError{errors.Errorf("invalid trigger type %s", filter.TriggerType)}
	}

	count, err := s.store.DeleteMany(ctx, filter)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to clear reminder triggers")
	}

	if count > 0 {
		s.log.WithFields(logrus.Fields{
			"entityType":  filter.EntityType,
			"entityId":    filter.EntityId,
			"triggerType": filter.TriggerType,
			"count":       count,
		}).Debug("cleared reminder triggers")
	}
	return count, nil
}

func (s *Scheduler) ListReminderTriggers(ctx context.Context, filter *TriggerFilter) ([]*triggers.ReminderTrigger, error) {
	list, err := s.store.Find(ctx, filter, s.now())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list reminder triggers")
	}
	return list, nil
}

func (s *Scheduler) ListDueReminderTriggers(ctx context.Context, limit int) ([]*triggers.ReminderTrigger, error) {
	list, err := s.store.FindDue(ctx, s.now(), limit)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to list due reminder triggers")
	}
	return list, nil
}

// Apply executes a schedule intent.
func (s *Scheduler) Apply(ctx context.Context, intent *triggers.ScheduleIntent) error {
	switch intent.Op {
	case triggers.IntentOpReplace:
		_, err := s.ReplaceReminderTriggers(ctx, intent.Ref(), intent.Triggers...)
		return err
	case triggers.IntentOpReschedule:
		for _, spec := range intent.Triggers {
			if _, err := s.RescheduleReminderTrigger(ctx, spec); err != nil {
				return err
			}
		}
		return nil
	case triggers.IntentOpClear:
		_, err := s.clear(ctx, &TriggerFilter{
			EntityType:  intent.EntityType,
			EntityId:    intent.EntityId,
			TriggerType: intent.TriggerType,
			Slot:        intent.Slot,
		})
		return err
	default:
		return &ValidationError{errors.Errorf("unknown intent op %q", intent.Op)}
	}
}

func (s *Scheduler) logTrigger(t *triggers.ReminderTrigger) logrus.FieldLogger {
	return s.log.WithFields(logrus.Fields{
		"entityType":  t.EntityType,
		"entityId":    t.EntityId,
		"triggerType": t.TriggerType,
		"triggerTime": t.TriggerTime,
		"id":          t.Id,
	})
}
