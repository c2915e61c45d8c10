package pkg

import (
	"context"
	"time"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ ScheduleSink = (*DirectSink)(nil)
var _ ScheduleSink = (*OutboxSink)(nil)

// ScheduleSink receives the scheduling side effects of entity changes.
type ScheduleSink interface {
	Submit(ctx context.Context, intent *triggers.ScheduleIntent) error
}

// DirectSink applies intents right away. Failures are logged and, unless
// Propagate is set, swallowed so that the entity change is not failed by its
// reminder.
type DirectSink struct {
	scheduler *Scheduler
	log       logrus.FieldLogger

	Propagate bool
}

func NewDirectSink(scheduler *Scheduler, log logrus.FieldLogger) *DirectSink {
	return &DirectSink{
		scheduler: scheduler,
		log:       log.WithField("component", "sink"),
	}
}

func (s *DirectSink) Submit(ctx context.Context, intent *triggers.ScheduleIntent) error {
	err := s.scheduler.Apply(ctx, intent)
	if err == nil {
		return nil
	}

	err = errors.WithMessagef(err, "failed to apply %s intent for %s/%s", intent.Op, intent.EntityType, intent.EntityId)
	if s.Propagate || IsValidationError(err) {
		return err
	}

	s.log.WithError(err).Error("scheduling failed, entity change kept")
	return nil
}

// OutboxSink persists intents for the relay to apply.
type OutboxSink struct {
	store IntentStore
	now   func() time.Time
}

func NewOutboxSink(store IntentStore) *OutboxSink {
	return &OutboxSink{store, time.Now}
}

func (s *OutboxSink) Submit(ctx context.Context, intent *triggers.ScheduleIntent) error {
	now := s.now()
	intent.Status = triggers.IntentStatusPending
	intent.NextAttemptAt = now
	intent.CreatedAt = now
	if err := s.store.InsertIntent(ctx, intent); err != nil {
		return errors.WithMessage(err, "failed to enqueue schedule intent")
	}
	return nil
}

// @formatter:off
/// [config]
const outboxDefaultScanInterval = 5 * time.Second

type OutboxConfig struct {
	// If true, bindings enqueue schedule intents instead of calling the
	// scheduler inline
	Enabled bool `mapstructure:"enabled"`

	// How frequently the relay looks for pending intents.
	// Defaults to [outboxDefaultScanInterval].
	ScanInterval *time.Duration `mapstructure:"scanInterval"`

	// Retry policy for intents which fail to apply
	Retry RetryConfig `mapstructure:"retry"`

	// If true, failures of the inline scheduler are returned to the caller
	// (only used when the outbox is disabled)
	PropagateErrors bool `mapstructure:"propagateErrors"`
}

/// [config]
// @formatter:on

// OutboxRelay applies pending schedule intents.
type OutboxRelay struct {
	store     IntentStore
	scheduler *Scheduler
	config    *OutboxConfig
	log       logrus.FieldLogger

	now  func() time.Time
	loop *pollLoop
}

func NewOutboxRelay(store IntentStore, scheduler *Scheduler, config *OutboxConfig, log logrus.FieldLogger) *OutboxRelay {
	r := &OutboxRelay{
		store:     store,
		scheduler: scheduler,
		config:    config,
		log:       log.WithField("component", "outbox"),
		now:       time.Now,
	}

	restInterval := outboxDefaultScanInterval
	if config.ScanInterval != nil {
		restInterval = *config.ScanInterval
	}
	r.loop = &pollLoop{
		log:          r.log,
		restInterval: restInterval,
		iterate:      r.RunOnce,
	}
	return r
}

// RunOnce applies at most one pending intent and reports whether one was found.
func (r *OutboxRelay) RunOnce(ctx context.Context) (bool, error) {
	now := r.now()

	return r.store.ClaimIntent(ctx, now, r.scheduler.Apply, func(intent *triggers.ScheduleIntent, err error) {
		intent.Attempts++
		intent.LastError = err.Error()

		log := r.log.WithFields(logrus.Fields{
			"intentId":   intent.Id,
			"op":         intent.Op,
			"entityType": intent.EntityType,
			"entityId":   intent.EntityId,
			"attempts":   intent.Attempts,
		}).WithError(err)

		// Validation errors never succeed on retry
		if IsValidationError(err) {
			intent.Status = triggers.IntentStatusDead
			log.Error("schedule intent rejected")
			return
		}

		delay, giveUpErr := r.config.Retry.NextDelay(&RetryInfo{
			Elapsed:    now.Sub(intent.CreatedAt),
			RetryCount: intent.Attempts,
		})
		if giveUpErr != nil {
			intent.Status = triggers.IntentStatusDead
			log.WithField("reason", giveUpErr.Error()).Error("schedule intent dead")
			return
		}

		intent.NextAttemptAt = now.Add(delay)
		log.WithField("nextAttemptAt", intent.NextAttemptAt).Warn("schedule intent failed, will retry")
	})
}

func (r *OutboxRelay) OnStart(ctx context.Context) {
	r.loop.start(ctx)
}

func (r *OutboxRelay) OnStop() {
	r.loop.stop()
}
