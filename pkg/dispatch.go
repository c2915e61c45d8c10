package pkg

import (
	"context"
	"fmt"
	"time"

	"triggerd/pkg/triggers"

	"github.com/Masterminds/goutils"
	"github.com/sirupsen/logrus"
)

// @formatter:off
/// [config]
const (
	dispatchDefaultScanInterval  = 10 * time.Second
	dispatchDefaultPurgeInterval = 10 * time.Minute
	dispatchDefaultDedupWindow   = 24 * time.Hour
)

type DispatchConfig struct {
	// If false, this instance does not fire triggers
	Enabled *bool `mapstructure:"enabled"`

	// How frequently should the loop check for due triggers, when idle?
	// Defaults to [dispatchDefaultScanInterval]
	ScanInterval *time.Duration `mapstructure:"scanInterval"`

	// How frequently expired triggers are deleted.
	// Defaults to [dispatchDefaultPurgeInterval]
	PurgeInterval *time.Duration `mapstructure:"purgeInterval"`

	// How long a delivered notification is remembered to avoid duplicates.
	// Defaults to [dispatchDefaultDedupWindow]
	DedupWindow *time.Duration `mapstructure:"dedupWindow"`

	// Retry policy for triggers whose delivery failed. Exhausted triggers
	// are removed.
	Retry RetryConfig `mapstructure:"retry"`
}

/// [config]
// @formatter:on

// FiredTrigger describes one processed due point.
type FiredTrigger struct {
	Trigger   *triggers.ReminderTrigger `json:"trigger"`
	Outcome   DispatchAction            `json:"outcome"`
	Delivered []string                  `json:"delivered"`
	Failed    map[string]string         `json:"failed,omitempty"`
	FiredAt   time.Time                 `json:"firedAt"`
}

// FiredTriggerSink receives every processed due point, e.g. for archiving.
type FiredTriggerSink interface {
	TriggerFired(ctx context.Context, fired *FiredTrigger) error
}

// Dispatcher fires due triggers.
//
// Each trigger moves Scheduled -> Fired -> Rescheduled | Removed. Delivery is
// at-least-once: the store update happens after notifying, so a crash in
// between fires again, and the notifier deduplicates.
type Dispatcher struct {
	store    TriggerStore
	notifier Notifier
	config   *DispatchConfig
	log      logrus.FieldLogger
	fired    []FiredTriggerSink

	now       func() time.Time
	loop      *pollLoop
	lastPurge time.Time
}

func NewDispatcher(store TriggerStore, notifier Notifier, config *DispatchConfig, log logrus.FieldLogger) *Dispatcher {
	workerId, _ := goutils.RandomAlphaNumeric(8)

	d := &Dispatcher{
		store:    store,
		notifier: notifier,
		config:   config,
		log: log.WithFields(logrus.Fields{
			"component": "dispatch",
			"worker":    workerId,
		}),
		now: time.Now,
	}

	restInterval := dispatchDefaultScanInterval
	if config.ScanInterval != nil {
		restInterval = *config.ScanInterval
	}
	d.loop = &pollLoop{
		log:          d.log,
		restInterval: restInterval,
		iterate:      d.iterate,
	}
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

func (d *Dispatcher) AddFiredSink(sink FiredTriggerSink) {
	d.fired = append(d.fired, sink)
}

func (d *Dispatcher) purgeInterval() time.Duration {
	if d.config.PurgeInterval != nil {
		return *d.config.PurgeInterval
	}
	return dispatchDefaultPurgeInterval
}

func (d *Dispatcher) iterate(ctx context.Context) (bool, error) {
	now := d.now()
	if now.Sub(d.lastPurge) >= d.purgeInterval() {
		d.lastPurge = now
		if _, err := d.PurgeExpired(ctx); err != nil {
			d.log.WithError(err).Warn("failed to purge expired triggers")
		}
	}

	return d.RunOnce(ctx)
}

// notifierPurger is implemented by notifiers holding expiring state.
type notifierPurger interface {
	Purge() int
}

func (d *Dispatcher) PurgeExpired(ctx context.Context) (int, error) {
	if purger, ok := d.notifier.(notifierPurger); ok {
		if removed := purger.Purge(); removed > 0 {
			d.log.WithField("count", removed).Debug("purged notifier dedup entries")
		}
	}

	count, err := d.store.PurgeExpired(ctx, d.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		d.log.WithField("count", count).Info("purged expired triggers")
	}
	return count, nil
}

// RunOnce fires at most one due trigger and reports whether one was found.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	return d.store.ClaimDue(ctx, d.now(), d.fire)
}

// RunUntilIdle fires due triggers until none is left, returning how many
// were processed.
func (d *Dispatcher) RunUntilIdle(ctx context.Context) (int, error) {
	count := 0
	for {
		found, err := d.RunOnce(ctx)
		if err != nil {
			return count, err
		}
		if !found {
			return count, nil
		}
		count++
	}
}

func (d *Dispatcher) fire(ctx context.Context, trigger *triggers.ReminderTrigger) (*DispatchOutcome, error) {
	now := d.now()
	log := d.log.WithFields(logrus.Fields{
		"id":          trigger.Id,
		"entityType":  trigger.EntityType,
		"entityId":    trigger.EntityId,
		"triggerType": trigger.TriggerType,
		"triggerTime": trigger.TriggerTime,
	})

	fired := &FiredTrigger{
		Trigger: trigger,
		FiredAt: now,
	}

	for _, userId := range trigger.UserIds {
		if err := d.notifier.Notify(ctx, NewNotification(trigger, userId)); err != nil {
			if fired.Failed == nil {
				fired.Failed = make(map[string]string)
			}
			fired.Failed[userId] = err.Error()
			log.WithError(err).WithField("userId", userId).Warn("failed to notify recipient")
			continue
		}
		fired.Delivered = append(fired.Delivered, userId)
	}

	outcome := d.outcome(trigger, fired, now)
	fired.Outcome = outcome.Action

	switch outcome.Action {
	case DispatchActionRemove:
		log.WithField("delivered", len(fired.Delivered)).Info("trigger fired and removed")
	case DispatchActionReschedule:
		log.WithField("next", outcome.NextTriggerTime).Info("trigger fired and rescheduled")
	case DispatchActionRetry:
		log.WithField("retryAt", outcome.RetryAt).Warn("trigger delivery failed, will retry")
	}

	for _, sink := range d.fired {
		if err := sink.TriggerFired(ctx, fired); err != nil {
			log.WithError(err).Warn("fired trigger sink failed")
		}
	}

	return outcome, nil
}

func (d *Dispatcher) outcome(trigger *triggers.ReminderTrigger, fired *FiredTrigger, now time.Time) *DispatchOutcome {
	if len(fired.Failed) > 0 {
		delay, err := d.config.Retry.NextDelay(&RetryInfo{
			Elapsed:    now.Sub(trigger.TriggerTime),
			RetryCount: trigger.Attempts + 1,
		})
		if err == nil {
			var lastErr string
			for _, userId := range trigger.UserIds {
				if msg, failed := fired.Failed[userId]; failed {
					lastErr = fmt.Sprintf("%s: %s", userId, msg)
					break
				}
			}
			return &DispatchOutcome{
				Action:  DispatchActionRetry,
				RetryAt: now.Add(delay),
				Error:   lastErr,
			}
		}

		d.log.WithFields(logrus.Fields{
			"id":       trigger.Id,
			"entityId": trigger.EntityId,
			"failed":   fired.Failed,
		}).WithError(err).Error("giving up on trigger delivery")
	}

	if !trigger.IsRepeating() {
		return &DispatchOutcome{Action: DispatchActionRemove}
	}

	next := NextRepeatTime(trigger.TriggerTime, *trigger.RepeatIntervalMinutes, now)
	if !next.Before(trigger.ExpiresAt) {
		return &DispatchOutcome{Action: DispatchActionRemove}
	}

	return &DispatchOutcome{
		Action:          DispatchActionReschedule,
		NextTriggerTime: next,
		NotifiedAt:      now,
	}
}

// NextRepeatTime advances `from` by whole intervals until it is after `now`.
// Missed occurrences are skipped rather than fired in a burst. Intervals are
// capped to [triggers.MaxRepeatIntervalMinutes].
func NextRepeatTime(from time.Time, intervalMinutes int, now time.Time) time.Time {
	if intervalMinutes < 1 {
		intervalMinutes = 1
	}
	if intervalMinutes > triggers.MaxRepeatIntervalMinutes {
		intervalMinutes = triggers.MaxRepeatIntervalMinutes
	}
	interval := time.Duration(intervalMinutes) * time.Minute
	next := from.Add(interval)
	if next.After(now) {
		return next
	}

	missed := now.Sub(next)/interval + 1
	return next.Add(missed * interval)
}

func (d *Dispatcher) OnStart(ctx context.Context) {
	d.loop.start(ctx)
}

func (d *Dispatcher) OnStop() {
	d.loop.stop()
}
