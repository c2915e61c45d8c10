package pkg

import (
	"context"
	"time"

	"triggerd/pkg/triggers"

	"github.com/sirupsen/logrus"
)

type DryRunResult struct {
	Result   *BindingResult              `json:"result"`
	Triggers []*triggers.ReminderTrigger `json:"triggers"`
}

// DryRunReminder shows which triggers a reminder event would produce at the
// given time, without touching any real store. The reminder binding config is
// merged with the bindings defaults, as when serving.
func DryRunReminder(ctx context.Context, bindings *BindingsConfig, event map[string]interface{}, now time.Time) (*DryRunResult, error) {
	if bindings == nil {
		bindings = &BindingsConfig{}
	}
	config := bindings.Reminder
	if config == nil {
		config = &ReminderBindingConfig{}
	}
	merged, err := mergeBindingConfig(&bindings.Defaults, config.Common())
	if err != nil {
		return nil, err
	}
	clock := func() time.Time { return now }
	log := logrus.StandardLogger()

	store := NewMemoryStore()
	defer store.Close()

	scheduler := NewScheduler(store, nil, log).WithClock(clock)
	sink := NewDirectSink(scheduler, log)
	sink.Propagate = true

	binding, err := config.NewBinding(&BindingDeps{
		Config:       merged,
		Sink:         sink,
		Capabilities: NewCapabilityRegistry(),
		Log:          log,
		Now:          clock,
	})
	if err != nil {
		return nil, err
	}

	result, err := binding.(*ReminderBinding).Handle(ctx, event)
	if err != nil {
		return nil, err
	}

	list, err := scheduler.ListReminderTriggers(ctx, &TriggerFilter{})
	if err != nil {
		return nil, err
	}

	return &DryRunResult{
		Result:   result,
		Triggers: list,
	}, nil
}
