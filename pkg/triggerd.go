package pkg

import (
	"context"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/davecgh/go-spew/spew"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Triggerd wires storage, scheduling, bindings and dispatch together.
type Triggerd struct {
	config *Config
	log    logrus.FieldLogger

	store        Store
	scheduler    *Scheduler
	sink         ScheduleSink
	capabilities *CapabilityRegistry
	bindings     []Binding

	dispatcher *Dispatcher
	relay      *OutboxRelay
}

func NewTriggerd(ctx context.Context, config *Config) (*Triggerd, error) {
	log := logrus.WithField("component", "triggerd")

	store, err := newStore(ctx, config)
	if err != nil {
		return nil, err
	}

	t := &Triggerd{
		config:       config,
		log:          log,
		store:        store,
		capabilities: NewCapabilityRegistry(),
	}

	t.scheduler = NewScheduler(store, &config.Scheduler, logrus.StandardLogger())

	if config.Outbox.Enabled {
		t.sink = NewOutboxSink(store)
		t.relay = NewOutboxRelay(store, t.scheduler, &config.Outbox, logrus.StandardLogger())
	} else {
		directSink := NewDirectSink(t.scheduler, logrus.StandardLogger())
		directSink.Propagate = config.Outbox.PropagateErrors
		t.sink = directSink
	}

	if boolPtrOr(config.Dispatch.Enabled, true) {
		t.dispatcher = NewDispatcher(store, newNotifier(&config.Notifiers, &config.Dispatch), &config.Dispatch, logrus.StandardLogger())

		if config.Archive != nil && config.Archive.Conn != "" {
			archive, err := NewTriggerArchive(config.Archive, logrus.StandardLogger())
			if err != nil {
				return nil, err
			}
			t.dispatcher.AddFiredSink(archive)
		}
	}

	bindings, err := config.Bindings.ToBindingList(t.sink, t.capabilities, logrus.StandardLogger(), time.Now)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize bindings")
	}
	t.bindings = bindings

	return t, nil
}

func newStore(ctx context.Context, config *Config) (Store, error) {
	switch config.StoreDriver() {
	case StoreDriverPostgres:
		db, err := NewDB(config.Database)
		if err != nil {
			return nil, err
		}
		return NewBunStore(ctx, db)
	case StoreDriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown store driver %s", config.StoreDriver())
	}
}

// newNotifier builds the delivery chain: dedup, then per-channel routing.
func newNotifier(config *NotifiersConfig, dispatch *DispatchConfig) Notifier {
	var fallback Notifier
	if config.Fallback != NotifierFallbackNone {
		fallback = NewLogNotifier(logrus.StandardLogger())
	}

	router := NewNotifierRouter(fallback)
	for _, webhook := range config.Webhooks {
		router.Register(webhook.Channel, NewWebhookNotifier(webhook, logrus.StandardLogger()))
	}

	return NewDedupNotifier(router, utils.NewCache(), durationOr(dispatch.DedupWindow, dispatchDefaultDedupWindow))
}

func (t *Triggerd) Scheduler() *Scheduler {
	return t.scheduler
}

func (t *Triggerd) Capabilities() *CapabilityRegistry {
	return t.capabilities
}

// Sink is where entity changes submit their scheduling side effects.
func (t *Triggerd) Sink() ScheduleSink {
	return t.sink
}

func (t *Triggerd) MountRoutes(engine *gin.Engine) {
	MountTriggerRoutes(engine, t.scheduler, t.config.Auth)
	MountIntentRoutes(engine, t.store, t.config.Auth)

	for _, binding := range t.bindings {
		if hook, ok := binding.(BindingHookMountRoutes); ok {
			hook.HookMountRoutes(engine)
		}

		log := t.log.WithField("binding", binding.Name())
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			log.WithField("config", spew.Sdump(t.config.Bindings)).Debug("added binding")
		} else {
			log.Info("added binding")
		}
	}
}

func (t *Triggerd) OnStart(ctx context.Context) {
	if t.dispatcher != nil {
		t.dispatcher.OnStart(ctx)
	}
	if t.relay != nil {
		t.relay.OnStart(ctx)
	}
}

func (t *Triggerd) OnStop() {
	if t.relay != nil {
		t.relay.OnStop()
	}
	if t.dispatcher != nil {
		t.dispatcher.OnStop()
	}
	if err := t.store.Close(); err != nil {
		t.log.WithError(err).Warn("failed to close store")
	}
	CloseAllDBConnections()
}

// DeadIntents lists the intents the relay gave up on.
func (t *Triggerd) DeadIntents(ctx context.Context) ([]*triggers.ScheduleIntent, error) {
	return t.store.FindIntents(ctx, triggers.IntentStatusDead)
}
