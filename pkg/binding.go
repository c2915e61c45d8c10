package pkg

import (
	"context"
	"net/http"
	"reflect"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Binding translates entity lifecycle events into schedule intents.
type Binding interface {
	Name() string
}

type BindingHookMountRoutes interface {
	// Called on initialization, allows bindings to mount their ingress routes
	HookMountRoutes(engine *gin.Engine)
}

type BindingConfig interface {
	// Shared settings of the binding, merged with `bindings.defaults`
	Common() *BindingCommonConfig

	// Instantiates the binding related to this config
	NewBinding(deps *BindingDeps) (Binding, error)
}

// BindingDeps is what every binding gets to work with.
type BindingDeps struct {
	// Merged common config
	Config *BindingCommonConfig

	Sink         ScheduleSink
	Capabilities *CapabilityRegistry
	Log          logrus.FieldLogger
	Now          func() time.Time
}

// @formatter:off
/// [bindings-docs]
type BindingCommonConfig struct {
	// If false, the binding is not instantiated. Defaults to true.
	Enabled *bool `mapstructure:"enabled"`

	// If defined, events are processed only if this condition is met,
	// e.g. `eq .workspaceId "ws-1"`
	Condition *IfTemplate `mapstructure:"condition"`

	// Template of the notification message, the event is the context
	MessageTemplate *Template `mapstructure:"messageTemplate"`

	// Template of the notification description
	DescriptionTemplate *Template `mapstructure:"descriptionTemplate"`

	// Delivery channel, defaults to the binding's own
	NotificationType triggers.NotificationType `mapstructure:"notificationType" validate:"notificationType"`

	// List of allowed authentication methods for the ingress route
	Auth []*AuthConfig `mapstructure:"auth" validate:"dive"`

	// Ingress route, defaults to the binding's own
	Route string `mapstructure:"route"`
}

type BindingsConfig struct {
	// Holds default configs valid for all bindings.
	// Values defined in each binding will overwrite these ones.
	Defaults BindingCommonConfig `mapstructure:"defaults"`

	// Timer nudges for running time entries
	Tracker *TrackerBindingConfig `mapstructure:"tracker"`

	// Per-offset notifications of user reminders
	Reminder *ReminderBindingConfig `mapstructure:"reminder"`

	// Review reminders from GitHub pull request webhooks
	GitHub *GitHubBindingConfig `mapstructure:"github"`
}

/// [bindings-docs]
// @formatter:on

func (c *BindingCommonConfig) Common() *BindingCommonConfig {
	return c
}

func (c *BindingCommonConfig) IsEnabled() bool {
	return boolPtrOr(c.Enabled, true)
}

func mergeBindingConfig(defaults *BindingCommonConfig, bindingConfig *BindingCommonConfig) (*BindingCommonConfig, error) {
	// Merge with the defaults
	mergedConfig := &BindingCommonConfig{}
	if err := mergo.Merge(mergedConfig, defaults, mergo.WithOverride, mergo.WithTransformers(mergoTransformerCustomInstance)); err != nil {
		return nil, errors.WithMessage(err, "failed to merge defaults config")
	}
	if err := mergo.Merge(mergedConfig, bindingConfig, mergo.WithOverride, mergo.WithTransformers(mergoTransformerCustomInstance)); err != nil {
		return nil, errors.WithMessage(err, "failed to merge overriding binding config")
	}
	return mergedConfig, nil
}

// ToBindingList instantiates every configured and enabled binding.
func (config *BindingsConfig) ToBindingList(sink ScheduleSink, capabilities *CapabilityRegistry, log logrus.FieldLogger, now func() time.Time) ([]Binding, error) {
	var bindings []Binding

	configEntry := reflect.ValueOf(config).Elem()
	for j := 0; j < configEntry.NumField(); j++ {
		field := configEntry.Field(j)
		if field.Kind() != reflect.Ptr || field.IsNil() {
			continue
		}
		configField, ok := field.Interface().(BindingConfig)
		if !ok {
			return nil, errors.New("failed to cast binding entry field to BindingConfig")
		}

		merged, err := mergeBindingConfig(&config.Defaults, configField.Common())
		if err != nil {
			return nil, err
		}
		if !merged.IsEnabled() {
			continue
		}

		binding, err := configField.NewBinding(&BindingDeps{
			Config:       merged,
			Sink:         sink,
			Capabilities: capabilities,
			Log:          log,
			Now:          now,
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to initialize binding %s", configEntry.Type().Field(j).Name)
		}

		bindings = append(bindings, binding)
	}

	return bindings, nil
}

// BindingResult tells the caller what an event turned into.
type BindingResult struct {
	Ignored bool   `json:"ignored,omitempty"`
	Reason  string `json:"reason,omitempty"`

	Op           triggers.IntentOp   `json:"op,omitempty"`
	EntityType   triggers.EntityType `json:"entityType,omitempty"`
	EntityId     string              `json:"entityId,omitempty"`
	Triggers     int                 `json:"triggers"`
	SkippedSlots []string            `json:"skippedSlots,omitempty"`
}

func ignoredResult(reason string) *BindingResult {
	return &BindingResult{Ignored: true, Reason: reason}
}

// bindingBase carries what every binding does the same way.
type bindingBase struct {
	name   string
	config *BindingCommonConfig
	sink   ScheduleSink
	caps   EntityCapabilities
	log    logrus.FieldLogger
	now    func() time.Time
}

func newBindingBase(name string, deps *BindingDeps, defaultCaps *TemplateCapabilities) *bindingBase {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	if deps.Config.MessageTemplate != nil {
		defaultCaps.Message = deps.Config.MessageTemplate
	}
	if deps.Config.DescriptionTemplate != nil {
		defaultCaps.Description = deps.Config.DescriptionTemplate
	}
	if deps.Config.NotificationType != "" {
		defaultCaps.NotificationType = deps.Config.NotificationType
	}

	return &bindingBase{
		name:   name,
		config: deps.Config,
		sink:   deps.Sink,
		caps:   deps.Capabilities.RegisterDefault(name, defaultCaps),
		log:    deps.Log.WithFields(logrus.Fields{"component": "binding", "binding": name}),
		now:    now,
	}
}

func (b *bindingBase) Name() string {
	return b.name
}

// accepts evaluates the configured condition against the raw event.
func (b *bindingBase) accepts(args map[string]interface{}) (bool, error) {
	ok, err := b.config.Condition.IsTrueOrEmpty(args)
	if err != nil {
		return false, &ValidationError{errors.WithMessage(err, "failed to evaluate condition")}
	}
	return ok, nil
}

func (b *bindingBase) route(def string) string {
	if b.config.Route != "" {
		return b.config.Route
	}
	return def
}

func (b *bindingBase) submit(ctx context.Context, intent *triggers.ScheduleIntent) (*BindingResult, error) {
	if err := b.sink.Submit(ctx, intent); err != nil {
		return nil, err
	}

	b.log.WithFields(logrus.Fields{
		"op":         intent.Op,
		"entityType": intent.EntityType,
		"entityId":   intent.EntityId,
		"triggers":   len(intent.Triggers),
	}).Debug("submitted schedule intent")

	return &BindingResult{
		Op:         intent.Op,
		EntityType: intent.EntityType,
		EntityId:   intent.EntityId,
		Triggers:   len(intent.Triggers),
	}, nil
}

// mountEventRoute mounts a POST route decoding the request into args.
func (b *bindingBase) mountEventRoute(engine *gin.Engine, route string, handle func(ctx context.Context, args map[string]interface{}) (*BindingResult, error)) {
	engine.POST(route, authMiddleware(b.config.Auth), utils.WrapRequest(func(c *gin.Context) (interface{}, error) {
		args, err := utils.ExtractArgsFromGinContext(c)
		if err != nil {
			return nil, utils.NewRequestError(http.StatusBadRequest, err)
		}
		result, err := handle(c.Request.Context(), args)
		if err != nil {
			return nil, toRequestError(err)
		}
		return result, nil
	}))

	b.log.WithField("route", route).Info("added binding route")
}
