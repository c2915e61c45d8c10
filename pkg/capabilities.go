package pkg

import (
	"context"
	"sync"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

var _ EntityCapabilities = (*TemplateCapabilities)(nil)

// EntityCapabilities is what a binding needs to know about the entities it
// schedules for: who gets notified and what they read.
type EntityCapabilities interface {
	ResolveRecipients(ctx context.Context, entityId string, data map[string]interface{}) ([]string, error)
	RenderPayload(ctx context.Context, entityId string, data map[string]interface{}) (*triggers.Payload, error)
}

// CapabilityRegistry holds capabilities by binding name. Names are used
// instead of entity types because several sources share the `custom` type.
type CapabilityRegistry struct {
	lock sync.RWMutex
	caps map[string]EntityCapabilities
}

func NewCapabilityRegistry() *CapabilityRegistry {
	return &CapabilityRegistry{caps: make(map[string]EntityCapabilities)}
}

func (r *CapabilityRegistry) Register(name string, caps EntityCapabilities) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.caps[name] = caps
}

// RegisterDefault registers caps unless the name is already taken, and
// returns the capabilities in use.
func (r *CapabilityRegistry) RegisterDefault(name string, caps EntityCapabilities) EntityCapabilities {
	r.lock.Lock()
	defer r.lock.Unlock()
	if existing, found := r.caps[name]; found {
		return existing
	}
	r.caps[name] = caps
	return caps
}

func (r *CapabilityRegistry) Get(name string) (EntityCapabilities, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	caps, found := r.caps[name]
	if !found {
		return nil, errors.Errorf("no capabilities registered for %s", name)
	}
	return caps, nil
}

// TemplateCapabilities reads recipients from the event data and renders
// payload texts with templates.
type TemplateCapabilities struct {
	Kind             triggers.PayloadKind
	NotificationType triggers.NotificationType

	Message     *Template
	Description *Template
	Url         *Template

	// Event data key holding the recipients, defaults to `userIds`
	RecipientsKey string

	// Related id name -> event data key
	RelatedIds map[string]string
}

func (c *TemplateCapabilities) ResolveRecipients(_ context.Context, entityId string, data map[string]interface{}) ([]string, error) {
	key := c.RecipientsKey
	if key == "" {
		key = "userIds"
	}

	value, found := data[key]
	if !found || value == nil {
		return []string{}, nil
	}

	userIds, err := cast.ToStringSliceE(value)
	if err != nil {
		return nil, errors.WithMessagef(err, "bad recipients for %s", entityId)
	}

	// Order and duplicates are kept
	out := make([]string, 0, len(userIds))
	for _, userId := range userIds {
		if userId != "" {
			out = append(out, userId)
		}
	}
	return out, nil
}

func (c *TemplateCapabilities) RenderPayload(_ context.Context, entityId string, data map[string]interface{}) (*triggers.Payload, error) {
	payload := &triggers.Payload{
		Kind:             c.Kind,
		NotificationType: c.NotificationType,
	}

	render := func(tpl *Template, name string) (string, error) {
		if tpl == nil {
			return "", nil
		}
		out, err := tpl.Execute(data)
		if err != nil {
			return "", errors.WithMessagef(err, "failed to render %s for %s", name, entityId)
		}
		return out, nil
	}

	var err error
	if payload.Message, err = render(c.Message, "message"); err != nil {
		return nil, err
	}
	if payload.Description, err = render(c.Description, "description"); err != nil {
		return nil, err
	}
	if payload.Url, err = render(c.Url, "url"); err != nil {
		return nil, err
	}

	for name, key := range c.RelatedIds {
		value, found := data[key]
		if !found || value == nil {
			continue
		}
		s, err := cast.ToStringE(value)
		if err != nil {
			return nil, errors.WithMessagef(err, "bad related id %s for %s", name, entityId)
		}
		if s == "" {
			continue
		}
		if payload.RelatedIds == nil {
			payload.RelatedIds = make(map[string]string)
		}
		payload.RelatedIds[name] = s
	}

	return payload, nil
}
