package pkg

import (
	"strings"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

var ErrInvalidPayload = errors.New("invalid payload")

const (
	RelatedIdTimeEntry   = "timeEntryId"
	RelatedIdReminder    = "reminderId"
	RelatedIdPullRequest = "pullRequestId"
	RelatedIdRepository  = "repository"
)

type payloadRule struct {
	requireMessage          bool
	requireNotificationType bool
	requireUrl              bool
	requiredRelatedIds      []string
}

var payloadRules = map[triggers.PayloadKind]payloadRule{
	triggers.PayloadKindGeneric: {},
	triggers.PayloadKindTrackerNudge: {
		requireMessage:     true,
		requiredRelatedIds: []string{RelatedIdTimeEntry},
	},
	triggers.PayloadKindReminder: {
		requireMessage:          true,
		requireNotificationType: true,
	},
	triggers.PayloadKindReviewRequest: {
		requireMessage:     true,
		requireUrl:         true,
		requiredRelatedIds: []string{RelatedIdPullRequest},
	},
}

// NormalizePayload fills defaults: a missing payload becomes an empty generic one.
func NormalizePayload(p *triggers.Payload) triggers.Payload {
	if p == nil {
		return triggers.Payload{Kind: triggers.PayloadKindGeneric}
	}
	out := p.Clone()
	if out.Kind == "" {
		out.Kind = triggers.PayloadKindGeneric
	}
	return out
}

// ValidatePayload checks a payload against the shape of its kind.
func ValidatePayload(p *triggers.Payload) error {
	rule, found := payloadRules[p.Kind]
	if !found {
		return errors.WithMessagef(ErrInvalidPayload, "unknown payload kind %q", p.Kind)
	}

	if p.NotificationType != "" && !p.NotificationType.IsValid() {
		return errors.WithMessagef(ErrInvalidPayload, "unknown notification type %q", p.NotificationType)
	}

	var missing []string
	if rule.requireMessage && strings.TrimSpace(p.Message) == "" {
		missing = append(missing, "message")
	}
	if rule.requireNotificationType && p.NotificationType == "" {
		missing = append(missing, "notificationType")
	}
	if rule.requireUrl && p.Url == "" {
		missing = append(missing, "url")
	}
	for _, key := range rule.requiredRelatedIds {
		if p.RelatedIds[key] == "" {
			missing = append(missing, "relatedIds."+key)
		}
	}

	if len(missing) > 0 {
		return errors.WithMessagef(ErrInvalidPayload, "%s payload is missing %s", p.Kind, strings.Join(missing, ", "))
	}

	return nil
}

// PayloadFromMap builds a payload out of loosely typed input, e.g. a request
// body. Unknown keys end up in Extra.
func PayloadFromMap(m map[string]interface{}) (*triggers.Payload, error) {
	if m == nil {
		return nil, nil
	}

	p := &triggers.Payload{}
	for key, value := range m {
		var err error
		switch key {
		case "kind":
			var s string
			s, err = cast.ToStringE(value)
			p.Kind = triggers.PayloadKind(s)
		case "notificationType":
			var s string
			s, err = cast.ToStringE(value)
			p.NotificationType = triggers.NotificationType(s)
		case "message":
			p.Message, err = cast.ToStringE(value)
		case "description":
			p.Description, err = cast.ToStringE(value)
		case "url":
			p.Url, err = cast.ToStringE(value)
		case "relatedIds":
			p.RelatedIds, err = cast.ToStringMapStringE(value)
		case "tags":
			p.Tags, err = cast.ToStringSliceE(value)
		default:
			if p.Extra == nil {
				p.Extra = make(map[string]interface{})
			}
			p.Extra[key] = value
		}
		if err != nil {
			return nil, errors.WithMessagef(ErrInvalidPayload, "bad %s: %v", key, err)
		}
	}

	return p, nil
}
