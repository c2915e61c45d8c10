package triggers

type PayloadKind string

const (
	PayloadKindGeneric       PayloadKind = "generic"
	PayloadKindTrackerNudge  PayloadKind = "tracker_nudge"
	PayloadKindReminder      PayloadKind = "reminder"
	PayloadKindReviewRequest PayloadKind = "review_request"
)

var PayloadKinds = []PayloadKind{
	PayloadKindGeneric,
	PayloadKindTrackerNudge,
	PayloadKindReminder,
	PayloadKindReviewRequest,
}

type NotificationType string

const (
	NotificationTypeInApp NotificationType = "in_app"
	NotificationTypeEmail NotificationType = "email"
	NotificationTypePush  NotificationType = "push"
	NotificationTypeSMS   NotificationType = "sms"
	NotificationTypeSlack NotificationType = "slack"
)

var NotificationTypes = []NotificationType{
	NotificationTypeInApp,
	NotificationTypeEmail,
	NotificationTypePush,
	NotificationTypeSMS,
	NotificationTypeSlack,
}

func (t NotificationType) IsValid() bool {
	for _, v := range NotificationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// @formatter:off
/// [payload]
type Payload struct {
	// Which shape this payload has, defaults to `generic`
	Kind PayloadKind `json:"kind"`

	// Delivery channel, defaults to `in_app`
	NotificationType NotificationType `json:"notificationType,omitempty"`

	Message     string `json:"message,omitempty"`
	Description string `json:"description,omitempty"`
	Url         string `json:"url,omitempty"`

	// Ids of related objects, e.g. `timeEntryId`, `pullRequestId`
	RelatedIds map[string]string `json:"relatedIds,omitempty"`

	Tags []string `json:"tags,omitempty"`

	// Free-form additions, rendered as-is by notifiers
	Extra map[string]interface{} `json:"extra,omitempty"`
}

/// [payload]
// @formatter:on

// Channel returns the notification type, falling back to in-app delivery.
func (p Payload) Channel() NotificationType {
	if p.NotificationType == "" {
		return NotificationTypeInApp
	}
	return p.NotificationType
}

func (p Payload) Clone() Payload {
	clone := p
	if p.RelatedIds != nil {
		clone.RelatedIds = make(map[string]string, len(p.RelatedIds))
		for k, v := range p.RelatedIds {
			clone.RelatedIds[k] = v
		}
	}
	if p.Tags != nil {
		clone.Tags = append([]string(nil), p.Tags...)
	}
	if p.Extra != nil {
		clone.Extra = make(map[string]interface{}, len(p.Extra))
		for k, v := range p.Extra {
			clone.Extra[k] = v
		}
	}
	return clone
}
