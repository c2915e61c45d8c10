package pkg

import (
	"testing"

	"triggerd/pkg/triggers"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		payload triggers.Payload
		valid   bool
	}{
		{triggers.Payload{Kind: triggers.PayloadKindGeneric}, true},
		{triggers.Payload{Kind: "unknown"}, false},
		{triggers.Payload{Kind: triggers.PayloadKindGeneric, NotificationType: "pigeon"}, false},

		{triggers.Payload{Kind: triggers.PayloadKindTrackerNudge, Message: "hi", RelatedIds: map[string]string{RelatedIdTimeEntry: "e1"}}, true},
		{triggers.Payload{Kind: triggers.PayloadKindTrackerNudge, Message: "hi"}, false},
		{triggers.Payload{Kind: triggers.PayloadKindTrackerNudge, Message: "  ", RelatedIds: map[string]string{RelatedIdTimeEntry: "e1"}}, false},

		{triggers.Payload{Kind: triggers.PayloadKindReminder, Message: "due", NotificationType: triggers.NotificationTypeEmail}, true},
		{triggers.Payload{Kind: triggers.PayloadKindReminder, Message: "due"}, false},

		{triggers.Payload{Kind: triggers.PayloadKindReviewRequest, Message: "review", Url: "https://example.com/pr/1", RelatedIds: map[string]string{RelatedIdPullRequest: "1"}}, true},
		{triggers.Payload{Kind: triggers.PayloadKindReviewRequest, Message: "review", RelatedIds: map[string]string{RelatedIdPullRequest: "1"}}, false},
	}

	for idx, test := range tests {
		err := ValidatePayload(&test.payload)
		if test.valid {
			require.NoError(t, err, "test %d", idx)
		} else {
			require.Error(t, err, "test %d", idx)
			require.True(t, errors.Is(err, ErrInvalidPayload), "test %d", idx)
		}
	}
}

func TestNormalizePayload(t *testing.T) {
	require.Equal(t, triggers.Payload{Kind: triggers.PayloadKindGeneric}, NormalizePayload(nil))

	p := NormalizePayload(&triggers.Payload{Message: "hello"})
	require.Equal(t, triggers.PayloadKindGeneric, p.Kind)
	require.Equal(t, triggers.NotificationTypeInApp, p.Channel())
}

func TestPayloadFromMap(t *testing.T) {
	p, err := PayloadFromMap(map[string]interface{}{
		"kind":             "reminder",
		"notificationType": "slack",
		"message":          "Standup",
		"relatedIds":       map[string]interface{}{"reminderId": 12},
		"tags":             []interface{}{"a", "b"},
		"priority":         3,
	})
	require.NoError(t, err)
	require.Equal(t, triggers.PayloadKindReminder, p.Kind)
	require.Equal(t, triggers.NotificationTypeSlack, p.NotificationType)
	require.Equal(t, "12", p.RelatedIds["reminderId"])
	require.Equal(t, []string{"a", "b"}, p.Tags)
	require.Equal(t, 3, p.Extra["priority"])
	require.NoError(t, ValidatePayload(p))

	_, err = PayloadFromMap(map[string]interface{}{"relatedIds": "nope"})
	require.Error(t, err)
}
