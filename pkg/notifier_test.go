package pkg

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testNotification(userId string) *Notification {
	return NewNotification(&triggers.ReminderTrigger{
		Id:          1,
		EntityType:  triggers.EntityTypeTask,
		EntityId:    "t-1",
		TriggerType: triggers.TriggerTypeDeadlineReached,
		TriggerTime: testNow,
		UserIds:     []string{userId},
		Payload: triggers.Payload{
			Kind:             triggers.PayloadKindReminder,
			NotificationType: triggers.NotificationTypeEmail,
			Message:          "Task is due",
		},
	}, userId)
}

func TestWebhookNotifier(t *testing.T) {
	var received []*Notification
	var signatures []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		signatures = append(signatures, r.Header.Get(webhookNotifierSignatureHeader))
		if r.Header.Get(webhookNotifierSignatureHeader) != "sha256="+authHMACSHA256(body, "s3cr3t") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		notification := new(Notification)
		require.NoError(t, json.Unmarshal(body, notification))
		received = append(received, notification)
	}))
	defer server.Close()

	retryMax := 0
	notifier := NewWebhookNotifier(&WebhookNotifierConfig{
		Channel:  triggers.NotificationTypeEmail,
		Url:      server.URL,
		Secret:   utils.NewStringFromEnvVar("s3cr3t"),
		RetryMax: &retryMax,
	}, logrus.StandardLogger())

	require.NoError(t, notifier.Notify(context.Background(), testNotification("u-1")))
	require.Len(t, received, 1)
	require.Equal(t, "u-1", received[0].UserId)
	require.Equal(t, triggers.NotificationTypeEmail, received[0].Channel)
	require.Equal(t, "Task is due", received[0].Payload.Message)
	require.True(t, received[0].TriggerTime.Equal(testNow))

	wrongSecret := NewWebhookNotifier(&WebhookNotifierConfig{
		Channel:  triggers.NotificationTypeEmail,
		Url:      server.URL,
		Secret:   utils.NewStringFromEnvVar("nope"),
		RetryMax: &retryMax,
	}, logrus.StandardLogger())
	require.Error(t, wrongSecret.Notify(context.Background(), testNotification("u-1")))
	require.Len(t, received, 1)
	require.Len(t, signatures, 2)
}

func TestNotifierRouter(t *testing.T) {
	ctx := context.Background()
	email := &recordingNotifier{}
	fallback := &recordingNotifier{}

	router := NewNotifierRouter(fallback)
	router.Register(triggers.NotificationTypeEmail, email)

	require.NoError(t, router.Notify(ctx, testNotification("u-1")))

	inApp := testNotification("u-2")
	inApp.Channel = triggers.NotificationTypeInApp
	require.NoError(t, router.Notify(ctx, inApp))

	require.Equal(t, []string{"u-1"}, email.recipients())
	require.Equal(t, []string{"u-2"}, fallback.recipients())

	// Without fallback, unknown channels fail
	router = NewNotifierRouter(nil)
	require.Error(t, router.Notify(ctx, inApp))
}

func TestDedupNotifier(t *testing.T) {
	ctx := context.Background()
	now := testNow
	next := &recordingNotifier{failed: map[string]bool{}}
	notifier := NewDedupNotifier(next, utils.NewCacheWithClock(func() time.Time { return now }), time.Hour)

	require.NoError(t, notifier.Notify(ctx, testNotification("u-1")))
	require.NoError(t, notifier.Notify(ctx, testNotification("u-1")))
	require.NoError(t, notifier.Notify(ctx, testNotification("u-2")))
	require.Equal(t, []string{"u-1", "u-2"}, next.recipients())

	// Another due point of the same entity is a new notification
	later := testNotification("u-1")
	later.TriggerTime = testNow.Add(time.Hour)
	require.NoError(t, notifier.Notify(ctx, later))
	require.Equal(t, []string{"u-1", "u-2", "u-1"}, next.recipients())

	// Failed deliveries are not remembered
	next.failed["u-3"] = true
	require.Error(t, notifier.Notify(ctx, testNotification("u-3")))
	delete(next.failed, "u-3")
	require.NoError(t, notifier.Notify(ctx, testNotification("u-3")))
	require.Equal(t, []string{"u-1", "u-2", "u-1", "u-3"}, next.recipients())

	// Window elapsed
	now = testNow.Add(2 * time.Hour)
	require.NoError(t, notifier.Notify(ctx, testNotification("u-1")))
	require.Len(t, next.recipients(), 5)
}
