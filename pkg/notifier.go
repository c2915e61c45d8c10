package pkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var _ Notifier = (*LogNotifier)(nil)
var _ Notifier = (*WebhookNotifier)(nil)
var _ Notifier = (*NotifierRouter)(nil)
var _ Notifier = (*DedupNotifier)(nil)

// Notification is one delivery of a fired trigger to one recipient.
type Notification struct {
	TriggerId   int64                     `json:"triggerId"`
	EntityType  triggers.EntityType       `json:"entityType"`
	EntityId    string                    `json:"entityId"`
	WorkspaceId string                    `json:"workspaceId,omitempty"`
	TriggerType triggers.TriggerType      `json:"triggerType"`
	TriggerTime time.Time                 `json:"triggerTime"`
	UserId      string                    `json:"userId"`
	Channel     triggers.NotificationType `json:"channel"`
	Payload     triggers.Payload          `json:"payload"`
}

func NewNotification(t *triggers.ReminderTrigger, userId string) *Notification {
	return &Notification{
		TriggerId:   t.Id,
		EntityType:  t.EntityType,
		EntityId:    t.EntityId,
		WorkspaceId: t.WorkspaceId,
		TriggerType: t.TriggerType,
		TriggerTime: t.TriggerTime,
		UserId:      userId,
		Channel:     t.Payload.Channel(),
		Payload:     t.Payload,
	}
}

// DedupKey identifies a delivery: the same recipient is notified once per
// entity due point.
func (n *Notification) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", n.EntityType, n.EntityId, n.TriggerTime.UnixMilli(), n.UserId)
}

type Notifier interface {
	Notify(ctx context.Context, notification *Notification) error
}

// LogNotifier only logs notifications. Used for in-app delivery when the
// product polls triggers itself, and in development.
type LogNotifier struct {
	log logrus.FieldLogger
}

func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log.WithField("component", "notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, notification *Notification) error {
	n.log.WithFields(logrus.Fields{
		"channel":     notification.Channel,
		"userId":      notification.UserId,
		"entityType":  notification.EntityType,
		"entityId":    notification.EntityId,
		"triggerType": notification.TriggerType,
	}).Info(notification.Payload.Message)
	return nil
}

// @formatter:off
/// [config]
const (
	webhookNotifierDefaultTimeout  = 10 * time.Second
	webhookNotifierDefaultRetryMax = 3
	webhookNotifierSignatureHeader = "X-Triggerd-Signature-256"
)

type WebhookNotifierConfig struct {
	// Channel delivered by this webhook, e.g. `email`
	Channel triggers.NotificationType `mapstructure:"channel" validate:"required,notificationType"`

	// Where notifications are POSTed as JSON
	Url string `mapstructure:"url" validate:"required,url"`

	// If provided, each request carries an HMAC-SHA256 signature of the body
	// in the [webhookNotifierSignatureHeader] header, as `sha256=<hex>`
	Secret *utils.StringFromEnvVar `mapstructure:"secret"`

	// Defaults to [webhookNotifierDefaultTimeout]
	Timeout *time.Duration `mapstructure:"timeout"`

	// Retries of a single request, defaults to [webhookNotifierDefaultRetryMax]
	RetryMax *int `mapstructure:"retryMax" validate:"omitempty,min=0"`
}

/// [config]
// @formatter:on

// WebhookNotifier hands notifications to an external deliverer over HTTP.
type WebhookNotifier struct {
	config *WebhookNotifierConfig
	client *retryablehttp.Client
}

type retryableHttpLogger struct {
	log logrus.FieldLogger
}

func (l *retryableHttpLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.WithField("kv", keysAndValues).Error(msg)
}
func (l *retryableHttpLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithField("kv", keysAndValues).Debug(msg)
}
func (l *retryableHttpLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.WithField("kv", keysAndValues).Debug(msg)
}
func (l *retryableHttpLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.WithField("kv", keysAndValues).Warn(msg)
}

func NewWebhookNotifier(config *WebhookNotifierConfig, log logrus.FieldLogger) *WebhookNotifier {
	client := retryablehttp.NewClient()
	client.Logger = &retryableHttpLogger{log.WithFields(logrus.Fields{
		"component": "webhook",
		"channel":   config.Channel,
	})}

	client.HTTPClient.Timeout = webhookNotifierDefaultTimeout
	if config.Timeout != nil {
		client.HTTPClient.Timeout = *config.Timeout
	}
	client.RetryMax = webhookNotifierDefaultRetryMax
	if config.RetryMax != nil {
		client.RetryMax = *config.RetryMax
	}
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second

	return &WebhookNotifier{config, client}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification *Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal notification")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, n.config.Url, bytes.NewReader(body))
	if err != nil {
		return errors.WithMessage(err, "failed to create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if secret := n.config.Secret.Value(); secret != "" {
		req.Header.Set(webhookNotifierSignatureHeader, "sha256="+authHMACSHA256(body, secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return errors.WithMessagef(err, "failed to deliver %s notification", n.config.Channel)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("webhook answered with status %d", resp.StatusCode)
	}
	return nil
}

// NotifierRouter picks a notifier by channel.
type NotifierRouter struct {
	byChannel map[triggers.NotificationType]Notifier
	fallback  Notifier
}

func NewNotifierRouter(fallback Notifier) *NotifierRouter {
	return &NotifierRouter{
		byChannel: make(map[triggers.NotificationType]Notifier),
		fallback:  fallback,
	}
}

func (r *NotifierRouter) Register(channel triggers.NotificationType, notifier Notifier) {
	r.byChannel[channel] = notifier
}

func (r *NotifierRouter) Notify(ctx context.Context, notification *Notification) error {
	if notifier, found := r.byChannel[notification.Channel]; found {
		return notifier.Notify(ctx, notification)
	}
	if r.fallback == nil {
		return errors.Errorf("no notifier for channel %s", notification.Channel)
	}
	return r.fallback.Notify(ctx, notification)
}

// DedupNotifier skips notifications already delivered within the window.
// Combined with at-least-once dispatch, a recipient sees each due point once.
type DedupNotifier struct {
	next   Notifier
	cache  *utils.Cache
	window time.Duration
}

func NewDedupNotifier(next Notifier, cache *utils.Cache, window time.Duration) *DedupNotifier {
	return &DedupNotifier{next, cache, window}
}

// Purge drops dedup entries whose window has passed.
func (n *DedupNotifier) Purge() int {
	return n.cache.Purge()
}

func (n *DedupNotifier) Notify(ctx context.Context, notification *Notification) error {
	key := notification.DedupKey()
	if !n.cache.SetIfAbsentWithDuration(key, true, n.window) {
		return nil
	}

	if err := n.next.Notify(ctx, notification); err != nil {
		// Not delivered, allow the retry through
		n.cache.Delete(key)
		return err
	}
	return nil
}
