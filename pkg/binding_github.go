package pkg

import (
	"context"
	"crypto/hmac"
	"fmt"
	"net/http"
	"strings"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

var _ BindingConfig = (*GitHubBindingConfig)(nil)
var _ BindingHookMountRoutes = (*GitHubBinding)(nil)
var _ UserDirectory = (*mapUserDirectory)(nil)
var _ ReviewReminderSink = (*logReviewReminderSink)(nil)

const (
	gitHubBindingName               = "github"
	gitHubBindingDefaultRoute       = "/webhooks/github"
	gitHubBindingDefaultReviewDelay = time.Minute
	gitHubBindingDefaultMessage     = `Review requested on {{ .repository }}#{{ .number }}: {{ .title }}`

	gitHubHeaderEvent     = "X-GitHub-Event"
	gitHubHeaderSignature = "X-Hub-Signature-256"
	gitHubEventPR         = "pull_request"
	gitHubEntityIdPrefix  = "github-pr-"
)

// @formatter:off
/// [bindings-docs]
type GitHubBindingConfig struct {
	BindingCommonConfig `mapstructure:",squash"`

	// Webhook secret, used to verify the `X-Hub-Signature-256` header.
	// Can be loaded with `ENV{VAR_NAME}`.
	Secret *utils.StringFromEnvVar `mapstructure:"secret"`

	// Delay between the review request and the reminder.
	// Defaults to [gitHubBindingDefaultReviewDelay]
	ReviewDelay *time.Duration `mapstructure:"reviewDelay"`

	// GitHub login -> internal user id. Unknown reviewers are skipped.
	Users map[string]string `mapstructure:"users"`
}

/// [bindings-docs]
// @formatter:on

// UserDirectory maps GitHub logins to internal users.
type UserDirectory interface {
	LookupGitHubUser(ctx context.Context, login string) (userId string, found bool, err error)
}

type mapUserDirectory map[string]string

func (d mapUserDirectory) LookupGitHubUser(_ context.Context, login string) (string, bool, error) {
	userId, found := d[strings.ToLower(login)]
	return userId, found, nil
}

// ReviewReminder is handed to the product's own reminder store.
type ReviewReminder struct {
	UserId        string    `json:"userId"`
	PullRequestId string    `json:"pullRequestId"`
	Repository    string    `json:"repository"`
	Title         string    `json:"title"`
	Url           string    `json:"url"`
	DueAt         time.Time `json:"dueAt"`
}

// ReviewReminderSink receives review reminders. Failures never block the
// trigger scheduling.
type ReviewReminderSink interface {
	CreateReviewReminder(ctx context.Context, reminder *ReviewReminder) error
}

type logReviewReminderSink struct {
	log logrus.FieldLogger
}

func (s *logReviewReminderSink) CreateReviewReminder(_ context.Context, reminder *ReviewReminder) error {
	s.log.WithFields(logrus.Fields{
		"userId":        reminder.UserId,
		"pullRequestId": reminder.PullRequestId,
		"dueAt":         reminder.DueAt,
	}).Info("review reminder created")
	return nil
}

type GitHubUser struct {
	Login string `json:"login"`
}

type GitHubPullRequest struct {
	Id                 interface{}   `json:"id"`
	Number             int           `json:"number"`
	Title              string        `json:"title"`
	HtmlUrl            string        `json:"html_url"`
	RequestedReviewers []*GitHubUser `json:"requested_reviewers"`
}

type GitHubPullRequestEvent struct {
	Action            string             `json:"action"`
	Number            int                `json:"number"`
	PullRequest       *GitHubPullRequest `json:"pull_request"`
	RequestedReviewer *GitHubUser        `json:"requested_reviewer"`
	Repository        struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// reviewers returns the reviewers the event is about.
func (e *GitHubPullRequestEvent) reviewers() []*GitHubUser {
	if e.RequestedReviewer != nil && e.RequestedReviewer.Login != "" {
		return []*GitHubUser{e.RequestedReviewer}
	}
	return e.PullRequest.RequestedReviewers
}

type GitHubBinding struct {
	*bindingBase

	secret      *utils.StringFromEnvVar
	reviewDelay time.Duration
	directory   UserDirectory
	reminders   ReviewReminderSink
}

func (config *GitHubBindingConfig) NewBinding(deps *BindingDeps) (Binding, error) {
	users := make(mapUserDirectory, len(config.Users))
	for login, userId := range config.Users {
		users[strings.ToLower(login)] = userId
	}

	base := newBindingBase(gitHubBindingName, deps, &TemplateCapabilities{
		Kind:             triggers.PayloadKindReviewRequest,
		NotificationType: triggers.NotificationTypeInApp,
		Message:          MustParseTemplate("github-message", gitHubBindingDefaultMessage),
		Url:              MustParseTemplate("github-url", `{{ .url }}`),
		RelatedIds: map[string]string{
			RelatedIdPullRequest: "pullRequestId",
			RelatedIdRepository:  "repository",
		},
	})

	return &GitHubBinding{
		bindingBase: base,
		secret:      config.Secret,
		reviewDelay: durationOr(config.ReviewDelay, gitHubBindingDefaultReviewDelay),
		directory:   users,
		reminders:   &logReviewReminderSink{base.log},
	}, nil
}

// WithUserDirectory replaces the config based user mapping.
func (b *GitHubBinding) WithUserDirectory(directory UserDirectory) *GitHubBinding {
	b.directory = directory
	return b
}

func (b *GitHubBinding) WithReviewReminderSink(sink ReviewReminderSink) *GitHubBinding {
	b.reminders = sink
	return b
}

func gitHubEntityId(id int64) string {
	return fmt.Sprintf("%s%d", gitHubEntityIdPrefix, id)
}

func (b *GitHubBinding) HookMountRoutes(engine *gin.Engine) {
	route := b.route(gitHubBindingDefaultRoute)
	engine.POST(route, authMiddleware(b.config.Auth), utils.WrapRequest(func(c *gin.Context) (interface{}, error) {
		body, err := c.GetRawData()
		if err != nil {
			return nil, utils.NewRequestError(http.StatusBadRequest, errors.WithMessage(err, "failed to read body"))
		}

		if err := b.verifySignature(c.GetHeader(gitHubHeaderSignature), body); err != nil {
			return nil, utils.NewRequestError(http.StatusUnauthorized, err)
		}

		if event := c.GetHeader(gitHubHeaderEvent); event != gitHubEventPR {
			return ignoredResult(fmt.Sprintf("event %q not handled", event)), nil
		}

		args, err := utils.ExtractPayloadArgsJSON(body)
		if err != nil {
			return nil, utils.NewRequestError(http.StatusBadRequest, err)
		}

		result, err := b.Handle(c.Request.Context(), args)
		if err != nil {
			return nil, toRequestError(err)
		}
		return result, nil
	}))

	b.log.WithField("route", route).Info("added binding route")
}

func (b *GitHubBinding) verifySignature(header string, body []byte) error {
	secret := b.secret.Value()
	if secret == "" {
		return nil
	}

	signature := strings.TrimPrefix(header, "sha256=")
	if signature == "" || signature == header {
		return errors.New("missing webhook signature")
	}
	if !hmac.Equal([]byte(signature), []byte(authHMACSHA256(body, secret))) {
		return errors.New("bad webhook signature")
	}
	return nil
}

// Handle processes a `pull_request` webhook payload.
func (b *GitHubBinding) Handle(ctx context.Context, args map[string]interface{}) (*BindingResult, error) {
	event := new(GitHubPullRequestEvent)
	if err := utils.DecodeMapToStructJSON(args, event); err != nil {
		return nil, &ValidationError{errors.WithMessage(err, "bad pull_request event")}
	}
	if event.PullRequest == nil {
		return nil, &ValidationError{errors.New("missing pull_request")}
	}

	prId, err := cast.ToInt64E(event.PullRequest.Id)
	if err != nil || prId <= 0 {
		return nil, &ValidationError{errors.Errorf("bad pull request id %v", event.PullRequest.Id)}
	}
	entityId := gitHubEntityId(prId)

	if ok, err := b.accepts(args); err != nil || !ok {
		if err != nil {
			return nil, err
		}
		return ignoredResult("condition not met"), nil
	}

	switch event.Action {
	case "review_requested":
		return b.reviewRequested(ctx, event, prId)
	case "review_request_removed":
		return b.reviewRequestRemoved(ctx, event, entityId)
	case "closed":
		return b.submit(ctx, &triggers.ScheduleIntent{
			Op:         triggers.IntentOpClear,
			EntityType: triggers.EntityTypeCustom,
			EntityId:   entityId,
		})
	default:
		return ignoredResult(fmt.Sprintf("action %q not handled", event.Action)), nil
	}
}

func (b *GitHubBinding) reviewRequested(ctx context.Context, event *GitHubPullRequestEvent, prId int64) (*BindingResult, error) {
	entityId := gitHubEntityId(prId)
	now := b.now()
	dueAt := now.Add(b.reviewDelay)

	intent := &triggers.ScheduleIntent{
		Op:         triggers.IntentOpReschedule,
		EntityType: triggers.EntityTypeCustom,
		EntityId:   entityId,
	}

	var skipped []string
	for _, reviewer := range event.reviewers() {
		if reviewer == nil || reviewer.Login == "" {
			continue
		}

		userId, found, err := b.directory.LookupGitHubUser(ctx, reviewer.Login)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to look up GitHub user %s", reviewer.Login)
		}
		if !found {
			b.log.WithField("login", reviewer.Login).Debug("reviewer is not a known user, skipping")
			skipped = append(skipped, reviewer.Login)
			continue
		}

		data := map[string]interface{}{
			"action":        event.Action,
			"login":         reviewer.Login,
			"userIds":       []string{userId},
			"pullRequestId": fmt.Sprintf("%d", prId),
			"number":        event.PullRequest.Number,
			"title":         event.PullRequest.Title,
			"url":           event.PullRequest.HtmlUrl,
			"repository":    event.Repository.FullName,
		}

		if err := b.reminders.CreateReviewReminder(ctx, &ReviewReminder{
			UserId:        userId,
			PullRequestId: fmt.Sprintf("%d", prId),
			Repository:    event.Repository.FullName,
			Title:         event.PullRequest.Title,
			Url:           event.PullRequest.HtmlUrl,
			DueAt:         dueAt,
		}); err != nil {
			b.log.WithError(err).WithField("userId", userId).Warn("failed to create review reminder")
		}

		userIds, err := b.caps.ResolveRecipients(ctx, entityId, data)
		if err != nil {
			return nil, &ValidationError{err}
		}
		payload, err := b.caps.RenderPayload(ctx, entityId, data)
		if err != nil {
			return nil, &ValidationError{err}
		}
		if err := ValidatePayload(payload); err != nil {
			return nil, &ValidationError{err}
		}

		intent.Triggers = append(intent.Triggers, &triggers.TriggerSpec{
			EntityType:  triggers.EntityTypeCustom,
			EntityId:    entityId,
			UserIds:     userIds,
			TriggerType: triggers.TriggerTypeCustom,
			Slot:        userId,
			TriggerTime: dueAt,
			Payload:     payload,
		})
	}

	if len(intent.Triggers) == 0 {
		result := ignoredResult("no known reviewers")
		result.SkippedSlots = skipped
		return result, nil
	}

	result, err := b.submit(ctx, intent)
	if err != nil {
		return nil, err
	}
	result.SkippedSlots = skipped
	return result, nil
}

func (b *GitHubBinding) reviewRequestRemoved(ctx context.Context, event *GitHubPullRequestEvent, entityId string) (*BindingResult, error) {
	if event.RequestedReviewer == nil || event.RequestedReviewer.Login == "" {
		return ignoredResult("no reviewer in event"), nil
	}

	userId, found, err := b.directory.LookupGitHubUser(ctx, event.RequestedReviewer.Login)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to look up GitHub user %s", event.RequestedReviewer.Login)
	}
	if !found {
		return ignoredResult("reviewer is not a known user"), nil
	}

	return b.submit(ctx, &triggers.ScheduleIntent{
		Op:          triggers.IntentOpClear,
		EntityType:  triggers.EntityTypeCustom,
		EntityId:    entityId,
		TriggerType: triggers.TriggerTypeCustom,
		Slot:        &userId,
	})
}
