package pkg

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type recordingReviewReminderSink struct {
	reminders []*ReviewReminder
	err       error
}

func (s *recordingReviewReminderSink) CreateReviewReminder(_ context.Context, reminder *ReviewReminder) error {
	s.reminders = append(s.reminders, reminder)
	return s.err
}

func newTestGitHubBinding(t *testing.T, config *GitHubBindingConfig) (*GitHubBinding, *Scheduler, *recordingReviewReminderSink) {
	if config.Users == nil {
		config.Users = map[string]string{"Octocat": "u-1", "hubber": "u-2"}
	}

	deps, s := newTestBindingDeps(&config.BindingCommonConfig)
	binding, err := config.NewBinding(deps)
	require.NoError(t, err)

	reminders := &recordingReviewReminderSink{}
	return binding.(*GitHubBinding).WithReviewReminderSink(reminders), s, reminders
}

func pullRequestEvent(action string, reviewer string) map[string]interface{} {
	event := map[string]interface{}{
		"action": action,
		"number": 7,
		"pull_request": map[string]interface{}{
			"id":       1234,
			"number":   7,
			"title":    "Fix it",
			"html_url": "https://github.com/acme/api/pull/7",
		},
		"repository": map[string]interface{}{
			"full_name": "acme/api",
		},
	}
	if reviewer != "" {
		event["requested_reviewer"] = map[string]interface{}{"login": reviewer}
	}
	return event
}

func TestGitHubBindingReviewRequested(t *testing.T) {
	ctx := context.Background()
	b, s, reminders := newTestGitHubBinding(t, &GitHubBindingConfig{})

	result, err := b.Handle(ctx, pullRequestEvent("review_requested", "octocat"))
	require.NoError(t, err)
	require.Equal(t, triggers.IntentOpReschedule, result.Op)
	require.Equal(t, "github-pr-1234", result.EntityId)

	list := listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234")
	require.Len(t, list, 1)
	trigger := list[0]
	require.Equal(t, triggers.TriggerTypeCustom, trigger.TriggerType)
	require.Equal(t, "u-1", trigger.Slot)
	require.Equal(t, []string{"u-1"}, trigger.UserIds)
	require.Equal(t, testNow.Add(time.Minute), trigger.TriggerTime)
	require.Equal(t, triggers.PayloadKindReviewRequest, trigger.Payload.Kind)
	require.Equal(t, "Review requested on acme/api#7: Fix it", trigger.Payload.Message)
	require.Equal(t, "https://github.com/acme/api/pull/7", trigger.Payload.Url)
	require.Equal(t, "1234", trigger.Payload.RelatedIds[RelatedIdPullRequest])
	require.Equal(t, "acme/api", trigger.Payload.RelatedIds[RelatedIdRepository])

	require.Len(t, reminders.reminders, 1)
	require.Equal(t, "u-1", reminders.reminders[0].UserId)
	require.Equal(t, testNow.Add(time.Minute), reminders.reminders[0].DueAt)

	// Second reviewer, the first one is kept
	_, err = b.Handle(ctx, pullRequestEvent("review_requested", "hubber"))
	require.NoError(t, err)
	require.Len(t, listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234"), 2)

	// Re-requesting does not duplicate
	_, err = b.Handle(ctx, pullRequestEvent("review_requested", "Octocat"))
	require.NoError(t, err)
	require.Len(t, listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234"), 2)

	result, err = b.Handle(ctx, pullRequestEvent("review_request_removed", "hubber"))
	require.NoError(t, err)
	require.Equal(t, triggers.IntentOpClear, result.Op)
	list = listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234")
	require.Len(t, list, 1)
	require.Equal(t, "u-1", list[0].Slot)

	_, err = b.Handle(ctx, pullRequestEvent("closed", ""))
	require.NoError(t, err)
	require.Empty(t, listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234"))
}

func TestGitHubBindingReviewersFromPullRequest(t *testing.T) {
	ctx := context.Background()
	b, s, reminders := newTestGitHubBinding(t, &GitHubBindingConfig{})
	reminders.err = errors.New("reminder store down")

	event := pullRequestEvent("review_requested", "")
	event["pull_request"].(map[string]interface{})["requested_reviewers"] = []interface{}{
		map[string]interface{}{"login": "octocat"},
		map[string]interface{}{"login": "stranger"},
		map[string]interface{}{"login": "hubber"},
	}

	result, err := b.Handle(ctx, event)
	require.NoError(t, err)
	require.Equal(t, 2, result.Triggers)
	require.Equal(t, []string{"stranger"}, result.SkippedSlots)

	// Reminder failures do not block scheduling
	require.Len(t, reminders.reminders, 2)
	require.Len(t, listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234"), 2)
}

func TestGitHubBindingIgnored(t *testing.T) {
	tests := []map[string]interface{}{
		pullRequestEvent("review_requested", "stranger"),
		pullRequestEvent("review_request_removed", "stranger"),
		pullRequestEvent("review_request_removed", ""),
		pullRequestEvent("opened", ""),
	}

	for idx, test := range tests {
		b, s, _ := newTestGitHubBinding(t, &GitHubBindingConfig{})

		result, err := b.Handle(context.Background(), test)
		require.NoError(t, err, "test %d", idx)
		require.True(t, result.Ignored, "test %d", idx)
		require.Empty(t, listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234"), "test %d", idx)
	}
}

func TestGitHubBindingInvalid(t *testing.T) {
	noPullRequest := pullRequestEvent("review_requested", "octocat")
	delete(noPullRequest, "pull_request")

	badId := pullRequestEvent("review_requested", "octocat")
	badId["pull_request"].(map[string]interface{})["id"] = "abc"

	for idx, test := range []map[string]interface{}{noPullRequest, badId} {
		b, _, _ := newTestGitHubBinding(t, &GitHubBindingConfig{})

		_, err := b.Handle(context.Background(), test)
		require.True(t, IsValidationError(err), "test %d", idx)
	}
}

func TestGitHubBindingWebhook(t *testing.T) {
	gin.SetMode(gin.TestMode)

	b, s, _ := newTestGitHubBinding(t, &GitHubBindingConfig{
		Secret: utils.NewStringFromEnvVar("s3cr3t"),
	})
	engine := gin.New()
	b.HookMountRoutes(engine)

	body, err := json.Marshal(pullRequestEvent("review_requested", "octocat"))
	require.NoError(t, err)

	tests := []struct {
		event      string
		signature  string
		statusCode int
		triggers   int
	}{
		{gitHubEventPR, "", http.StatusUnauthorized, 0},
		{gitHubEventPR, "sha256=" + authHMACSHA256(body, "wrong"), http.StatusUnauthorized, 0},
		{"push", "sha256=" + authHMACSHA256(body, "s3cr3t"), http.StatusOK, 0},
		{gitHubEventPR, "sha256=" + authHMACSHA256(body, "s3cr3t"), http.StatusOK, 1},
	}

	for idx, test := range tests {
		req := httptest.NewRequest(http.MethodPost, gitHubBindingDefaultRoute, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(gitHubHeaderEvent, test.event)
		if test.signature != "" {
			req.Header.Set(gitHubHeaderSignature, test.signature)
		}

		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)

		require.Equal(t, test.statusCode, w.Code, "test %d", idx)
		require.Len(t, listEntityTriggers(t, s, triggers.EntityTypeCustom, "github-pr-1234"), test.triggers, "test %d", idx)
	}
}
