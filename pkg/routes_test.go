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

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func newTestRouter(auth []*AuthConfig) (*gin.Engine, *Scheduler, *MemoryStore) {
	gin.SetMode(gin.TestMode)
	s, store := newTestScheduler()

	engine := gin.New()
	MountTriggerRoutes(engine, s, auth)
	MountIntentRoutes(engine, store, auth)
	return engine, s, store
}

func doJSON(engine *gin.Engine, method string, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestTriggerRoutes(t *testing.T) {
	engine, _, _ := newTestRouter(nil)

	request := map[string]interface{}{
		"entityType":  "task",
		"entityId":    "t-1",
		"userIds":     []string{"u-1"},
		"triggerType": "deadline_reached",
		"slot":        "main",
		"triggerTime": "2024-01-01T11:00:00Z",
		"payload": map[string]interface{}{
			"message": "Task is due",
		},
	}

	w := doJSON(engine, http.MethodPost, "/triggers", request)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var created triggers.ReminderTrigger
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.Id)
	require.True(t, created.TriggerTime.Equal(testNow.Add(time.Hour)))

	// Same key
	w = doJSON(engine, http.MethodPost, "/triggers", request)
	require.Equal(t, http.StatusConflict, w.Code)

	// Upsert
	request["triggerTime"] = "2h"
	w = doJSON(engine, http.MethodPut, "/triggers", request)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(engine, http.MethodGet, "/triggers?entityId=t-1&slot=main", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Triggers []*triggers.ReminderTrigger `json:"triggers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Triggers, 1)
	require.Equal(t, created.Id, list.Triggers[0].Id)
	require.True(t, list.Triggers[0].TriggerTime.Equal(testNow.Add(2*time.Hour)))

	w = doJSON(engine, http.MethodGet, "/triggers/due", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"triggers": null}`, w.Body.String())

	w = doJSON(engine, http.MethodGet, "/triggers/due?limit=zero", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(engine, http.MethodDelete, "/triggers/task/t-1?triggerType=overdue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"deleted": 0}`, w.Body.String())

	w = doJSON(engine, http.MethodDelete, "/triggers/task/t-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"deleted": 1}`, w.Body.String())
}

func TestTriggerRoutesBadRequest(t *testing.T) {
	tests := []map[string]interface{}{
		// Unparseable time
		{"entityType": "task", "entityId": "t-1", "userIds": []string{"u-1"}, "triggerType": "deadline_reached", "triggerTime": "soon"},
		// Missing time
		{"entityType": "task", "entityId": "t-1", "userIds": []string{"u-1"}, "triggerType": "deadline_reached"},
		// Unknown entity type
		{"entityType": "invoice", "entityId": "t-1", "userIds": []string{"u-1"}, "triggerType": "deadline_reached", "triggerTime": "1h"},
		// Bad payload
		{"entityType": "task", "entityId": "t-1", "userIds": []string{"u-1"}, "triggerType": "deadline_reached", "triggerTime": "1h", "payload": map[string]interface{}{"kind": "reminder"}},
	}

	for idx, test := range tests {
		engine, s, _ := newTestRouter(nil)

		w := doJSON(engine, http.MethodPost, "/triggers", test)
		require.Equal(t, http.StatusBadRequest, w.Code, "test %d", idx)

		list, err := s.ListReminderTriggers(context.Background(), nil)
		require.NoError(t, err, "test %d", idx)
		require.Empty(t, list, "test %d", idx)
	}

	engine, _, _ := newTestRouter(nil)
	w := doJSON(engine, http.MethodDelete, "/triggers/invoice/i-1", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIntentRoutes(t *testing.T) {
	engine, _, store := newTestRouter(nil)

	require.NoError(t, store.InsertIntent(context.Background(), &triggers.ScheduleIntent{
		Op:         triggers.IntentOpClear,
		EntityType: triggers.EntityTypeTask,
		EntityId:   "t-1",
		Status:     triggers.IntentStatusDead,
		LastError:  "invalid trigger",
	}))

	w := doJSON(engine, http.MethodGet, "/intents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Intents []*triggers.ScheduleIntent `json:"intents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Intents, 1)
	require.Equal(t, "invalid trigger", out.Intents[0].LastError)

	w = doJSON(engine, http.MethodGet, "/intents?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"intents": null}`, w.Body.String())

	w = doJSON(engine, http.MethodGet, "/intents?status=done", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
