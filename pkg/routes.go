package pkg

import (
	"net/http"

	"triggerd/pkg/triggers"
	"triggerd/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

const defaultDueListLimit = 100

// toRequestError maps domain errors to HTTP status codes.
func toRequestError(err error) error {
	var reqErr *utils.RequestError
	switch {
	case errors.As(err, &reqErr):
		return err
	case IsValidationError(err):
		return utils.NewRequestError(http.StatusBadRequest, err)
	case errors.Is(err, ErrTriggerExists):
		return utils.NewRequestError(http.StatusConflict, err)
	default:
		return err
	}
}

type triggerRoutes struct {
	scheduler *Scheduler
}

// MountTriggerRoutes exposes the scheduler API.
func MountTriggerRoutes(engine *gin.Engine, scheduler *Scheduler, auth []*AuthConfig) {
	r := &triggerRoutes{scheduler}

	group := engine.Group("/triggers", authMiddleware(auth))
	group.POST("", utils.WrapRequest(r.schedule))
	group.PUT("", utils.WrapRequest(r.reschedule))
	group.GET("", utils.WrapRequest(r.list))
	group.GET("/due", utils.WrapRequest(r.listDue))
	group.DELETE("/:entityType/:entityId", utils.WrapRequest(r.clear))
}

func (r *triggerRoutes) bindRequest(c *gin.Context) (*ScheduleRequest, error) {
	args, err := utils.ExtractArgsFromGinContext(c)
	if err != nil {
		return nil, utils.NewRequestError(http.StatusBadRequest, err)
	}

	req := new(ScheduleRequest)
	if err := utils.DecodeMapToStructJSON(args, req); err != nil {
		return nil, utils.NewRequestError(http.StatusBadRequest, err)
	}
	return req, nil
}

func (r *triggerRoutes) schedule(c *gin.Context) (interface{}, error) {
	req, err := r.bindRequest(c)
	if err != nil {
		return nil, err
	}

	trigger, err := r.scheduler.ScheduleReminderTriggerRequest(c.Request.Context(), req)
	if err != nil {
		return nil, toRequestError(err)
	}
	return trigger, nil
}

func (r *triggerRoutes) reschedule(c *gin.Context) (interface{}, error) {
	req, err := r.bindRequest(c)
	if err != nil {
		return nil, err
	}

	spec, err := req.ToSpec(r.scheduler.now())
	if err != nil {
		return nil, toRequestError(err)
	}

	trigger, err := r.scheduler.RescheduleReminderTrigger(c.Request.Context(), spec)
	if err != nil {
		return nil, toRequestError(err)
	}
	return trigger, nil
}

func (r *triggerRoutes) list(c *gin.Context) (interface{}, error) {
	filter := &TriggerFilter{
		EntityType:  triggers.EntityType(c.Query("entityType")),
		EntityId:    c.Query("entityId"),
		WorkspaceId: c.Query("workspaceId"),
		UserId:      c.Query("userId"),
		TriggerType: triggers.TriggerType(c.Query("triggerType")),
	}
	if slot, found := c.GetQuery("slot"); found {
		filter.Slot = &slot
	}

	list, err := r.scheduler.ListReminderTriggers(c.Request.Context(), filter)
	if err != nil {
		return nil, toRequestError(err)
	}
	return gin.H{"triggers": list}, nil
}

func (r *triggerRoutes) listDue(c *gin.Context) (interface{}, error) {
	limit := defaultDueListLimit
	if value := c.Query("limit"); value != "" {
		n, err := cast.ToIntE(value)
		if err != nil || n <= 0 {
			return nil, utils.NewRequestError(http.StatusBadRequest, errors.Errorf("bad limit %q", value))
		}
		limit = n
	}

	list, err := r.scheduler.ListDueReminderTriggers(c.Request.Context(), limit)
	if err != nil {
		return nil, toRequestError(err)
	}
	return gin.H{"triggers": list}, nil
}

func (r *triggerRoutes) clear(c *gin.Context) (interface{}, error) {
	var triggerType []triggers.TriggerType
	if value := c.Query("triggerType"); value != "" {
		triggerType = append(triggerType, triggers.TriggerType(value))
	}

	count, err := r.scheduler.ClearReminderTriggers(c.Request.Context(), triggers.EntityType(c.Param("entityType")), c.Param("entityId"), triggerType...)
	if err != nil {
		return nil, toRequestError(err)
	}
	return gin.H{"deleted": count}, nil
}

// MountIntentRoutes exposes the outbox for inspection.
func MountIntentRoutes(engine *gin.Engine, store IntentStore, auth []*AuthConfig) {
	engine.GET("/intents", authMiddleware(auth), utils.WrapRequest(func(c *gin.Context) (interface{}, error) {
		status := triggers.IntentStatus(c.DefaultQuery("status", string(triggers.IntentStatusDead)))
		if status != triggers.IntentStatusPending && status != triggers.IntentStatusDead {
			return nil, utils.NewRequestError(http.StatusBadRequest, errors.Errorf("bad status %q", status))
		}

		list, err := store.FindIntents(c.Request.Context(), status)
		if err != nil {
			return nil, err
		}
		return gin.H{"intents": list}, nil
	}))
}
