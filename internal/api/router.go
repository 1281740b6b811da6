package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/dlcore/internal/engine"
	"github.com/tanq16/dlcore/internal/types"
	"github.com/tanq16/dlcore/internal/utils"
)

// Tasks is the part of the scheduler the routes drive.
type Tasks interface {
	Start(ctx context.Context, req engine.Request) (string, error)
	Pause(id string) error
	Task(ctx context.Context, id string) (types.Task, error)
	List(ctx context.Context) ([]types.Task, error)
	IsRunning(id string) bool
}

// Snapshots answers the latest snapshot of a task, which outlives the stored
// record once a task completes.
type Snapshots interface {
	Latest(id string) (types.Snapshot, bool)
}

type startRequest struct {
	URL       string   `json:"url" binding:"required"`
	Path      string   `json:"path" binding:"required"`
	Directory bool     `json:"directory"`
	Headers   []string `json:"headers"`
	Force     bool     `json:"force"`
}

type taskView struct {
	types.Task
	StatusName string          `json:"status_name"`
	Running    bool            `json:"running"`
	Latest     *types.Snapshot `json:"latest,omitempty"`
}

type handler struct {
	tasks     Tasks
	snapshots Snapshots
}

func NewRouter(tasks Tasks, snapshots Snapshots) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	h := &handler{tasks: tasks, snapshots: snapshots}
	api := r.Group("/api")
	{
		api.POST("/tasks", h.start)
		api.GET("/tasks", h.list)
		api.GET("/tasks/:id", h.get)
		api.POST("/tasks/:id/pause", h.pause)
	}
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		log.Debug().Str("op", "api/router").Str("method", c.Request.Method).
			Str("path", c.FullPath()).Int("code", c.Writer.Status()).Msg("handled request")
	}
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"error": err.Error()})
}

func (h *handler) view(id string, t types.Task) taskView {
	v := taskView{Task: t, StatusName: t.Status.String(), Running: h.tasks.IsRunning(id)}
	if h.snapshots != nil {
		if s, ok := h.snapshots.Latest(id); ok {
			v.Latest = &s
		}
	}
	return v
}

func (h *handler) start(c *gin.Context) {
	var body startRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	id, err := h.tasks.Start(c.Request.Context(), engine.Request{
		URL:             body.URL,
		Path:            body.Path,
		PathAsDirectory: body.Directory,
		Headers:         utils.ParseHeaderArgs(body.Headers),
		ForceRedownload: body.Force,
	})
	switch {
	case errors.Is(err, utils.ErrTaskRunning), errors.Is(err, engine.ErrPathConflict):
		c.JSON(http.StatusConflict, gin.H{"id": id, "error": err.Error()})
	case errors.Is(err, utils.ErrInvalidURL):
		fail(c, http.StatusBadRequest, err)
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"id": id})
	}
}

func (h *handler) list(c *gin.Context) {
	tasks, err := h.tasks.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, h.view(t.ID, t))
	}
	c.JSON(http.StatusOK, views)
}

func (h *handler) get(c *gin.Context) {
	id := c.Param("id")
	t, err := h.tasks.Task(c.Request.Context(), id)
	if errors.Is(err, utils.ErrTaskNotFound) {
		if h.snapshots != nil {
			if s, ok := h.snapshots.Latest(id); ok {
				c.JSON(http.StatusOK, taskView{Task: types.Task{ID: id, URL: s.URL, Path: s.Path}, Latest: &s})
				return
			}
		}
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, h.view(id, t))
}

func (h *handler) pause(c *gin.Context) {
	id := c.Param("id")
	if err := h.tasks.Pause(id); err != nil {
		if errors.Is(err, utils.ErrTaskNotFound) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}
