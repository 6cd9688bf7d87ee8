package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleetdash/internal/dashboard"
	"fleetdash/internal/logging"
	"fleetdash/internal/machineapi"
	"fleetdash/internal/middleware"
	"fleetdash/internal/model"
	"fleetdash/internal/permission"
	"fleetdash/internal/search"
	"fleetdash/internal/session"
)

type MachineHandler struct {
	Registry *dashboard.Registry
	Logger   *zap.Logger
	// Location interprets scheduled wall-clock times. Nil means UTC.
	Location *time.Location
}

// dashboardFor resolves the caller's dashboard or writes the error response.
func dashboardFor(c *gin.Context, registry *dashboard.Registry) (*dashboard.Dashboard, bool) {
	mail, ok := middleware.MailFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return nil, false
	}
	d, err := registry.Get(c.Request.Context(), mail)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No session"})
			return nil, false
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "Machine service unavailable"})
		return nil, false
	}
	return d, true
}

// allowed writes 403 when the caller lacks the capability for action.
func allowed(c *gin.Context, d *dashboard.Dashboard, action string) bool {
	if d.Gate().AllowAction(action) {
		return true
	}
	c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	return false
}

func machineID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid machine id"})
		return 0, false
	}
	return id, true
}

func (h *MachineHandler) logger() *zap.Logger {
	return logging.OrNop(h.Logger)
}

// respondError maps dashboard and upstream errors to a status code.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var ce *machineapi.CommandError
	var se *machineapi.StatusError
	switch {
	case errors.Is(err, dashboard.ErrClosed):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Dashboard closed"})
	case errors.As(err, &ce):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Command failed", "op": ce.Op})
	case errors.As(err, &se):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Machine service error", "status": se.StatusCode})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "Machine service unavailable"})
	}
}

func viewResponse(d *dashboard.Dashboard) gin.H {
	machines := d.Snapshot()
	if machines == nil {
		machines = []model.Machine{}
	}
	resp := gin.H{
		"machines":    machines,
		"feed":        d.FeedState().String(),
		"permissions": d.Gate().Controls(),
	}
	if err := d.FeedError(); err != nil {
		resp["feedError"] = err.Error()
	}
	return resp
}

func (h *MachineHandler) List(c *gin.Context) {
	d, ok := dashboardFor(c, h.Registry)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewResponse(d))
}

func (h *MachineHandler) Refresh(c *gin.Context) {
	d, ok := dashboardFor(c, h.Registry)
	if !ok {
		return
	}
	if err := d.Refresh(c.Request.Context()); err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, viewResponse(d))
}

func (h *MachineHandler) Search(c *gin.Context) {
	criteria, err := search.ParseCriteria(c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid search"})
		return
	}
	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, permission.ActionSearch) {
		return
	}
	if err := d.Search(c.Request.Context(), criteria); err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, viewResponse(d))
}

type createMachineBody struct {
	Name string `json:"name" binding:"required"`
}

func (h *MachineHandler) Create(c *gin.Context) {
	var body createMachineBody
	if err := c.ShouldBindJSON(&body); err != nil || strings.TrimSpace(body.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, permission.ActionCreate) {
		return
	}
	m, err := d.CreateMachine(c.Request.Context(), strings.TrimSpace(body.Name))
	if err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": m})
}

func (h *MachineHandler) Start(c *gin.Context) {
	h.command(c, permission.ActionStart, (*dashboard.Dashboard).StartMachine)
}

func (h *MachineHandler) Stop(c *gin.Context) {
	h.command(c, permission.ActionStop, (*dashboard.Dashboard).StopMachine)
}

func (h *MachineHandler) Restart(c *gin.Context) {
	h.command(c, permission.ActionRestart, (*dashboard.Dashboard).RestartMachine)
}

func (h *MachineHandler) Destroy(c *gin.Context) {
	h.command(c, permission.ActionDestroy, (*dashboard.Dashboard).DestroyMachine)
}

func (h *MachineHandler) command(c *gin.Context, action string, run func(*dashboard.Dashboard, context.Context, int64) error) {
	id, ok := machineID(c)
	if !ok {
		return
	}
	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, action) {
		return
	}
	if err := run(d, c.Request.Context(), id); err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, viewResponse(d))
}

type scheduleBody struct {
	Date   string `json:"date" binding:"required"`
	Time   string `json:"time" binding:"required"`
	Action string `json:"action" binding:"required"`
}

// parseClock accepts HH:MM and HH:MM:SS.
func parseClock(raw string) (civil.Time, error) {
	if strings.Count(raw, ":") == 1 {
		raw += ":00"
	}
	return civil.ParseTime(raw)
}

func (h *MachineHandler) Schedule(c *gin.Context) {
	id, ok := machineID(c)
	if !ok {
		return
	}
	var body scheduleBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	date, err := civil.ParseDate(body.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid date"})
		return
	}
	clock, err := parseClock(body.Time)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid time"})
		return
	}
	action := model.Action(body.Action)
	if !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action"})
		return
	}

	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, permission.ActionSchedule) {
		return
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	at := civil.DateTime{Date: date, Time: clock}.In(loc)
	if err := d.ScheduleMachine(c.Request.Context(), id, at, action); err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *MachineHandler) Errors(c *gin.Context) {
	id, ok := machineID(c)
	if !ok {
		return
	}
	d, ok := dashboardFor(c, h.Registry)
	if !ok {
		return
	}
	errs, err := d.MachineErrors(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger(), err)
		return
	}
	if errs == nil {
		errs = []model.ErrorMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"errors": errs})
}
