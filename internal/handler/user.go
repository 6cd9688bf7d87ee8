package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleetdash/internal/dashboard"
	"fleetdash/internal/logging"
	"fleetdash/internal/model"
	"fleetdash/internal/permission"
)

type UserHandler struct {
	Registry *dashboard.Registry
	Logger   *zap.Logger
}

func (h *UserHandler) logger() *zap.Logger {
	return logging.OrNop(h.Logger)
}

// Roles lists the role catalog for the user editor.
func (h *UserHandler) Roles(c *gin.Context) {
	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, permission.ActionReadUsers) {
		return
	}
	roles, err := d.RoleCatalog(c.Request.Context())
	if err != nil {
		respondError(c, h.logger(), err)
		return
	}
	if roles == nil {
		roles = []model.Role{}
	}
	c.JSON(http.StatusOK, gin.H{"roles": roles})
}

func (h *UserHandler) Update(c *gin.Context) {
	var body model.User
	if err := c.ShouldBindJSON(&body); err != nil || body.ID <= 0 || body.Mail == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, permission.ActionUpdateUser) {
		return
	}
	if err := d.UpdateUser(c.Request.Context(), body); err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *UserHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
		return
	}
	d, ok := dashboardFor(c, h.Registry)
	if !ok || !allowed(c, d, permission.ActionDeleteUser) {
		return
	}
	if err := d.DeleteUser(c.Request.Context(), id); err != nil {
		respondError(c, h.logger(), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
