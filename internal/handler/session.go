package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fleetdash/internal/auth"
	"fleetdash/internal/dashboard"
	"fleetdash/internal/hub"
	"fleetdash/internal/logging"
	"fleetdash/internal/middleware"
	"fleetdash/internal/model"
	"fleetdash/internal/session"
)

// SessionHandler receives the login hand-off and performs logout.
type SessionHandler struct {
	Sessions session.Provider
	Registry *dashboard.Registry
	Hub      *hub.Hub
	Logger   *zap.Logger
}

type createSessionBody struct {
	Mail  string       `json:"mail" binding:"required"`
	Token string       `json:"token"`
	Roles []model.Role `json:"roles"`
}

// Create stores the session of the signed-in user. The token defaults to the
// bearer token of the request. An open dashboard is rebuilt on next use so
// it picks up the new token and roles.
func (h *SessionHandler) Create(c *gin.Context) {
	mail, ok := middleware.MailFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	var body createSessionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if body.Mail != mail {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}
	token := body.Token
	if token == "" {
		token, _ = auth.BearerToken(c.GetHeader("Authorization"))
	}

	sc := session.Context{Mail: mail, Token: token, Roles: body.Roles}
	if err := session.Save(h.Sessions.Scope(mail), sc); err != nil {
		h.logger().Error("save session", zap.String("user", mail), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
		return
	}
	if err := h.Registry.Close(mail); err != nil {
		h.logger().Warn("close previous dashboard", zap.String("user", mail), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Delete signs the user out: token and roles are cleared, the dashboard is
// closed and live view sockets are told and dropped.
func (h *SessionHandler) Delete(c *gin.Context) {
	mail, ok := middleware.MailFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	if err := h.Registry.Logout(mail); err != nil {
		h.logger().Warn("logout", zap.String("user", mail), zap.Error(err))
	}
	if h.Hub != nil {
		out, _ := json.Marshal(serverMessage{Type: "logout"})
		h.Hub.Broadcast(mail, out)
		h.Hub.Disconnect(mail)
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *SessionHandler) logger() *zap.Logger {
	return logging.OrNop(h.Logger)
}
