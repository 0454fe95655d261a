package handlers

import (
	"net/http"

	"schoolhub/audit"
	"schoolhub/models"

	"github.com/gin-gonic/gin"
)

type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string              `json:"token"`
	Admin *models.PortalAdmin `json:"admin"`
}

func (h *Handler) Login(c *gin.Context) {
	ctx, span := h.tracer().StartSpan(c.Request.Context(), "Login")
	defer span.End()

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, span, err)
		return
	}
	span.SetAttributes(map[string]interface{}{"email": req.Email})

	token, admin, err := h.Auth.Login(ctx, req.Email, req.Password)
	if err != nil {
		respondError(c, span, err)
		return
	}

	c.Set(adminKey, admin)
	h.record(c, "", audit.ActionLogin, "portal_admin", admin.Email, nil)
	c.JSON(http.StatusOK, LoginResponse{Token: token, Admin: admin})
}
