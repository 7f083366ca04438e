package adminauth

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type credentialsRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Handler exposes the /admin/bootstrap and /admin/login endpoints.
type Handler struct {
	svc     Service
	timeout time.Duration
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc, timeout: 5 * time.Second}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/bootstrap", h.bootstrap)
	rg.POST("/login", h.login)
}

func (h *Handler) bootstrap(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "details": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	token, err := h.svc.Bootstrap(ctx, req.Username, req.Password)
	if err != nil {
		if err == ErrOperatorAlreadyExists {
			c.JSON(http.StatusConflict, gin.H{"error": "operator already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not bootstrap operator"})
		return
	}
	c.JSON(http.StatusCreated, tokenResponse{Token: token})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload", "details": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	token, err := h.svc.Login(ctx, req.Username, req.Password)
	if err != nil {
		if err == ErrInvalidCredentials {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not log in"})
		return
	}
	c.JSON(http.StatusOK, tokenResponse{Token: token})
}
