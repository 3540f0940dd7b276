package handlers

import (
	"log"
	"net/http"

	"camfleet/api"
	"camfleet/auth"

	"github.com/gin-gonic/gin"
)

func (h *Handlers) Login(c *gin.Context) {
	req := api.LoginRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	principal, err := auth.Authenticate(req.TenantID, req.APIKey)
	if err != nil {
		log.Printf("login rejected for tenant %d from %s", req.TenantID, c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err = auth.LoadSession(c).Login(principal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"error": "", "role": principal.Role})
}

func (h *Handlers) Logout(c *gin.Context) {
	auth.LoadSession(c).Logout()
	c.JSON(http.StatusOK, OKResponse)
}
