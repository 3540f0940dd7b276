package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Principal is authenticated and holds one of the required roles
type HandlerFunc func(c *gin.Context, principal *Principal)

// Router is a wrapper class that adds role checks + Principal loading
type Router struct {
	Base gin.IRouter
}

func (cr *Router) baseExec(c *gin.Context, handler HandlerFunc, required []Role) {
	principal := LoadSession(c).Principal()
	if principal.Role == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "access denied"})
		return
	}
	if len(required) > 0 && !hasRole(&principal, required) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	handler(c, &principal)
}

func hasRole(p *Principal, roles []Role) bool {
	for _, r := range roles {
		if p.Role == r {
			return true
		}
	}
	return false
}

func (cr *Router) POST(path string, handler HandlerFunc, required ...Role) {
	cr.Base.POST(path, func(c *gin.Context) {
		cr.baseExec(c, handler, required)
	})
}

func (cr *Router) GET(path string, handler HandlerFunc, required ...Role) {
	cr.Base.GET(path, func(c *gin.Context) {
		cr.baseExec(c, handler, required)
	})
}

func (cr *Router) DELETE(path string, handler HandlerFunc, required ...Role) {
	cr.Base.DELETE(path, func(c *gin.Context) {
		cr.baseExec(c, handler, required)
	})
}
