package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers role routes
func RegisterRoutes(r *gin.RouterGroup, handler *Handler) {
	roleGroup := r.Group("/role")
	{
		roleGroup.GET("", handler.GetRole)
		roleGroup.POST("/switch", handler.SwitchRole)
	}
}
