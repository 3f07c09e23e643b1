package route

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tessara/pipecache/internal/app"
)

func SetupRoutes(r *gin.Engine, appCtx *app.App) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "UP",
		})
	})

	api := r.Group("/api")

	NewCacheRouter(appCtx.BaseCtx, appCtx.Config.Server.RequestTimeout, api, appCtx)
}
