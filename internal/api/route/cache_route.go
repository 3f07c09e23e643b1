package route

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tessara/pipecache/internal/api/controller"
	"github.com/tessara/pipecache/internal/api/middleware"
	"github.com/tessara/pipecache/internal/app"
)

func NewCacheRouter(ctx context.Context, timeout time.Duration, group *gin.RouterGroup, appCtx *app.App) {
	group.Use(middleware.RequestTimeout(timeout))

	cc := controller.NewCacheController(ctx, appCtx.Store, appCtx.EntityCaches(), appCtx.CacheLoaders(), appCtx.Bridge, appCtx.RetryConfig())

	group.GET(":kind/state", cc.State)
	group.POST(":kind/initialize", cc.Initialize)
	group.POST(":kind/fetch-next", cc.FetchNext)
	group.POST(":kind/clear", cc.Clear)
	group.DELETE(":kind", cc.Remove)
	group.POST(":kind/restore", cc.Restore)
	group.PUT(":kind", cc.Upsert)
	group.POST(":kind/background/pause", cc.PauseBackground)
	group.POST(":kind/background/resume", cc.ResumeBackground)
	group.GET(":kind/facets/:fieldId", cc.Facets)
	group.POST(":kind/columns-changed", cc.ColumnsChanged)
}
