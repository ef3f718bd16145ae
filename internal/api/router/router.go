package router

import (
	"context"

	"resume-batch-go/internal/api/handler"
	"resume-batch-go/internal/config"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, batchHandler *handler.BatchHandler, cfg *config.ServerConfig) {
	api := h.Group("/api/v1")

	// 客户端接口
	api.POST("/jobs/:job_id/batches", batchHandler.CreateBatch)
	api.GET("/batches/:batch_id", batchHandler.GetBatch)
	api.GET("/jobs/:job_id/resumes", batchHandler.GetJobResumes)
	api.GET("/jobs/:job_id/updates", batchHandler.GetJobUpdates)
	api.POST("/processings/:processing_id/analysis", batchHandler.RequestAnalysis)
	api.GET("/processings/:processing_id/analysis", batchHandler.GetAnalysisStatus)

	// 工作进程回调接口，API Key鉴权
	worker := api.Group("/worker")
	if cfg.WorkerAPIKey != "" {
		worker.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:X-Worker-Api-Key", ""),
			keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
				return key == cfg.WorkerAPIKey, nil
			}),
		))
	}
	worker.POST("/callback", batchHandler.HandleCallback)
	worker.PATCH("/processings/:processing_id", batchHandler.UpdateProcessing)

	// 健康检查
	api.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
