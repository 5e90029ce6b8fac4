package routes

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/config"
	"github.com/any-hub/prefetch/internal/engine"
	"github.com/any-hub/prefetch/internal/server"
	"github.com/any-hub/prefetch/internal/telemetry"
	"github.com/any-hub/prefetch/internal/version"
)

// RegisterDiagnosticRoutes 暴露 /-/status、/-/metrics、/-/info 与 /-/budget，供运维查询与调整。
func RegisterDiagnosticRoutes(app *fiber.App, eng *engine.Engine, tel *telemetry.Telemetry, logger *logrus.Logger) {
	if app == nil || eng == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version: version.Full(),
			Stats:   eng.Stats(),
		})
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(tel.Handler()))

	app.Get("/-/info", func(c fiber.Ctx) error {
		url := c.Query("url")
		if _, err := cache.NewKey(url); err != nil {
			return server.WriteError(c, fiber.StatusBadRequest, "invalid_url")
		}
		info, ok := eng.DownloadInfo(url)
		if !ok {
			return server.WriteError(c, fiber.StatusNotFound, "not_found")
		}
		return c.JSON(info)
	})

	app.Put("/-/budget", func(c fiber.Ctx) error {
		return handleBudget(c, eng, logger)
	})
}

type statusPayload struct {
	Version string `json:"version"`
	engine.Stats
}

// budgetRequest 接受 "20MiB"、"100 MB" 这类容量字符串，缺省字段保持原值。
// InfoList 是下载信息列表保留的条目数。
type budgetRequest struct {
	Ram      *config.ByteSize `json:"ram"`
	File     *config.ByteSize `json:"file"`
	InfoList *int             `json:"info_list"`
}

func handleBudget(c fiber.Ctx, eng *engine.Engine, logger *logrus.Logger) error {
	var req budgetRequest
	if err := c.Bind().JSON(&req); err != nil {
		logger.WithFields(logrus.Fields{
			"action":     "cache_budget",
			"request_id": server.RequestID(c),
		}).Warn("无法解析预算请求: " + err.Error())
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_budget")
	}
	if req.Ram == nil && req.File == nil && req.InfoList == nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_budget")
	}
	if req.InfoList != nil && (*req.InfoList < 0 || *req.InfoList > engine.MaxInfoListSize) {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_budget")
	}

	if req.Ram != nil {
		eng.SetRamCacheSize(req.Ram.Bytes())
	}
	if req.File != nil {
		eng.SetFileCacheSize(req.File.Bytes())
	}
	if req.InfoList != nil {
		eng.SetDownloadInfoListSize(*req.InfoList)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
