package routes

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/engine"
	"github.com/any-hub/prefetch/internal/fetch"
	"github.com/any-hub/prefetch/internal/server"
)

const (
	headerCacheHit = "X-Prefetch-Cache-Hit"
	headerTaskID   = "X-Prefetch-Task-ID"
)

// RegisterTaskRoutes 暴露下载、预取、取消、查询与删除接口。
func RegisterTaskRoutes(app *fiber.App, eng *engine.Engine, logger *logrus.Logger) {
	if app == nil || eng == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/fetch", func(c fiber.Ctx) error {
		return handleFetch(c, eng, logger)
	})
	app.Post("/preload", func(c fiber.Ctx) error {
		return handlePreload(c, eng)
	})
	app.Post("/cancel", func(c fiber.Ctx) error {
		if _, err := eng.Cancel(c.Query("url")); err != nil {
			return renderEngineError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
	app.Head("/cache", func(c fiber.Ctx) error {
		url := c.Query("url")
		if _, err := cache.NewKey(url); err != nil {
			return renderEngineError(c, err)
		}
		if !eng.Contains(url) {
			return c.SendStatus(fiber.StatusNotFound)
		}
		return c.SendStatus(fiber.StatusOK)
	})
	app.Delete("/cache", func(c fiber.Ctx) error {
		if err := eng.Remove(c.Query("url")); err != nil {
			return renderEngineError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

// outcome 收集一次下载的终态回调结果，在 Handle.Done 关闭后读取。
type outcome struct {
	data    *cache.Data
	failure error
}

func (o *outcome) callbacks() engine.Callbacks {
	return engine.Callbacks{
		OnSuccess: func(data *cache.Data) { o.data = data },
		OnFail:    func(err error) { o.failure = err },
	}
}

// handleFetch 阻塞到任务结束，再把正文或错误写回客户端。
func handleFetch(c fiber.Ctx, eng *engine.Engine, logger *logrus.Logger) error {
	headers, err := parseHeaderParams(c)
	if err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_header")
	}

	result := &outcome{}
	handle, err := eng.Download(c.Query("url"), engine.Options{
		Headers: headers,
		Refresh: isTruthy(c.Query("refresh")),
	}, result.callbacks())
	if err != nil {
		return renderEngineError(c, err)
	}
	<-handle.Done()

	c.Set(headerTaskID, handle.TaskID())
	c.Set(headerCacheHit, strconv.FormatBool(handle.FromCache()))

	switch handle.State() {
	case engine.StateSuccess:
		c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)
		return c.Status(fiber.StatusOK).Send(result.data.Bytes())
	case engine.StateFail:
		return renderFailure(c, logger, handle, result.failure)
	default:
		return server.WriteError(c, fiber.StatusConflict, "cancelled")
	}
}

func renderFailure(c fiber.Ctx, logger *logrus.Logger, handle *engine.Handle, failure error) error {
	fields := logrus.Fields{
		"action":     "fetch_request",
		"request_id": server.RequestID(c),
		"task_id":    handle.TaskID(),
		"key":        handle.Key().String(),
	}
	if failure != nil {
		fields["error"] = failure.Error()
	}

	var connErr *engine.ConnectivityError
	if errors.As(failure, &connErr) {
		logger.WithFields(fields).Warn("网络不可达")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":   "network_unreachable",
			"network": connErr.State,
		})
	}

	payload := fiber.Map{"error": "upstream_failed"}
	var transportErr *fetch.TransportError
	if errors.As(failure, &transportErr) {
		if transportErr.Code != 0 {
			payload["status"] = transportErr.Code
		}
		if transportErr.Timeout {
			payload["timeout"] = true
		}
		payload["message"] = transportErr.Message
	}
	logger.WithFields(fields).Warn("上游下载失败")
	return c.Status(fiber.StatusBadGateway).JSON(payload)
}

type preloadResponse struct {
	TaskID   string       `json:"task_id"`
	State    engine.State `json:"state"`
	CacheHit bool         `json:"cache_hit"`
}

// handlePreload 发起后台下载后立即返回，不等待结果。
func handlePreload(c fiber.Ctx, eng *engine.Engine) error {
	handle, err := eng.Download(c.Query("url"), engine.Options{
		Refresh: isTruthy(c.Query("refresh")),
	}, engine.Callbacks{})
	if err != nil {
		return renderEngineError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(preloadResponse{
		TaskID:   handle.TaskID(),
		State:    handle.State(),
		CacheHit: handle.FromCache(),
	})
}

func renderEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, cache.ErrInvalidKey):
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_url")
	case errors.Is(err, engine.ErrClosed):
		return server.WriteError(c, fiber.StatusServiceUnavailable, "shutting_down")
	default:
		return server.WriteError(c, fiber.StatusInternalServerError, "internal_error")
	}
}

// parseHeaderParams 读取重复出现的 header=Name:Value 查询参数。
func parseHeaderParams(c fiber.Ctx) ([]fetch.Header, error) {
	values := c.Request().URI().QueryArgs().PeekMulti("header")
	if len(values) == 0 {
		return nil, nil
	}
	headers := make([]fetch.Header, 0, len(values))
	for _, raw := range values {
		header, err := fetch.ParseHeader(string(raw))
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}
	return headers, nil
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
