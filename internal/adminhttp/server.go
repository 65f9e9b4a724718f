// Package adminhttp mounts the operator-facing health and introspection
// surface every service in this stack exposes over echo: a liveness probe
// plus read-only views over live sources and registered triggers.
// Subscribing to a view and creating or deleting triggers are the
// transport collaborator's job; nothing here mutates server state.
package adminhttp

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/arc-self/viewstream/internal/source"
	"github.com/arc-self/viewstream/internal/trigger"
)

// RegistrySnapshotter is the subset of *source.Registry this package needs.
type RegistrySnapshotter interface {
	Snapshot() []source.Stats
}

// TriggerLister is the subset of *trigger.Engine this package needs.
type TriggerLister interface {
	List(viewName string) []*trigger.Trigger
}

// New builds the admin echo.Echo, with routes registered but not yet
// listening — the caller owns Start/Shutdown so it can coordinate with the
// rest of the process's lifecycle.
func New(registry RegistrySnapshotter, triggers TriggerLister, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("admin HTTP request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))

	e.GET("/healthz", healthzHandler())
	e.GET("/sources", listSourcesHandler(registry))
	e.GET("/sources/:name/triggers", listTriggersHandler(triggers))

	return e
}

func healthzHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

type sourceView struct {
	ViewName        string `json:"view_name"`
	SubscriberCount int    `json:"subscriber_count"`
	CacheSize       int    `json:"cache_size"`
	LatestTimestamp uint64 `json:"latest_timestamp"`
	Disposed        bool   `json:"disposed"`
}

func listSourcesHandler(registry RegistrySnapshotter) echo.HandlerFunc {
	return func(c echo.Context) error {
		stats := registry.Snapshot()
		out := make([]sourceView, 0, len(stats))
		for _, s := range stats {
			out = append(out, sourceView{
				ViewName:        s.ViewName,
				SubscriberCount: s.SubscriberCount,
				CacheSize:       s.CacheSize,
				LatestTimestamp: s.LatestTimestamp,
				Disposed:        s.Disposed,
			})
		}
		return c.JSON(http.StatusOK, out)
	}
}

type triggerView struct {
	Name        string `json:"name"`
	ViewName    string `json:"view_name"`
	WebhookURL  string `json:"webhook_url"`
	FireSource  string `json:"fire_source"`
	ClearSource string `json:"clear_source,omitempty"`
}

func listTriggersHandler(triggers TriggerLister) echo.HandlerFunc {
	return func(c echo.Context) error {
		name := c.Param("name")
		list := triggers.List(name)
		out := make([]triggerView, 0, len(list))
		for _, t := range list {
			out = append(out, triggerView{
				Name:        t.Name,
				ViewName:    t.ViewName,
				WebhookURL:  t.WebhookURL,
				FireSource:  t.FireSource,
				ClearSource: t.ClearSource,
			})
		}
		return c.JSON(http.StatusOK, out)
	}
}
