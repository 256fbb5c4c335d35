package server

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mantonx/imgvault/internal/server/handlers"
)

// setupRoutes configures every API route
func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/health", s.health)
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	modulesHandler := handlers.NewModulesHandler(s.service, s.cfg.MaxUploadBytes)

	api := r.Group("/api")
	{
		api.GET("", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"routes": listRoutes(r)})
		})

		api.POST("/process", modulesHandler.Process)

		modules := api.Group("/modules")
		{
			modules.GET("", modulesHandler.ListModules)
			modules.GET("/stats", modulesHandler.GetStats)
			modules.GET("/filetype/:ext", modulesHandler.GetModulesByFileType)
			modules.POST("/install", modulesHandler.InstallModule)

			modules.GET("/:name", modulesHandler.GetModule)
			modules.DELETE("/:name", modulesHandler.DeleteModule)
			modules.POST("/:name/toggle", modulesHandler.ToggleModule)
			modules.POST("/:name/reload", modulesHandler.ReloadModule)
			modules.PUT("/:name/settings", modulesHandler.UpdateSettings)
			modules.POST("/:name/dependencies", modulesHandler.InstallDependencies)
			modules.GET("/:name/resources", modulesHandler.GetResources)
		}

		if s.bus != nil {
			eventsHandler := handlers.NewEventsHandler(s.bus, s.logger)
			eventsGroup := api.Group("/events")
			{
				eventsGroup.GET("", eventsHandler.GetEvents)
				eventsGroup.GET("/stats", eventsHandler.GetStats)
				eventsGroup.GET("/ws", eventsHandler.Stream)
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	modules, err := s.service.ListModules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}

	counts := make(map[string]int)
	for _, m := range modules {
		counts[string(m.Status)]++
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"modules": counts,
	})
}

type route struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

func listRoutes(r *gin.Engine) []route {
	info := r.Routes()
	out := make([]route, 0, len(info))
	for _, ri := range info {
		out = append(out, route{Method: ri.Method, Path: ri.Path})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path == out[j].Path {
			return out[i].Method < out[j].Method
		}
		return out[i].Path < out[j].Path
	})
	return out
}
