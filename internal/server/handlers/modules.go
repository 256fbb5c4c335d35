// Package handlers provides HTTP handlers for the module API.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/modules/host"
	"github.com/mantonx/imgvault/internal/modules/pipeline"
)

// ModulesHandler serves module management and processing endpoints
type ModulesHandler struct {
	service        *host.Service
	maxUploadBytes int64
}

// NewModulesHandler creates a modules handler
func NewModulesHandler(service *host.Service, maxUploadBytes int64) *ModulesHandler {
	return &ModulesHandler{service: service, maxUploadBytes: maxUploadBytes}
}

// InstallRequest is the body of POST /api/modules/install
type InstallRequest struct {
	Path string `json:"path" binding:"required"`
}

// ListModules returns every module with status and capabilities
func (h *ModulesHandler) ListModules(c *gin.Context) {
	modules, err := h.service.ListModules(c.Request.Context())
	if err != nil {
		apperrors.HandleInternalError(c, "Failed to discover modules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"modules": modules,
		"count":   len(modules),
	})
}

// GetModule returns one module
func (h *ModulesHandler) GetModule(c *gin.Context) {
	name := c.Param("name")
	lm, ok, err := h.service.GetModule(c.Request.Context(), name)
	if err != nil {
		apperrors.HandleInternalError(c, "Failed to discover modules", err)
		return
	}
	if !ok {
		apperrors.HandleNotFound(c, "module", name)
		return
	}
	c.JSON(http.StatusOK, lm)
}

// GetModulesByFileType returns enabled modules accepting an extension
func (h *ModulesHandler) GetModulesByFileType(c *gin.Context) {
	ext := c.Param("ext")
	manifests, err := h.service.GetModulesByFileType(c.Request.Context(), ext)
	if err != nil {
		apperrors.HandleInternalError(c, "Failed to discover modules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"file_type": ext,
		"modules":   manifests,
		"count":     len(manifests),
	})
}

// InstallModule installs a module directory from the server filesystem
func (h *ModulesHandler) InstallModule(c *gin.Context) {
	var req InstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.HandleValidationError(c, "Invalid install request", "path")
		return
	}

	result, err := h.service.InstallModule(c.Request.Context(), req.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			apperrors.HandleValidationError(c, "Module source not found", "path")
			return
		}
		apperrors.HandleModuleError(c, "", "install", err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// ToggleModule flips a module between enabled and disabled
func (h *ModulesHandler) ToggleModule(c *gin.Context) {
	name := c.Param("name")
	lm, err := h.service.ToggleModule(c.Request.Context(), name)
	if err != nil {
		apperrors.HandleModuleError(c, name, "toggle", err)
		return
	}
	c.JSON(http.StatusOK, lm)
}

// ReloadModule reloads a module from disk
func (h *ModulesHandler) ReloadModule(c *gin.Context) {
	name := c.Param("name")
	lm, err := h.service.ReloadModule(c.Request.Context(), name)
	if err != nil {
		apperrors.HandleModuleError(c, name, "reload", err)
		return
	}
	c.JSON(http.StatusOK, lm)
}

// DeleteModule uninstalls a module
func (h *ModulesHandler) DeleteModule(c *gin.Context) {
	name := c.Param("name")
	if err := h.service.DeleteModule(c.Request.Context(), name); err != nil {
		apperrors.HandleModuleError(c, name, "delete", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

// UpdateSettings merges a JSON object into the module settings
func (h *ModulesHandler) UpdateSettings(c *gin.Context) {
	name := c.Param("name")

	var partial map[string]interface{}
	if err := c.ShouldBindJSON(&partial); err != nil {
		apperrors.HandleValidationError(c, "Settings must be a JSON object", "settings")
		return
	}

	lm, err := h.service.UpdateModuleSettings(c.Request.Context(), name, partial)
	if err != nil {
		apperrors.HandleModuleError(c, name, "update_settings", err)
		return
	}
	c.JSON(http.StatusOK, lm)
}

// InstallDependencies reruns the dependency install of a module
func (h *ModulesHandler) InstallDependencies(c *gin.Context) {
	name := c.Param("name")
	if err := h.service.InstallDependencies(c.Request.Context(), name); err != nil {
		apperrors.HandleModuleError(c, name, "install_dependencies", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"module": name, "dependencies": "installed"})
}

// GetResources returns the process snapshot of an out-of-process module
func (h *ModulesHandler) GetResources(c *gin.Context) {
	name := c.Param("name")
	res, err := h.service.ModuleResources(c.Request.Context(), name)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			apperrors.HandleModuleError(c, name, "resources", err)
			return
		}
		apperrors.HandleValidationError(c, err.Error(), "name")
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetStats returns persisted invocation statistics
func (h *ModulesHandler) GetStats(c *gin.Context) {
	st, err := h.service.Stats(c.Request.Context())
	if err != nil {
		apperrors.HandleDatabaseError(c, "list_module_stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": st})
}

// Process runs an uploaded artifact through the pipeline. The artifact is
// the multipart "file" field or the raw body. Query parameters module and
// function target a single module; a "settings" JSON field or query value
// is forwarded to it.
func (h *ModulesHandler) Process(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	artifact, err := readArtifact(c)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "artifact too large", "limit": tooLarge.Limit})
			return
		}
		apperrors.HandleValidationError(c, "Failed to read artifact", "file")
		return
	}

	var req *pipeline.Request
	if module := c.Query("module"); module != "" {
		settings, err := parseSettings(c)
		if err != nil {
			apperrors.HandleValidationError(c, "Settings must be a JSON object", "settings")
			return
		}
		req = &pipeline.Request{
			TargetModule: module,
			FunctionName: c.Query("function"),
			Settings:     settings,
		}
	}

	result, err := h.service.ProcessUpload(c.Request.Context(), artifact, req)
	if err != nil {
		apperrors.HandleInternalError(c, "Module runtime unavailable", err)
		return
	}

	c.Header("X-Imgvault-Applied", strings.Join(result.Applied, ","))
	c.Header("X-Imgvault-Input-Type", result.InputMIME)
	c.Header("ETag", `"`+result.Checksum+`"`)
	c.Data(http.StatusOK, result.OutputMIME, result.Data)
}

func readArtifact(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return io.ReadAll(c.Request.Body)
}

func parseSettings(c *gin.Context) (map[string]interface{}, error) {
	raw := c.Query("settings")
	if raw == "" && strings.HasPrefix(c.ContentType(), "multipart/") {
		raw = c.PostForm("settings")
	}
	if raw == "" {
		return nil, nil
	}
	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, err
	}
	return settings, nil
}
