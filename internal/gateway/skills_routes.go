package gateway

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/types"
)

func (s *Server) registerSkillsRoutes(api *gin.RouterGroup) {
	api.GET("/skills", s.handleListSkills)
	api.POST("/skills/upload", s.handleUploadSkill)
	api.PATCH("/skills/:id", s.handlePatchSkill)
	api.DELETE("/skills/:id", s.handleDeleteSkill)
	api.POST("/skills/:id/invoke", s.handleInvokeSkill)
	api.GET("/skills/:id/readme", s.handleGetSkillReadme)
	api.PUT("/skills/:id/readme", s.handlePutSkillReadme)
	api.GET("/skills/:id/zip", s.handleGetSkillZip)
}

func (s *Server) handleListSkills(c *gin.Context) {
	skills, err := s.reg.ListSkills(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"skills": skills})
}

// handleUploadSkill accepts a multipart form: "id", "manifest" (YAML text),
// and one or more "files" parts, each written into the skill's bundle.
func (s *Server) handleUploadSkill(c *gin.Context) {
	id := c.PostForm("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	manifestRaw := c.PostForm("manifest")
	var manifest types.SkillManifest
	if manifestRaw != "" {
		if err := yaml.Unmarshal([]byte(manifestRaw), &manifest); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed manifest: " + err.Error()})
			return
		}
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	files := make(map[string]string)
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		files[fh.Filename] = string(content)
	}

	dir, err := s.reg.WriteSkillBundle(id, manifest, files)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if s.guard != nil {
		sourceFiles, err := s.reg.GetSkillSourceFiles(id)
		if err != nil {
			os.RemoveAll(dir)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		manifestJSON, _ := json.Marshal(manifest)
		verdict, err := s.guard.CheckSkill(c.Request.Context(), string(manifestJSON), sourceFiles)
		if err != nil || !verdict.Safe {
			os.RemoveAll(dir)
			reason := verdict.Reason
			if err != nil {
				reason = err.Error()
			}
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "skill rejected by guard review", "reason": reason})
			return
		}
	}

	if err := s.reg.RegisterSkill(c.Request.Context(), id); err != nil {
		os.RemoveAll(dir)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "installed", "id": id})
}

type patchSkillRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handlePatchSkill(c *gin.Context) {
	var req patchSkillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	if err := s.reg.SetSkillEnabled(c.Request.Context(), c.Param("id"), *req.Enabled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (s *Server) handleDeleteSkill(c *gin.Context) {
	if err := s.reg.UninstallSkill(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "uninstalled"})
}

type invokeSkillRequest struct {
	ChannelID string          `json:"channelId"`
	Args      json.RawMessage `json:"args"`
}

func (s *Server) handleInvokeSkill(c *gin.Context) {
	id := c.Param("id")
	var req invokeSkillRequest
	_ = c.ShouldBindJSON(&req)
	if req.ChannelID == "" {
		req.ChannelID = "admin:" + id
	}
	if req.Args == nil {
		req.Args = json.RawMessage(`{}`)
	}

	args, err := json.Marshal(struct {
		Skill string          `json:"skill"`
		Args  json.RawMessage `json:"args"`
	}{Skill: id, Args: req.Args})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	result := s.dispatch.Call(c.Request.Context(), tools.CallContext{ChannelID: req.ChannelID}, tools.ToolExecuteSkill, args)
	c.Data(http.StatusOK, "application/json", []byte(result))
}

func (s *Server) handleGetSkillReadme(c *gin.Context) {
	path := filepath.Join(s.reg.SkillBundlePath(c.Param("id")), "README.md")
	content, err := os.ReadFile(path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no readme"})
		return
	}
	c.Data(http.StatusOK, "text/markdown", content)
}

type putReadmeRequest struct {
	Content string `json:"content"`
}

func (s *Server) handlePutSkillReadme(c *gin.Context) {
	var req putReadmeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir := s.reg.SkillBundlePath(c.Param("id"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(req.Content), 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved"})
}

func (s *Server) handleGetSkillZip(c *gin.Context) {
	id := c.Param("id")
	dir := s.reg.SkillBundlePath(id)
	if _, err := os.Stat(dir); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such skill bundle"})
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))

	zw := zip.NewWriter(c.Writer)
	defer zw.Close()
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = w.Write(content)
		return err
	})
}
