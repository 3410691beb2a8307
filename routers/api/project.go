package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cineforge-server/config"
	"cineforge-server/models"
)

// 列出所有项目
func (a *API) ListProjects(c *gin.Context) {
	projects, err := a.Store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list projects failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// 查询项目状态
func (a *API) GetProject(c *gin.Context) {
	project := c.Param("project")
	state, err := a.Store.Load(project)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		case errors.Is(err, models.ErrCorruptState):
			// Present but unreadable is an error, not a 404.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "load project failed: " + err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, state)
}

// 初始化项目状态（幂等）
func (a *API) InitProject(c *gin.Context) {
	project := c.Param("project")
	state, err := a.Store.Init(project)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "init project failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

// 更新单个步骤状态
func (a *API) UpdateProjectStep(c *gin.Context) {
	project := c.Param("project")
	stepKey := c.Param("step")

	var req struct {
		Status  string `form:"status" json:"status"`
		Outputs string `form:"outputs" json:"outputs"`
		Error   string `form:"error" json:"error"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	upd := models.StepUpdate{Status: req.Status, Error: req.Error}
	if req.Outputs != "" {
		if err := json.Unmarshal([]byte(req.Outputs), &upd.Outputs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "outputs must be a JSON object of strings: " + err.Error()})
			return
		}
	}

	state, err := a.Store.UpdateStep(project, stepKey, upd)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update step failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

// 删除项目状态
func (a *API) DeleteProject(c *gin.Context) {
	project := c.Param("project")
	if err := a.Store.Delete(project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete project failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": project})
}

// 将 JSON 文档后端迁移到关系型后端
func (a *API) MigrateProjects(c *gin.Context) {
	if a.Cfg.State.Backend != config.StateBackendSQL {
		c.JSON(http.StatusConflict, gin.H{"error": "migration requires the sql state backend"})
		return
	}
	summary, err := models.MigrateJSONStates(a.Cfg.State.Dir, a.Store)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "migration failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}
