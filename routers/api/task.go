package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"cineforge-server/service"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// enqueue 校验必填字段后入队，返回 task_id
func (a *API) enqueue(c *gin.Context, taskType string, payload service.StagePayload, required map[string]string) {
	for field, value := range required {
		if value == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": field + " is required"})
			return
		}
	}
	taskID, err := a.Queue.Enqueue(taskType, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID})
}

func (a *API) SubmitFullPipeline(c *gin.Context) {
	var req struct {
		StoryFile string `form:"story_file"`
		Project   string `form:"project"`
		Location  string `form:"location"`
		Style     string `form:"style"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeFullPipeline, service.StagePayload{
		StoryFile: req.StoryFile,
		Project:   req.Project,
		Location:  req.Location,
		Style:     req.Style,
	}, map[string]string{"story_file": req.StoryFile})
}

func (a *API) SubmitDeconstruct(c *gin.Context) {
	var req struct {
		StoryFile string `form:"story_file"`
		Project   string `form:"project"`
		Location  string `form:"location"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeDeconstruct, service.StagePayload{
		StoryFile: req.StoryFile,
		Project:   req.Project,
		Location:  req.Location,
	}, map[string]string{"story_file": req.StoryFile})
}

func (a *API) SubmitScreenplay(c *gin.Context) {
	var req struct {
		SchemaFile string `form:"schema_file"`
		Project    string `form:"project"`
		Location   string `form:"location"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeScreenplay, service.StagePayload{
		SchemaFile: req.SchemaFile,
		Project:    req.Project,
		Location:   req.Location,
	}, map[string]string{"schema_file": req.SchemaFile})
}

func (a *API) SubmitAssets(c *gin.Context) {
	var req struct {
		StoryboardFile string `form:"storyboard_file"`
		SchemaFile     string `form:"schema_file"`
		Project        string `form:"project"`
		Location       string `form:"location"`
		Style          string `form:"style"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeAssets, service.StagePayload{
		StoryboardFile: req.StoryboardFile,
		SchemaFile:     req.SchemaFile,
		Project:        req.Project,
		Location:       req.Location,
		Style:          req.Style,
	}, map[string]string{"storyboard_file": req.StoryboardFile, "schema_file": req.SchemaFile})
}

func (a *API) SubmitVideo(c *gin.Context) {
	var req struct {
		StoryboardFile string `form:"storyboard_file"`
		Project        string `form:"project"`
		Location       string `form:"location"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeVideo, service.StagePayload{
		StoryboardFile: req.StoryboardFile,
		Project:        req.Project,
		Location:       req.Location,
	}, map[string]string{"storyboard_file": req.StoryboardFile})
}

func (a *API) SubmitSoundtrack(c *gin.Context) {
	var req struct {
		SchemaFile string `form:"schema_file"`
		Project    string `form:"project"`
		Location   string `form:"location"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeSoundtrack, service.StagePayload{
		SchemaFile: req.SchemaFile,
		Project:    req.Project,
		Location:   req.Location,
	}, map[string]string{"schema_file": req.SchemaFile})
}

func (a *API) SubmitVoiceover(c *gin.Context) {
	var req struct {
		ScreenplayFile string `form:"screenplay_file"`
		Project        string `form:"project"`
		Location       string `form:"location"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeVoiceover, service.StagePayload{
		ScreenplayFile: req.ScreenplayFile,
		Project:        req.Project,
		Location:       req.Location,
	}, map[string]string{"screenplay_file": req.ScreenplayFile})
}

func (a *API) SubmitAssemble(c *gin.Context) {
	var req struct {
		VideoClipsDir string `form:"video_clips_dir"`
		VoiceoverDir  string `form:"voiceover_dir"`
		SoundtrackDir string `form:"soundtrack_dir"`
		Project       string `form:"project"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.enqueue(c, service.TypeAssemble, service.StagePayload{
		VideoClipsDir: req.VideoClipsDir,
		VoiceoverDir:  req.VoiceoverDir,
		SoundtrackDir: req.SoundtrackDir,
		ProjectName:   req.Project,
	}, map[string]string{
		"video_clips_dir": req.VideoClipsDir,
		"voiceover_dir":   req.VoiceoverDir,
		"soundtrack_dir":  req.SoundtrackDir,
		"project":         req.Project,
	})
}

// 查询任务状态：GET /v1/api/tasks/:task_id
func (a *API) GetTaskStatus(c *gin.Context) {
	taskID := c.Param("task_id")
	status, err := a.Inspector.JobStatus(taskID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// 任务进度 WebSocket 推送：轮询 broker 并在状态变化时推送，终态后关闭
func (a *API) TaskProgressWebSocket(c *gin.Context) {
	taskID := c.Param("task_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "websocket upgrade failed"})
		return
	}
	defer conn.Close()

	status, err := a.Inspector.JobStatus(taskID)
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": "task not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(status)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevState := status.State
	prevResult := string(status.Result)

	for range ticker.C {
		cur, err := a.Inspector.JobStatus(taskID)
		if err != nil {
			continue
		}
		if cur.State != prevState || string(cur.Result) != prevResult {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevState = cur.State
			prevResult = string(cur.Result)
		}
		if cur.State == service.JobStateSuccess || cur.State == service.JobStateFailure {
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
