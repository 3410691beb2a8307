package routers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cineforge-server/routers/api"
)

func InitRouter(a *api.API) *gin.Engine {
	r := gin.Default()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1/api")
	{
		v1.POST("/tasks/pipeline", a.SubmitFullPipeline)
		v1.POST("/tasks/deconstruct", a.SubmitDeconstruct)
		v1.POST("/tasks/screenplay", a.SubmitScreenplay)
		v1.POST("/tasks/assets", a.SubmitAssets)
		v1.POST("/tasks/video", a.SubmitVideo)
		v1.POST("/tasks/soundtrack", a.SubmitSoundtrack)
		v1.POST("/tasks/voiceover", a.SubmitVoiceover)
		v1.POST("/tasks/assemble", a.SubmitAssemble)
		v1.GET("/tasks/:task_id", a.GetTaskStatus)

		v1.GET("/projects", a.ListProjects)
		v1.GET("/projects/:project", a.GetProject)
		v1.POST("/projects/:project/init", a.InitProject)
		v1.POST("/projects/:project/steps/:step", a.UpdateProjectStep)
		v1.DELETE("/projects/:project", a.DeleteProject)
		// Not under /projects/: a static segment there would collide with
		// the :project wildcard in gin's route tree.
		v1.POST("/migrate", a.MigrateProjects)
	}
	r.GET("/tasks/:task_id/wss", a.TaskProgressWebSocket)
	return r
}
