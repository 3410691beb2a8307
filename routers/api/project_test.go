package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"cineforge-server/config"
	"cineforge-server/models"
)

func newTestRouter(t *testing.T, cfg *config.Config, store models.StateStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a := New(cfg, store, nil, nil)
	r := gin.New()
	r.GET("/projects", a.ListProjects)
	r.GET("/projects/:project", a.GetProject)
	r.POST("/projects/:project/init", a.InitProject)
	r.POST("/projects/:project/steps/:step", a.UpdateProjectStep)
	r.DELETE("/projects/:project", a.DeleteProject)
	r.POST("/migrate", a.MigrateProjects)
	return r
}

func newJSONBackend(t *testing.T) (*config.Config, models.StateStore) {
	t.Helper()
	cfg := &config.Config{}
	cfg.State.Backend = config.StateBackendJSON
	cfg.State.Dir = t.TempDir()
	store, err := models.NewJSONStore(cfg.State.Dir)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	return cfg, store
}

func doRequest(r *gin.Engine, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestGetProjectNotFound(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	w := doRequest(r, http.MethodGet, "/projects/ghost")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestInitThenGetProject(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	w := doRequest(r, http.MethodPost, "/projects/demo/init")
	if w.Code != http.StatusOK {
		t.Fatalf("init status = %d: %s", w.Code, w.Body.String())
	}

	w = doRequest(r, http.MethodGet, "/projects/demo")
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var state models.ProjectState
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state.Project != "demo" {
		t.Fatalf("project = %q", state.Project)
	}
	if len(state.Steps) != len(models.PipelineSteps) {
		t.Fatalf("got %d steps", len(state.Steps))
	}
}

func TestUpdateProjectStep(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	outputs := url.QueryEscape(`{"schema_file":"output/demo/schema.json"}`)
	target := "/projects/demo/steps/narrative_deconstructed?status=success&outputs=" + outputs
	w := doRequest(r, http.MethodPost, target)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	state, err := store.Load("demo")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	step := state.Steps[models.StepNarrative]
	if step.Status != models.StepStatusSuccess {
		t.Fatalf("step status = %q", step.Status)
	}
	if state.Artifacts["schema_file"] != "output/demo/schema.json" {
		t.Fatalf("artifacts = %v", state.Artifacts)
	}
}

func TestUpdateProjectStepBadOutputs(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	target := "/projects/demo/steps/narrative_deconstructed?outputs=" + url.QueryEscape("{not json")
	w := doRequest(r, http.MethodPost, target)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeleteProject(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	doRequest(r, http.MethodPost, "/projects/demo/init")
	w := doRequest(r, http.MethodDelete, "/projects/demo")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = doRequest(r, http.MethodGet, "/projects/demo")
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", w.Code)
	}
}

func TestGetProjectCorrupt(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	if err := os.WriteFile(filepath.Join(cfg.State.Dir, "demo.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatalf("write corrupt doc: %v", err)
	}
	w := doRequest(r, http.MethodGet, "/projects/demo")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 for corrupt state", w.Code)
	}
}

func TestMigrateRequiresSQLBackend(t *testing.T) {
	cfg, store := newJSONBackend(t)
	r := newTestRouter(t, cfg, store)

	w := doRequest(r, http.MethodPost, "/migrate")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestMigrateEndpoint(t *testing.T) {
	srcDir := t.TempDir()
	src, err := models.NewJSONStore(srcDir)
	if err != nil {
		t.Fatalf("NewJSONStore: %v", err)
	}
	if _, err := src.Init("demo"); err != nil {
		t.Fatalf("Init: %v", err)
	}

	cfg := &config.Config{}
	cfg.State.Backend = config.StateBackendSQL
	cfg.State.Dir = srcDir
	store, err := models.NewSQLStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	r := newTestRouter(t, cfg, store)

	w := doRequest(r, http.MethodPost, "/migrate")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var summary models.MigrationSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Migrated != 1 || summary.Skipped != 0 || len(summary.Errors) != 0 {
		t.Fatalf("summary = %+v", summary)
	}
	if _, err := store.Load("demo"); err != nil {
		t.Fatalf("Load after migration: %v", err)
	}
}
