package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeWorker is a minimal generation worker: one pending poll, then the
// scripted terminal response.
type fakeWorker struct {
	t        *testing.T
	jobType  string            // type received on /v1/generate
	params   map[string]string // parameters received on /v1/generate
	status   string
	errMsg   string
	outputs  map[string]string
	pollSeen int
}

func (w *fakeWorker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			Type       string            `json:"type"`
			Parameters map[string]string `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.t.Errorf("decode generate request: %v", err)
		}
		w.jobType = req.Type
		w.params = req.Parameters
		rw.WriteHeader(http.StatusAccepted)
		json.NewEncoder(rw).Encode(map[string]string{"id": "job-42"})
	})
	mux.HandleFunc("/v1/jobs/", func(rw http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/job-42") {
			rw.WriteHeader(http.StatusNotFound)
			return
		}
		w.pollSeen++
		resp := map[string]interface{}{"id": "job-42"}
		if w.pollSeen == 1 {
			resp["status"] = "running"
		} else {
			resp["status"] = w.status
			resp["error"] = w.errMsg
			resp["outputs"] = w.outputs
		}
		json.NewEncoder(rw).Encode(resp)
	})
	return mux
}

func newTestClient(t *testing.T, w *fakeWorker) *WorkerClient {
	t.Helper()
	srv := httptest.NewServer(w.handler())
	t.Cleanup(srv.Close)
	c := NewWorkerClient(srv.URL)
	c.pollInterval = 5 * time.Millisecond
	c.pollTimeout = 2 * time.Second
	return c
}

func TestDeconstructNarrative(t *testing.T) {
	w := &fakeWorker{t: t, status: "finished", outputs: map[string]string{
		"schema_file": "output/demo/demo_schema.json",
	}}
	c := newTestClient(t, w)

	schemaFile, err := c.DeconstructNarrative(context.Background(), "stories/demo.txt", "gcp-proj", "us-central1")
	if err != nil {
		t.Fatalf("DeconstructNarrative: %v", err)
	}
	if schemaFile != "output/demo/demo_schema.json" {
		t.Fatalf("schema file = %q", schemaFile)
	}
	if w.jobType != "deconstruct_narrative" {
		t.Fatalf("job type = %q", w.jobType)
	}
	if w.params["story_file"] != "stories/demo.txt" || w.params["project"] != "gcp-proj" {
		t.Fatalf("params = %v", w.params)
	}
	if w.pollSeen < 2 {
		t.Fatalf("pending status not polled through: %d polls", w.pollSeen)
	}
}

func TestDeconstructNarrativeMissingOutput(t *testing.T) {
	w := &fakeWorker{t: t, status: "finished", outputs: map[string]string{}}
	c := newTestClient(t, w)

	if _, err := c.DeconstructNarrative(context.Background(), "stories/demo.txt", "p", "l"); err == nil {
		t.Fatal("expected error for missing schema_file")
	}
}

func TestWorkerReportedFailure(t *testing.T) {
	w := &fakeWorker{t: t, status: "failed", errMsg: "model quota exceeded"}
	c := newTestClient(t, w)

	_, err := c.GenerateSoundtrack(context.Background(), "output/demo/demo_schema.json", "p", "l")
	if err == nil || !strings.Contains(err.Error(), "model quota exceeded") {
		t.Fatalf("err = %v, want worker failure message", err)
	}
}

func TestGenerateScreenplayAndStoryboard(t *testing.T) {
	w := &fakeWorker{t: t, status: "completed", outputs: map[string]string{
		"screenplay_file": "output/demo/demo_screenplay.txt",
		"storyboard_file": "output/demo/demo_storyboard.txt",
	}}
	c := newTestClient(t, w)

	screenplay, storyboard, err := c.GenerateScreenplayAndStoryboard(context.Background(), "output/demo/demo_schema.json", "p", "l")
	if err != nil {
		t.Fatalf("GenerateScreenplayAndStoryboard: %v", err)
	}
	if screenplay != "output/demo/demo_screenplay.txt" || storyboard != "output/demo/demo_storyboard.txt" {
		t.Fatalf("outputs = %q, %q", screenplay, storyboard)
	}
}

func TestSynthesizeVideoNoClips(t *testing.T) {
	// A finished job without video_file is not an error; the caller decides.
	w := &fakeWorker{t: t, status: "finished", outputs: map[string]string{}}
	c := newTestClient(t, w)

	videoFile, err := c.SynthesizeVideo(context.Background(), "output/demo/demo_storyboard.txt", "p", "l")
	if err != nil {
		t.Fatalf("SynthesizeVideo: %v", err)
	}
	if videoFile != "" {
		t.Fatalf("video file = %q, want empty", videoFile)
	}
}

func TestPollCanceledContext(t *testing.T) {
	w := &fakeWorker{t: t, status: "running"} // never reaches a terminal status
	c := newTestClient(t, w)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.DeconstructNarrative(ctx, "stories/demo.txt", "p", "l")
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchRejectsWorkerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	c := NewWorkerClient(srv.URL)

	if _, err := c.DeconstructNarrative(context.Background(), "stories/demo.txt", "p", "l"); err == nil {
		t.Fatal("expected error for worker 500")
	}
}

func TestDispatchAcceptsJobIDField(t *testing.T) {
	// Some worker builds return job_id instead of id.
	w := &fakeWorker{t: t, status: "finished", outputs: map[string]string{
		"voiceover_file": "output/demo/voiceover.mp3",
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generate", func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]string{"job_id": "job-42"})
	})
	mux.Handle("/v1/jobs/", w.handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewWorkerClient(srv.URL)
	c.pollInterval = 5 * time.Millisecond
	c.pollTimeout = 2 * time.Second

	file, err := c.GenerateVoiceover(context.Background(), "output/demo/demo_screenplay.txt", "p", "l")
	if err != nil {
		t.Fatalf("GenerateVoiceover: %v", err)
	}
	if file != "output/demo/voiceover.mp3" {
		t.Fatalf("voiceover file = %q", file)
	}
}
