package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jclipper/internal/jobs"
	"jclipper/internal/library"
	"jclipper/internal/mediainfo"
	"jclipper/internal/output"
	"jclipper/internal/planner"
	"jclipper/internal/transcode"
	"jclipper/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeProber avoids running ffprobe in HTTP tests.
type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, path string) (*mediainfo.Info, error) {
	return &mediainfo.Info{
		Width:    1920,
		Height:   1080,
		Duration: 2 * time.Hour,
		AudioStreams: []mediainfo.AudioStream{
			{Index: 0, Language: "eng", Codec: "aac", Channels: 2},
		},
	}, nil
}

// fakeTranscoder writes the destination file instead of running ffmpeg.
type fakeTranscoder struct{}

func (fakeTranscoder) Transcode(ctx context.Context, spec *planner.RenderSpec, phase transcode.Phase, dst string) (string, error) {
	if err := os.WriteFile(dst, []byte("clip bytes for "+string(phase)), 0644); err != nil {
		return "", err
	}
	return "frame=100", nil
}

type fixture struct {
	server  *Server
	ts      *httptest.Server
	library *library.Library
	store   *jobs.Store
	history *jobs.History
}

func newFixture(t *testing.T, renderRateLimit int) *fixture {
	t.Helper()
	base := t.TempDir()

	// A movie with subtitles, and one without.
	root := filepath.Join(base, "media")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "Heat (1995)"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Heat (1995)", "Heat.mkv"), []byte("x"), 0644))
	track := "1\n00:10:00,000 --> 00:10:04,000\nFirst line.\n\n2\n00:10:10,000 --> 00:10:14,500\nSecond line.\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "Heat (1995)", "Heat.en.srt"), []byte(track), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "Silent.mp4"), []byte("x"), 0644))

	lib := library.New(&config.LibraryConfig{
		Root:            root,
		VideoExtensions: []string{"mp4", "mkv"},
		DefaultLanguage: "en",
	}, testLogger())
	require.NoError(t, lib.Rescan(context.Background()))

	outputs, err := output.NewManager(&config.OutputConfig{
		Directory:        filepath.Join(base, "output"),
		ScratchDirectory: filepath.Join(base, "scratch"),
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { outputs.Close() })

	history, err := jobs.NewHistory(outputs, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	store := jobs.NewStore(outputs, time.Hour, testLogger())
	orchestrator := transcode.NewOrchestrator(fakeTranscoder{}, store, outputs, history, time.Minute, testLogger())

	srv := New(&config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0,
		RenderRateLimit: renderRateLimit,
	}, Components{
		Library:      lib,
		Prober:       fakeProber{},
		Planner:      planner.New(fakeProber{}, "en", testLogger()),
		Orchestrator: orchestrator,
		Store:        store,
		History:      history,
		Outputs:      outputs,
	}, testLogger())
	orchestrator.SetProgressReporter(srv)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, ts: ts, library: lib, store: store, history: history}
}

func (f *fixture) movieID(t *testing.T, name string) string {
	t.Helper()
	for _, item := range f.library.Tree().Movies {
		if item.Name == name {
			return item.ID
		}
	}
	t.Fatalf("movie %q not in library", name)
	return ""
}

func (f *fixture) getJSON(t *testing.T, path string) (int, APIResponse) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (f *fixture) postJSON(t *testing.T, path string, payload interface{}) (int, APIResponse) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (f *fixture) renderClip(t *testing.T) string {
	t.Helper()
	status, body := f.postJSON(t, "/api/clips", map[string]interface{}{
		"media_id": f.movieID(t, "Heat (1995)"),
		"start":    "00:10:00,000",
		"end":      "00:10:14,500",
		"format":   "mp4",
	})
	require.Equal(t, http.StatusAccepted, status)

	data := body.Data.(map[string]interface{})
	id := data["id"].(string)

	require.Eventually(t, func() bool {
		job, err := f.store.Get(id)
		return err == nil && job.State == jobs.StateReady
	}, 5*time.Second, 10*time.Millisecond)
	return id
}

func TestHealth(t *testing.T) {
	f := newFixture(t, 0)
	status, body := f.getJSON(t, "/health")
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
}

func TestLibraryTree(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.getJSON(t, "/api/library")
	require.Equal(t, http.StatusOK, status)

	raw, err := json.Marshal(body.Data)
	require.NoError(t, err)
	var tree struct {
		Movies []struct {
			Name              string `json:"name"`
			SubtitleAvailable bool   `json:"subtitle_available"`
		} `json:"movies"`
	}
	require.NoError(t, json.Unmarshal(raw, &tree))
	require.Len(t, tree.Movies, 2)

	byName := map[string]bool{}
	for _, m := range tree.Movies {
		byName[m.Name] = m.SubtitleAvailable
	}
	assert.True(t, byName["Heat (1995)"])
	assert.False(t, byName["Silent"])
}

func TestSubtitles(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.getJSON(t, "/api/media/"+f.movieID(t, "Heat (1995)")+"/subtitles")
	require.Equal(t, http.StatusOK, status)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, "en", data["language"])
	assert.Len(t, data["cues"], 2)
}

func TestSubtitlesUnavailable(t *testing.T) {
	f := newFixture(t, 0)

	status, _ := f.getJSON(t, "/api/media/"+f.movieID(t, "Silent")+"/subtitles")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.getJSON(t, "/api/media/no-such-id/subtitles")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMediaInfo(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.getJSON(t, "/api/media/"+f.movieID(t, "Heat (1995)")+"/info")
	require.Equal(t, http.StatusOK, status)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, float64(1920), data["width"])
}

func TestCreateClipValidationFailure(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.postJSON(t, "/api/clips", map[string]interface{}{
		"media_id":     f.movieID(t, "Heat (1995)"),
		"start":        "00:10:00,000",
		"end":          "00:10:14,500",
		"scale_factor": -1.0,
	})
	require.Equal(t, http.StatusUnprocessableEntity, status)

	data := body.Data.(map[string]interface{})
	assert.Equal(t, planner.ReasonBadScale, data["reason"])
}

func TestCreateClipUnknownMedia(t *testing.T) {
	f := newFixture(t, 0)

	status, _ := f.postJSON(t, "/api/clips", map[string]interface{}{
		"media_id": "no-such-id",
		"start":    "00:10:00,000",
		"end":      "00:10:14,500",
	})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestClipLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	id := f.renderClip(t)

	status, body := f.getJSON(t, "/api/clips/"+id)
	require.Equal(t, http.StatusOK, status)
	data := body.Data.(map[string]interface{})
	assert.Equal(t, string(jobs.StateReady), data["state"])
	assert.NotEmpty(t, data["preview_url"])
	assert.NotEmpty(t, data["file_url"])

	// Byte-range request against the published file.
	req, err := http.NewRequest(http.MethodGet, f.ts.URL+"/clips/"+id+"/file", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-3")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	// Cancel evicts the job; subsequent status polls miss.
	req, err = http.NewRequest(http.MethodDelete, f.ts.URL+"/api/clips/"+id, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ = f.getJSON(t, "/api/clips/"+id)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPreviewNotReady(t *testing.T) {
	f := newFixture(t, 0)

	// A job that was never rendered has no preview.
	f.store.Add("stuck", &planner.RenderSpec{Format: planner.FormatMP4}, nil)

	resp, err := http.Get(f.ts.URL + "/clips/stuck/preview")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRenderRateLimit(t *testing.T) {
	f := newFixture(t, 1)

	payload := map[string]interface{}{
		"media_id": f.movieID(t, "Heat (1995)"),
		"start":    "00:10:00,000",
		"end":      "00:10:14,500",
	}

	status, _ := f.postJSON(t, "/api/clips", payload)
	require.Equal(t, http.StatusAccepted, status)

	status, _ = f.postJSON(t, "/api/clips", payload)
	assert.Equal(t, http.StatusTooManyRequests, status)
}

func TestRenderRateLimitZeroIsUnlimited(t *testing.T) {
	f := newFixture(t, 0)

	payload := map[string]interface{}{
		"media_id": f.movieID(t, "Heat (1995)"),
		"start":    "00:10:00,000",
		"end":      "00:10:14,500",
	}

	for i := 0; i < 3; i++ {
		status, _ := f.postJSON(t, "/api/clips", payload)
		require.Equal(t, http.StatusAccepted, status)
	}
}

func TestHistoryEndpoints(t *testing.T) {
	f := newFixture(t, 0)
	f.renderClip(t)

	status, body := f.getJSON(t, "/api/history")
	require.Equal(t, http.StatusOK, status)
	records := body.Data.([]interface{})
	require.Len(t, records, 1)

	recordID := records[0].(map[string]interface{})["id"].(string)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/history/"+recordID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status, body = f.getJSON(t, "/api/history")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, body.Data)
}

func TestHistoryFileServableAfterJobEviction(t *testing.T) {
	f := newFixture(t, 0)
	id := f.renderClip(t)

	// Evict the finished job. Its published clip lives on in history.
	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/api/clips/"+id, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.ts.URL + "/clips/" + id + "/file")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	status, body := f.getJSON(t, "/api/history")
	require.Equal(t, http.StatusOK, status)
	records := body.Data.([]interface{})
	require.Len(t, records, 1)
	recordID := records[0].(map[string]interface{})["id"].(string)

	// The history route still serves the clip, byte ranges included.
	req, err = http.NewRequest(http.MethodGet, f.ts.URL+"/history/"+recordID+"/file", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-3")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))

	resp, err = http.Get(f.ts.URL + "/history/" + recordID + "/file?download=1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "attachment")

	resp, err = http.Get(f.ts.URL + "/history/no-such-record/file")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUploadUnconfigured(t *testing.T) {
	f := newFixture(t, 0)
	id := f.renderClip(t)

	status, _ := f.postJSON(t, "/api/clips/"+id+"/upload", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestRescan(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.postJSON(t, "/api/library/rescan", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, body.Success)
}

func TestErrorPayloadShape(t *testing.T) {
	f := newFixture(t, 0)

	status, body := f.getJSON(t, "/api/clips/missing")
	require.Equal(t, http.StatusNotFound, status)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
}

func TestBroadcastProgressReachesClients(t *testing.T) {
	f := newFixture(t, 0)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws/progress"
	conn, resp, err := dialWebSocket(wsURL)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	f.server.BroadcastProgress("job-1", jobs.StateRenderingPreview, "rendering preview")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var update ProgressUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "job-1", update.JobID)
	assert.Equal(t, jobs.StateRenderingPreview, update.State)
	assert.False(t, update.Timestamp.IsZero())
}

func dialWebSocket(url string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(url, nil)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Post(f.ts.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPostClipsMalformedBody(t *testing.T) {
	f := newFixture(t, 0)

	resp, err := http.Post(f.ts.URL+"/api/clips", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
