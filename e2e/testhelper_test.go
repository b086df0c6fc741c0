package e2e

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/sheetarchiver/api/internal/archiver"
	"github.com/sheetarchiver/api/internal/auth"
	"github.com/sheetarchiver/api/internal/backoff"
	"github.com/sheetarchiver/api/internal/batch"
	"github.com/sheetarchiver/api/internal/client"
	"github.com/sheetarchiver/api/internal/config"
	"github.com/sheetarchiver/api/internal/handler"
	"github.com/sheetarchiver/api/internal/middleware"
	"github.com/sheetarchiver/api/internal/model"
	"github.com/sheetarchiver/api/internal/registry"
	"github.com/sheetarchiver/api/internal/runner"
	"github.com/sheetarchiver/api/internal/service"
	"github.com/sheetarchiver/api/internal/worker"
)

const (
	testJWTSecret     = "test-secret-for-e2e"
	testSpreadsheetID = "sheet-e2e"
	testSheetName     = "Links"
	testSheetURL      = "https://docs.google.com/spreadsheets/d/" + testSpreadsheetID + "/edit#gid=0"
)

// sheetStub serves the subset of the Sheets v4 API the archiver uses
type sheetStub struct {
	mu     sync.Mutex
	rows   [][]string
	cells  map[string]string
	server *httptest.Server
}

func newSheetStub(t *testing.T, rows [][]string) *sheetStub {
	t.Helper()
	s := &sheetStub{rows: rows, cells: make(map[string]string)}

	mux := http.NewServeMux()
	mux.HandleFunc("/spreadsheets/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/spreadsheets/"+testSpreadsheetID)
		switch {
		case r.Method == http.MethodGet && path == "":
			writeJSON(w, map[string]any{
				"sheets": []map[string]any{
					{"properties": map[string]any{"sheetId": 0, "title": testSheetName}},
				},
			})
		case r.Method == http.MethodGet && strings.HasPrefix(path, "/values/"):
			s.mu.Lock()
			defer s.mu.Unlock()
			writeJSON(w, map[string]any{"values": s.rows})
		case r.Method == http.MethodPost && path == "/values:batchUpdate":
			var body struct {
				Data []struct {
					Range  string  `json:"range"`
					Values [][]any `json:"values"`
				} `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			s.mu.Lock()
			for _, d := range body.Data {
				if len(d.Values) > 0 && len(d.Values[0]) > 0 {
					s.cells[d.Range] = fmt.Sprint(d.Values[0][0])
				}
			}
			s.mu.Unlock()
			writeJSON(w, map[string]any{})
		case r.Method == http.MethodPost && path == ":batchUpdate":
			writeJSON(w, map[string]any{})
		default:
			http.NotFound(w, r)
		}
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)
	return s
}

// Cell returns the last value written to an A1 range
func (s *sheetStub) Cell(a1 string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cells[a1]
}

// newWaybackStub archives every target except those containing "gone",
// which answer 404
func newWaybackStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := strings.TrimPrefix(r.URL.Path, "/save/")
		if strings.Contains(target, "gone") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Location", "/web/20240101000000/"+target)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	jobs   *registry.Registry
	inline *worker.Inline
	token  string
}

// setupApp wires the same stack as main.go with inline dispatch and the
// upstream APIs pointed at local stubs
func setupApp(t *testing.T, sheets *sheetStub, wayback *httptest.Server) *testApp {
	t.Helper()

	jobs := registry.New()
	inline := worker.NewInline(nil)
	t.Cleanup(func() { inline.Wait() })

	waybackCfg := config.WaybackConfig{BaseURL: wayback.URL, Timeout: 5}
	waybackClient := client.NewWaybackClient(&waybackCfg)
	sheetsClient := client.NewSheetsClient(&config.SheetsConfig{BaseURL: sheets.server.URL, AccessToken: "token"})

	procOpts := []archiver.Option{
		archiver.WithPolicy(backoff.Policy{MaxAttempts: 1, Cap: time.Second, Budget: time.Second}),
		archiver.WithBaseURL(wayback.URL),
	}
	batchService := service.NewBatchService(service.BatchDeps{
		Jobs:       jobs,
		Sheets:     sheetsClient,
		Processor:  archiver.NewProcessor(waybackClient, procOpts...),
		Validating: archiver.NewProcessor(waybackClient, append(procOpts, archiver.WithProber(waybackClient))...),
		Scheduler:  batch.NewScheduler(2, 2),
		Dispatcher: inline,
	})
	remoteService := service.NewRemoteService(service.RemoteDeps{
		Jobs:       jobs,
		Sheets:     sheetsClient,
		Install:    runner.Install{Mode: model.InstallModeACI},
		Dispatcher: inline,
	})
	inline.Handle(service.TaskTypeBatch, batchService.HandleTask)
	inline.Handle(service.TaskTypeRemote, remoteService.HandleTask)

	validate := validator.New()
	archiveHandler := handler.NewArchiveHandler(batchService, remoteService, validate)
	jobHandler := handler.NewJobHandler(service.NewJobService(jobs))

	authMiddleware := middleware.NewAuthMiddleware(testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(nil, nil)

	app := fiber.New()
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "dispatch": "inline"})
	})

	api := app.Group("/api", authMiddleware.Authenticate())
	archive := api.Group("/archive")
	archive.Post("/batch", rateLimiter.ArchiveLimit(10000), archiveHandler.Batch)
	archive.Post("/remote", rateLimiter.RemoteLimit(10000), archiveHandler.Remote)
	api.Get("/jobs", jobHandler.List)
	api.Get("/jobs/:jobId", jobHandler.Status)

	token, err := auth.IssueToken("user-e2e", "e2e@example.com", testJWTSecret, time.Hour)
	require.NoError(t, err)

	return &testApp{app: app, jobs: jobs, inline: inline, token: token}
}

// do performs an authenticated request and returns status code and body
func (ta *testApp) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ta.token)

	resp, err := ta.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// waitForJob polls the status endpoint until the job reaches a terminal state
func (ta *testApp) waitForJob(t *testing.T, jobID string) model.JobStatusResponse {
	t.Helper()
	var out model.JobStatusResponse
	require.Eventually(t, func() bool {
		code, body := ta.do(t, http.MethodGet, "/api/jobs/"+jobID, "")
		if code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return false
		}
		return out.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return out
}
