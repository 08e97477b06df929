package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/cardsim/internal/bus"
	"github.com/opensource-finance/cardsim/internal/cache"
	"github.com/opensource-finance/cardsim/internal/domain"
	"github.com/opensource-finance/cardsim/internal/repository"
	"github.com/opensource-finance/cardsim/internal/worker"
)

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    *bus.ChannelBus
	worker *worker.Worker
}

func testServerConfig() domain.ServerConfig {
	return domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
}

func testDefaults() domain.SimulationConfig {
	cfg := domain.DefaultSimulationConfig()
	cfg.StartDate = "2016-03-01"
	cfg.EndDate = "2016-03-01"
	return cfg
}

// createTestServer wires a server on a temp SQLite database, an LRU cache
// and a channel bus with a started worker.
func createTestServer(t *testing.T) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	progress := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(1000)
	w := worker.NewWorker(eventBus, repo, progress, worker.Config{})
	if err := w.Start(); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	t.Cleanup(func() {
		w.Stop()
		eventBus.Close()
		repo.Close()
	})

	return &testEnv{
		server: NewServer(testServerConfig(), testDefaults(), repo, progress, eventBus, w, "test-v1"),
		repo:   repo,
		bus:    eventBus,
		worker: w,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			if err := json.NewEncoder(&buf).Encode(b); err != nil {
				t.Fatalf("failed to encode body: %v", err)
			}
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/health", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[map[string]string](t, rr)
		if resp["status"] != "healthy" || resp["version"] != "test-v1" {
			t.Errorf("unexpected health response %v", resp)
		}
		if rr.Header().Get(RequestIDHeader) == "" || rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected request and trace id headers")
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/ready", nil)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
		req.Header.Set("Origin", "http://dashboard.local")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Header().Get("Access-Control-Allow-Origin") == "" {
			t.Errorf("expected CORS headers, got %v", rr.Header())
		}
	})
}

func TestSyncRun(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/runs", map[string]any{
		"seed":          42,
		"authenticator": map[string]any{"type": domain.AuthHeuristic, "threshold": 50},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	run := decode[domain.Run](t, rr)
	if run.Status != domain.RunCompleted {
		t.Errorf("expected completed run, got %s", run.Status)
	}
	if run.Seed != 42 || run.Authenticator != "heuristic(50)" {
		t.Errorf("unexpected run %+v", run)
	}
	if run.Ticks != 24 || run.Metrics == nil {
		t.Fatalf("expected 24 ticks with metrics, got %+v", run)
	}

	t.Run("GetRun", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/"+run.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[RunResponse](t, rr)
		if resp.Run == nil || resp.ID != run.ID {
			t.Fatalf("unexpected run response %s", rr.Body.String())
		}
		if resp.Progress == nil || !resp.Progress.Terminated {
			t.Errorf("expected terminated progress, got %+v", resp.Progress)
		}
	})

	t.Run("ListRuns", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs?limit=5", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Runs  []domain.Run `json:"runs"`
			Count int          `json:"count"`
		}](t, rr)
		if resp.Count != 1 || resp.Runs[0].ID != run.ID {
			t.Errorf("unexpected run list %+v", resp)
		}
	})

	t.Run("Transactions", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/"+run.ID+"/transactions?limit=5", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Transactions []domain.TransactionRecord `json:"transactions"`
			Count        int                        `json:"count"`
		}](t, rr)
		if resp.Count == 0 || resp.Count > 5 {
			t.Errorf("expected 1..5 transactions, got %d", resp.Count)
		}

		rr = env.do(t, http.MethodGet, "/runs/"+run.ID+"/transactions?fraud=true", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		fraud := decode[struct {
			Transactions []domain.TransactionRecord `json:"transactions"`
		}](t, rr)
		for _, rec := range fraud.Transactions {
			if !rec.Fraud {
				t.Errorf("expected only fraud records, got %+v", rec)
			}
		}
	})

	t.Run("Ticks", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/runs/"+run.ID+"/ticks", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		resp := decode[struct {
			Ticks []domain.TickSummary `json:"ticks"`
			Count int                  `json:"count"`
		}](t, rr)
		if resp.Count != 24 {
			t.Errorf("expected 24 ticks, got %d", resp.Count)
		}
	})
}

func TestCreateRunValidation(t *testing.T) {
	env := createTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"InvalidJSON", "{not json"},
		{"EndBeforeStart", map[string]any{"startDate": "2016-03-02", "endDate": "2016-03-01"}},
		{"BadDate", map[string]any{"startDate": "yesterday"}},
		{"UnknownAuthenticator", map[string]any{"authenticator": map[string]any{"type": "psychic"}}},
		{"BadRuleExpression", map[string]any{"authenticator": map[string]any{"type": domain.AuthRule, "expression": "amount >"}}},
		{"MistypedAuthenticator", map[string]any{"authenticator": map[string]any{"threshold": "high"}}},
		{"InvalidBehavior", map[string]any{"behavior": map[string]any{"seasonalBlend": 2}}},
		{"ZeroPatience", map[string]any{"behavior": map[string]any{"patienceAlpha": 0}}},
		{"TooManyWorkers", map[string]any{"workers": 1000}},
		{"SyncPeriodTooLong", map[string]any{"endDate": "2017-12-31"}},
		{"PeriodTooLong", map[string]any{"endDate": "9999-12-31", "async": true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/runs", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d: %s", rr.Code, rr.Body.String())
			}
		})
	}

	runs, err := env.repo.ListRuns(t.Context(), 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("rejected requests saved %d runs", len(runs))
	}
}

func TestPartialOverrides(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/runs", map[string]any{
		"seed":          42,
		"authenticator": map[string]any{"type": domain.AuthHeuristic},
		"behavior":      map[string]any{"seasonalBlend": 0.8},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	run := decode[domain.Run](t, rr)
	if run.Authenticator != "heuristic(50)" {
		t.Errorf("expected default threshold to survive, got %s", run.Authenticator)
	}
	want := testDefaults().Behavior
	want.SeasonalBlend = 0.8
	if run.Config.Behavior != want {
		t.Errorf("expected blend override on default behavior, got %+v", run.Config.Behavior)
	}
	if run.Status != domain.RunCompleted {
		t.Errorf("expected completed run, got %s: %s", run.Status, run.Error)
	}
}

func TestRunLookupErrors(t *testing.T) {
	env := createTestServer(t)

	t.Run("NotFound", func(t *testing.T) {
		for _, path := range []string{"/runs/missing", "/runs/missing/transactions", "/runs/missing/ticks"} {
			rr := env.do(t, http.MethodGet, path, nil)
			if rr.Code != http.StatusNotFound {
				t.Errorf("%s: expected status 404, got %d", path, rr.Code)
			}
		}
	})

	t.Run("BadQuery", func(t *testing.T) {
		run := &domain.Run{ID: "run-q", Status: domain.RunCompleted, Config: testDefaults()}
		if err := env.repo.SaveRun(t.Context(), run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
		for _, q := range []string{"limit=-1", "limit=abc", "fraud=maybe", "card=x", "offset=-2"} {
			rr := env.do(t, http.MethodGet, "/runs/run-q/transactions?"+q, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%s: expected status 400, got %d", q, rr.Code)
			}
		}
	})
}

func TestMissingBackends(t *testing.T) {
	server := NewServer(testServerConfig(), testDefaults(), nil, nil, nil, nil, "test-v1")

	cases := []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/runs", map[string]any{}},
		{http.MethodPost, "/runs", map[string]any{"async": true}},
		{http.MethodGet, "/runs", nil},
		{http.MethodGet, "/runs/abc", nil},
	}
	for _, c := range cases {
		var buf bytes.Buffer
		if c.body != nil {
			json.NewEncoder(&buf).Encode(c.body)
		}
		req := httptest.NewRequest(c.method, c.path, &buf)
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected status 503, got %d", c.method, c.path, rr.Code)
		}
	}
}

func waitForStatus(t *testing.T, env *testEnv, runID string, want domain.RunStatus) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := env.repo.GetRun(t.Context(), runID)
		if err == nil && run.Status == want {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %s", runID, want)
	return nil
}

func TestAsyncRun(t *testing.T) {
	env := createTestServer(t)

	rr := env.do(t, http.MethodPost, "/runs", map[string]any{"async": true, "blockAfterFrauds": 2})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	queued := decode[domain.Run](t, rr)
	if queued.Status != domain.RunPending || queued.ID == "" {
		t.Fatalf("unexpected queued run %+v", queued)
	}
	if queued.Config.BlockAfterFrauds != 2 {
		t.Errorf("expected blockAfterFrauds 2, got %d", queued.Config.BlockAfterFrauds)
	}

	run := waitForStatus(t, env, queued.ID, domain.RunCompleted)
	if run.Ticks != 24 {
		t.Errorf("expected 24 ticks, got %d", run.Ticks)
	}
}

func wsURL(srv *httptest.Server, runID string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + fmt.Sprintf("/runs/%s/stream", runID)
}

func readFrames(t *testing.T, conn *websocket.Conn) []StreamMessage {
	t.Helper()
	var frames []StreamMessage
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	for {
		var frame StreamMessage
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return frames
			}
			t.Fatalf("stream read failed after %d frames: %v", len(frames), err)
		}
		frames = append(frames, frame)
	}
}

func TestStreamRun(t *testing.T) {
	env := createTestServer(t)
	srv := httptest.NewServer(env.server.Router())
	defer srv.Close()

	t.Run("FinishedRun", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/runs", map[string]any{})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d", rr.Code)
		}
		run := decode[domain.Run](t, rr)

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, run.ID), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer conn.Close()

		frames := readFrames(t, conn)
		if len(frames) != 1 || frames[0].Type != StreamRun {
			t.Fatalf("expected a single run frame, got %+v", frames)
		}
		var streamed domain.Run
		if err := json.Unmarshal(frames[0].Data, &streamed); err != nil {
			t.Fatalf("failed to decode run frame: %v", err)
		}
		if streamed.ID != run.ID || streamed.Status != domain.RunCompleted {
			t.Errorf("unexpected streamed run %+v", streamed)
		}
	})

	t.Run("LiveRun", func(t *testing.T) {
		// a pending row that no worker has picked up yet
		run := &domain.Run{ID: "run-live", Status: domain.RunPending, Config: testDefaults()}
		if err := env.repo.SaveRun(t.Context(), run); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, run.ID), nil)
		if err != nil {
			t.Fatalf("dial failed: %v", err)
		}
		defer conn.Close()

		// give the handler time to subscribe before the run starts
		time.Sleep(50 * time.Millisecond)
		payload, _ := json.Marshal(run)
		if err := env.bus.Publish(t.Context(), domain.TopicRunRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		frames := readFrames(t, conn)
		if len(frames) == 0 || frames[len(frames)-1].Type != StreamRun {
			t.Fatalf("expected stream to end with a run frame, got %d frames", len(frames))
		}

		ticks := 0
		for _, f := range frames {
			if f.Type != StreamTick {
				continue
			}
			var ev domain.TickEvent
			if err := json.Unmarshal(f.Data, &ev); err != nil {
				t.Fatalf("failed to decode tick frame: %v", err)
			}
			if ev.Summary.RunID != run.ID {
				t.Errorf("tick frame for wrong run %s", ev.Summary.RunID)
			}
			ticks++
		}
		// tick and run frames arrive on separate subscriptions, so the
		// final frame may overtake the last ticks
		if ticks > 24 {
			t.Errorf("expected at most 24 tick frames, got %d", ticks)
		}

		var finished domain.Run
		if err := json.Unmarshal(frames[len(frames)-1].Data, &finished); err != nil {
			t.Fatalf("failed to decode run frame: %v", err)
		}
		if finished.Status != domain.RunCompleted {
			t.Errorf("expected completed run, got %s", finished.Status)
		}
	})

	t.Run("UnknownRun", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "nope"), nil)
		if err == nil {
			t.Fatal("expected dial to fail for an unknown run")
		}
		if resp == nil || resp.StatusCode != http.StatusNotFound {
			t.Errorf("expected 404 handshake response, got %v", resp)
		}
	})
}
