package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"taskpanel/internal/bridge"
	"taskpanel/internal/crontab"
	"taskpanel/internal/panel"
	"taskpanel/internal/storage"
	"taskpanel/internal/task"
	"taskpanel/internal/task/engine"
	"taskpanel/internal/task/runner"
	logx "taskpanel/pkg/logx"
)

type okBridge struct{}

func (okBridge) AddCron(context.Context, []bridge.Entry) error { return nil }
func (okBridge) DeleteCron(context.Context, []int64) error     { return nil }
func (okBridge) HealthCheck(context.Context) (string, error)   { return "SERVING", nil }

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "api.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	logDir := filepath.Join(dir, "logs")
	tab := crontab.New(crontab.Config{Path: filepath.Join(dir, "crontab.list")}, st, logx.Nop())
	rn := runner.New(runner.Config{LogDir: logDir}, st, engine.NewLimiter(1, logx.Nop()), logx.Nop(), nil)
	svc := panel.New(panel.Config{LogDir: logDir}, st, tab, okBridge{}, rn, logx.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return NewServer(svc, logx.Nop()).Handler()
}

type result struct {
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func call(t *testing.T, h http.Handler, method, target string, body any) (int, result) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var res result
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("%s %s: decode: %v", method, target, err)
	}
	if res.Code != rr.Code {
		t.Fatalf("%s %s: envelope code %d, status %d", method, target, res.Code, rr.Code)
	}
	return rr.Code, res
}

func createTask(t *testing.T, h http.Handler, command, schedule string) task.Task {
	t.Helper()
	code, res := call(t, h, http.MethodPost, "/api/crons", map[string]any{"command": command, "schedule": schedule})
	if code != http.StatusOK {
		t.Fatalf("create: %d %s", code, res.Message)
	}
	var tk task.Task
	if err := json.Unmarshal(res.Data, &tk); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return tk
}

func TestCreateGetAndList(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)
	a := createTask(t, h, "echo a", "0 1 * * *")
	createTask(t, h, "echo b", "0 2 * * *")
	if !a.Saved || a.Status != task.StatusIdle {
		t.Fatalf("created = %+v", a)
	}

	code, res := call(t, h, http.MethodGet, "/api/crons/"+strconv.FormatInt(a.ID, 10), nil)
	if code != http.StatusOK {
		t.Fatalf("get: %d", code)
	}

	q := url.Values{}
	q.Set("searchValue", "command:echo a")
	code, res = call(t, h, http.MethodGet, "/api/crons?"+q.Encode(), nil)
	if code != http.StatusOK {
		t.Fatalf("list: %d %s", code, res.Message)
	}
	var page storage.ListResult
	if err := json.Unmarshal(res.Data, &page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].ID != a.ID {
		t.Fatalf("list = %+v", page)
	}
}

func TestErrorMapping(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)

	tests := []struct {
		name   string
		method string
		target string
		body   any
		want   int
	}{
		{"bad schedule", http.MethodPost, "/api/crons", map[string]any{"command": "x", "schedule": "nope"}, http.StatusBadRequest},
		{"blank command", http.MethodPost, "/api/crons", map[string]any{"command": " ", "schedule": "@daily"}, http.StatusBadRequest},
		{"missing task", http.MethodGet, "/api/crons/42", nil, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/crons/abc", nil, http.StatusBadRequest},
		{"empty bulk", http.MethodPut, "/api/crons/disable", []int64{}, http.StatusBadRequest},
		{"bad filters", http.MethodGet, "/api/crons?filters=notjson", nil, http.StatusBadRequest},
		{"unknown property", http.MethodGet, "/api/crons?sorts=" + url.QueryEscape(`[{"property":"secret","type":"ASC"}]`), nil, http.StatusBadRequest},
		{"missing view", http.MethodDelete, "/api/crons/views/9", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, res := call(t, h, tt.method, tt.target, tt.body)
			if code != tt.want {
				t.Fatalf("status = %d (%s), want %d", code, res.Message, tt.want)
			}
			if res.Message == "" {
				t.Fatal("error response without message")
			}
		})
	}
}

func TestBulkOperationsAndLabels(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)
	a := createTask(t, h, "echo a", "0 1 * * *")
	ids := []int64{a.ID}
	path := "/api/crons/" + strconv.FormatInt(a.ID, 10)

	for _, op := range []string{"disable", "pin"} {
		if code, res := call(t, h, http.MethodPut, "/api/crons/"+op, ids); code != http.StatusOK {
			t.Fatalf("%s: %d %s", op, code, res.Message)
		}
	}
	if code, res := call(t, h, http.MethodPost, "/api/crons/labels", labelsRequest{IDs: ids, Labels: []string{"prod", "db"}}); code != http.StatusOK {
		t.Fatalf("labels: %d %s", code, res.Message)
	}

	_, res := call(t, h, http.MethodGet, path, nil)
	var got task.Task
	if err := json.Unmarshal(res.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsDisabled || !got.IsPinned || len(got.Labels) != 2 || got.Labels[0] != "db" {
		t.Fatalf("task = %+v", got)
	}

	if code, _ := call(t, h, http.MethodDelete, "/api/crons", ids); code != http.StatusOK {
		t.Fatalf("delete: %d", code)
	}
	if code, _ := call(t, h, http.MethodGet, path, nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", code)
	}
}

func TestUpdate(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)
	a := createTask(t, h, "echo a", "0 1 * * *")

	code, res := call(t, h, http.MethodPut, "/api/crons", map[string]any{"id": a.ID, "schedule": "*/5 * * * * *"})
	if code != http.StatusOK {
		t.Fatalf("update: %d %s", code, res.Message)
	}
	var got task.Task
	_ = json.Unmarshal(res.Data, &got)
	if got.Schedule != "*/5 * * * * *" || !got.Saved {
		t.Fatalf("updated = %+v", got)
	}
	if code, _ := call(t, h, http.MethodPut, "/api/crons", map[string]any{"id": 999, "name": "x"}); code != http.StatusNotFound {
		t.Fatalf("update missing: %d", code)
	}
}

func TestViews(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)
	createTask(t, h, "echo a", "0 1 * * *")

	view := storage.View{Name: "pinned", Filters: []storage.Filter{{Property: "is_pinned", Operation: storage.OpEq, Value: true}}}
	code, res := call(t, h, http.MethodPost, "/api/crons/views", view)
	if code != http.StatusOK {
		t.Fatalf("create view: %d %s", code, res.Message)
	}
	var v storage.View
	_ = json.Unmarshal(res.Data, &v)

	_, res = call(t, h, http.MethodGet, "/api/crons?viewId="+strconv.FormatInt(v.ID, 10), nil)
	var page storage.ListResult
	_ = json.Unmarshal(res.Data, &page)
	if page.Total != 0 {
		t.Fatalf("view matched unpinned tasks: %+v", page)
	}

	if code, _ := call(t, h, http.MethodDelete, "/api/crons/views/"+strconv.FormatInt(v.ID, 10), nil); code != http.StatusOK {
		t.Fatalf("delete view: %d", code)
	}
}

func TestRunAndLogs(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)
	a := createTask(t, h, "echo via-api", "@once")
	path := "/api/crons/" + strconv.FormatInt(a.ID, 10)

	if code, res := call(t, h, http.MethodPut, "/api/crons/run", []int64{a.ID}); code != http.StatusOK {
		t.Fatalf("run: %d %s", code, res.Message)
	}

	var logs []panel.LogEntry
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, res := call(t, h, http.MethodGet, path, nil)
		var got task.Task
		_ = json.Unmarshal(res.Data, &got)
		if got.Status == task.StatusIdle && got.LastExecutionTime > 0 {
			_, res = call(t, h, http.MethodGet, path+"/logs", nil)
			_ = json.Unmarshal(res.Data, &logs)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %+v", logs)
	}

	_, res := call(t, h, http.MethodGet, path+"/log", nil)
	var latest logResponse
	_ = json.Unmarshal(res.Data, &latest)
	if !bytes.Contains([]byte(latest.Content), []byte("via-api")) {
		t.Fatalf("log = %q", latest.Content)
	}

	_, res = call(t, h, http.MethodGet, path+"/logs/"+logs[0].Name, nil)
	var one logResponse
	_ = json.Unmarshal(res.Data, &one)
	if one.Content != latest.Content {
		t.Fatalf("log file = %q", one.Content)
	}
}

func TestImportAndHealth(t *testing.T) {
	t.Parallel()
	h := newTestServer(t)

	code, res := call(t, h, http.MethodPost, "/api/crons/import", importRequest{Text: "0 5 * * * nightly.sh\n"})
	if code != http.StatusOK {
		t.Fatalf("import: %d %s", code, res.Message)
	}
	var imp panel.ImportResult
	_ = json.Unmarshal(res.Data, &imp)
	if len(imp.Created) != 1 || imp.Created[0].Command != "nightly.sh" {
		t.Fatalf("import = %+v", imp)
	}

	_, res = call(t, h, http.MethodGet, "/api/health", nil)
	var hl panel.Health
	_ = json.Unmarshal(res.Data, &hl)
	if hl.API != "ok" || hl.Scheduler != "SERVING" {
		t.Fatalf("health = %+v", hl)
	}
}
