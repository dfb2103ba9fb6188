package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/valen20Chx/htmx-todo/domain"
	"github.com/valen20Chx/htmx-todo/storage"
)

type failingRenderer struct{}

func (failingRenderer) Render(io.Writer, string, interface{}, echo.Context) error {
	return errors.New("template exploded")
}

// captureRenderer records what the handlers asked to render.
type captureRenderer struct {
	mu    sync.Mutex
	view  string
	tasks []domain.TaskView
}

func (r *captureRenderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.view = name
	r.tasks = data.(tasksPage).Tasks
	_, err := io.WriteString(w, name)
	return err
}

func (r *captureRenderer) last() (string, []domain.TaskView) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view, r.tasks
}

type stubDeduper struct {
	mu      sync.Mutex
	seen    map[string]bool
	removed []string
	err     error
}

func newStubDeduper() *stubDeduper {
	return &stubDeduper{seen: map[string]bool{}}
}

func (d *stubDeduper) Add(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

func (d *stubDeduper) Remove(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	d.removed = append(d.removed, key)
	return nil
}

func newTestServer(t *testing.T, renderer echo.Renderer, deduper Deduper, events *EventSender) (*echo.Echo, *storage.TaskStore) {
	t.Helper()

	e := echo.New()
	e.Renderer = renderer
	e.JSONSerializer = SonicSerializer{}
	e.Use(RequestIDMiddleware())
	store := storage.NewTaskStore()
	Register(e, store, deduper, events, log.New())
	return e, store
}

func do(e *echo.Echo, method, target string, form url.Values, headers map[string]string) *httptest.ResponseRecorder {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func addForm(desc string) url.Values {
	return url.Values{formFieldTask: {desc}}
}

func TestShowTasksRendersFullPage(t *testing.T) {
	r := &captureRenderer{}
	e, store := newTestServer(t, r, nil, nil)
	store.Append("buy milk")

	rec := do(e, http.MethodGet, "/", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	view, tasks := r.last()
	if view != viewPage {
		t.Fatalf("expected %s, got %s", viewPage, view)
	}
	if len(tasks) != 1 || tasks[0] != (domain.TaskView{ID: 0, Description: "buy milk"}) {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("expected request id header")
	}
}

func TestListTasksRendersFragment(t *testing.T) {
	r := &captureRenderer{}
	e, store := newTestServer(t, r, nil, nil)
	store.Append("a")
	store.Append("b")

	rec := do(e, http.MethodGet, "/tasks", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	view, tasks := r.last()
	if view != viewFragment {
		t.Fatalf("expected %s, got %s", viewFragment, view)
	}
	if len(tasks) != 2 || tasks[1].ID != 1 || tasks[1].Description != "b" {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
}

func TestAddTaskRendersFragment(t *testing.T) {
	r := &captureRenderer{}
	e, store := newTestServer(t, r, nil, nil)

	rec := do(e, http.MethodPost, "/add", addForm("buy milk"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	view, tasks := r.last()
	if view != viewFragment {
		t.Fatalf("expected %s, got %s", viewFragment, view)
	}
	if len(tasks) != 1 || tasks[0].Description != "buy milk" || tasks[0].Done {
		t.Fatalf("unexpected tasks: %#v", tasks)
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 stored task, got %d", store.Len())
	}
}

func TestAddTaskIgnoresBlankInput(t *testing.T) {
	r := &captureRenderer{}
	e, store := newTestServer(t, r, nil, nil)
	store.Append("keep")

	for _, desc := range []string{"", "   "} {
		rec := do(e, http.MethodPost, "/add", addForm(desc), nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200 for %q got %d", desc, rec.Code)
		}
		if _, tasks := r.last(); len(tasks) != 1 {
			t.Fatalf("expected list unchanged for %q, got %#v", desc, tasks)
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 stored task, got %d", store.Len())
	}
}

func TestDeleteTaskOutOfRange(t *testing.T) {
	e, store := newTestServer(t, &captureRenderer{}, nil, nil)
	store.Append("walk dog")

	rec := do(e, http.MethodDelete, "/delete/5", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "task 5 out of range (len 1)") {
		t.Fatalf("expected descriptive message, got %q", rec.Body.String())
	}
	if store.Len() != 1 {
		t.Fatalf("expected list unchanged, got len %d", store.Len())
	}
}

func TestMalformedIDsAreRejected(t *testing.T) {
	e, store := newTestServer(t, &captureRenderer{}, nil, nil)
	store.Append("a")

	for _, target := range []string{"/delete/abc", "/delete/-1", "/check/abc", "/check/-1"} {
		method := http.MethodDelete
		if strings.HasPrefix(target, "/check") {
			method = http.MethodPatch
		}
		rec := do(e, method, target, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected status 400 got %d", method, target, rec.Code)
		}
	}
	if tasks := store.List(); len(tasks) != 1 || tasks[0].Done {
		t.Fatalf("expected store untouched, got %#v", tasks)
	}
}

func TestCheckTaskOutOfRangeIsIgnored(t *testing.T) {
	r := &captureRenderer{}
	e, store := newTestServer(t, r, nil, nil)
	store.Append("a")

	rec := do(e, http.MethodPatch, "/check/7", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if _, tasks := r.last(); len(tasks) != 1 || tasks[0].Done {
		t.Fatalf("expected unchanged list, got %#v", tasks)
	}
}

func TestScenarioThroughHandlers(t *testing.T) {
	r := &captureRenderer{}
	e, _ := newTestServer(t, r, nil, nil)

	steps := []struct {
		method string
		target string
		form   url.Values
		status int
		want   []domain.TaskView
	}{
		{http.MethodPost, "/add", addForm("buy milk"), http.StatusOK, []domain.TaskView{{ID: 0, Description: "buy milk"}}},
		{http.MethodPost, "/add", addForm("  "), http.StatusOK, []domain.TaskView{{ID: 0, Description: "buy milk"}}},
		{http.MethodPatch, "/check/0", nil, http.StatusOK, []domain.TaskView{{ID: 0, Description: "buy milk", Done: true}}},
		{http.MethodPost, "/add", addForm("walk dog"), http.StatusOK, []domain.TaskView{{ID: 0, Description: "buy milk", Done: true}, {ID: 1, Description: "walk dog"}}},
		{http.MethodDelete, "/delete/0", nil, http.StatusOK, []domain.TaskView{{ID: 0, Description: "walk dog"}}},
	}
	for i, step := range steps {
		rec := do(e, step.method, step.target, step.form, nil)
		if rec.Code != step.status {
			t.Fatalf("step %d: expected status %d got %d", i, step.status, rec.Code)
		}
		_, tasks := r.last()
		if len(tasks) != len(step.want) {
			t.Fatalf("step %d: expected %#v got %#v", i, step.want, tasks)
		}
		for j := range tasks {
			if tasks[j] != step.want[j] {
				t.Fatalf("step %d: expected %#v got %#v", i, step.want, tasks)
			}
		}
	}

	rec := do(e, http.MethodDelete, "/delete/5", nil, nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	rec = do(e, http.MethodGet, "/api/tasks", nil, nil)
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0] != (domain.TaskView{ID: 0, Description: "walk dog"}) {
		t.Fatalf("unexpected tasks after scenario: %#v", resp.Tasks)
	}
}

func TestRenderFailureReturnsServerError(t *testing.T) {
	e, store := newTestServer(t, failingRenderer{}, nil, nil)
	store.Append("a")

	requests := []struct {
		method string
		target string
		form   url.Values
	}{
		{http.MethodGet, "/", nil},
		{http.MethodPost, "/add", addForm("b")},
		{http.MethodDelete, "/delete/0", nil},
		{http.MethodPatch, "/check/0", nil},
	}
	for _, r := range requests {
		rec := do(e, r.method, r.target, r.form, nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("%s %s: expected status 500 got %d", r.method, r.target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "Failed to render template. Error: template exploded") {
			t.Fatalf("%s %s: unexpected body %q", r.method, r.target, rec.Body.String())
		}
	}
}

func TestAddTaskIdempotencyKey(t *testing.T) {
	deduper := newStubDeduper()
	e, store := newTestServer(t, &captureRenderer{}, deduper, nil)
	headers := map[string]string{headerIdempotencyKey: "k1"}

	do(e, http.MethodPost, "/add", addForm("buy milk"), headers)
	rec := do(e, http.MethodPost, "/add", addForm("buy milk"), headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.Len() != 1 {
		t.Fatalf("expected duplicate add to be skipped, got %d tasks", store.Len())
	}

	do(e, http.MethodPost, "/add", addForm("buy milk"), map[string]string{headerIdempotencyKey: "k2"})
	if store.Len() != 2 {
		t.Fatalf("expected distinct key to add, got %d tasks", store.Len())
	}
}

func TestAddTaskBlankInputReleasesIdempotencyKey(t *testing.T) {
	deduper := newStubDeduper()
	e, store := newTestServer(t, &captureRenderer{}, deduper, nil)
	headers := map[string]string{headerIdempotencyKey: "k1"}

	do(e, http.MethodPost, "/add", addForm(" "), headers)
	if len(deduper.removed) != 1 || deduper.removed[0] != "k1" {
		t.Fatalf("expected key to be released, got %#v", deduper.removed)
	}
	do(e, http.MethodPost, "/add", addForm("buy milk"), headers)
	if store.Len() != 1 {
		t.Fatalf("expected retry with same key to add, got %d tasks", store.Len())
	}
}

func TestAddTaskFailsOpenOnDeduperError(t *testing.T) {
	deduper := newStubDeduper()
	deduper.err = errors.New("redis down")
	e, store := newTestServer(t, &captureRenderer{}, deduper, nil)

	rec := do(e, http.MethodPost, "/add", addForm("buy milk"), map[string]string{headerIdempotencyKey: "k1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.Len() != 1 {
		t.Fatalf("expected task to be added despite deduper error, got %d", store.Len())
	}
}

func TestMutationsPublishEvents(t *testing.T) {
	pub := &recordingPublisher{}
	sender := NewEventSender(pub, SenderConfig{Workers: 1, Buffer: 16}, log.New())
	e, _ := newTestServer(t, &captureRenderer{}, nil, sender)

	do(e, http.MethodPost, "/add", addForm("buy milk"), nil)
	do(e, http.MethodPost, "/add", addForm(""), nil)
	do(e, http.MethodPatch, "/check/0", nil, nil)
	do(e, http.MethodPatch, "/check/9", nil, nil)
	do(e, http.MethodDelete, "/delete/0", nil, nil)
	do(e, http.MethodDelete, "/delete/0", nil, nil)
	sender.Close()

	events := pub.Events()
	wantTypes := []string{domain.EventTaskAdded, domain.EventTaskCompleted, domain.EventTaskRemoved}
	if len(events) != len(wantTypes) {
		t.Fatalf("expected %d events, got %#v", len(wantTypes), events)
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d: expected %s got %s", i, wantTypes[i], ev.Type)
		}
		if ev.ID == "" || ev.Timestamp == 0 {
			t.Fatalf("event %d missing id or timestamp: %#v", i, ev)
		}
	}
	if events[0].Description != "buy milk" {
		t.Fatalf("unexpected add description: %q", events[0].Description)
	}
	if events[1].Timestamp <= events[0].Timestamp || events[2].Timestamp <= events[1].Timestamp {
		t.Fatalf("expected increasing timestamps: %#v", events)
	}
}

func TestConcurrentAddsThroughHandlers(t *testing.T) {
	e, store := newTestServer(t, &captureRenderer{}, nil, nil)

	const n = 64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			do(e, http.MethodPost, "/add", addForm("task"), nil)
		}()
	}
	wg.Wait()

	if store.Len() != n {
		t.Fatalf("expected %d tasks, got %d", n, store.Len())
	}
}

func TestHealthz(t *testing.T) {
	e, store := newTestServer(t, &captureRenderer{}, nil, nil)
	store.Append("a")
	store.Append("b")

	rec := do(e, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	var resp healthResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if resp.Status != "ok" || resp.Tasks != 2 {
		t.Fatalf("unexpected health response: %#v", resp)
	}
}

func TestMutationNotifiesStream(t *testing.T) {
	e := echo.New()
	e.Renderer = &captureRenderer{}
	store := storage.NewTaskStore()
	broker := newUpdateBroker()
	changes := &changeNotifier{broker: broker}
	e.POST("/add", instrument("/add", log.New(), addTask(store, nil, changes, log.New())))

	ch := broker.subscribe()
	defer broker.unsubscribe(ch)

	do(e, http.MethodPost, "/add", addForm("buy milk"), nil)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected update signal after add")
	}
}

func TestChangeNotifierStampsAreStrictlyIncreasing(t *testing.T) {
	n := &changeNotifier{}
	base := time.Now().UnixNano()

	if got := n.stamp(base); got != base {
		t.Fatalf("expected %d, got %d", base, got)
	}
	if got := n.stamp(base); got != base+1 {
		t.Fatalf("expected %d for a stalled clock, got %d", base+1, got)
	}
	if got := n.stamp(base - 1000); got != base+2 {
		t.Fatalf("expected %d for a clock step back, got %d", base+2, got)
	}
}

func TestChangeNotifierStampsUniqueUnderConcurrency(t *testing.T) {
	n := &changeNotifier{}
	now := time.Now().UnixNano()

	const workers = 500
	results := make(chan int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			results <- n.stamp(now)
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]struct{}, workers)
	for ts := range results {
		if _, dup := seen[ts]; dup {
			t.Fatalf("duplicate timestamp %d", ts)
		}
		seen[ts] = struct{}{}
	}
}

func TestJSONAndHealthRoutesAreLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := echo.New()
	e.JSONSerializer = SonicSerializer{}
	e.Use(RequestIDMiddleware())
	store := storage.NewTaskStore()
	store.Append("a")
	Register(e, store, nil, nil, logger)

	for _, route := range []string{"/api/tasks", "/healthz"} {
		hook.Reset()
		rec := do(e, http.MethodGet, route, nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected status 200 got %d", route, rec.Code)
		}
		entry := hook.LastEntry()
		if entry == nil || entry.Message != requestEventName {
			t.Fatalf("%s: expected request log line, got %#v", route, entry)
		}
		if entry.Data["route"] != route || entry.Data["tasks_returned"] != 1 {
			t.Fatalf("%s: unexpected fields %#v", route, entry.Data)
		}
	}
}
