package api_test

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gxo-labs/runway/internal/api"
	"github.com/gxo-labs/runway/internal/engine"
	intEvents "github.com/gxo-labs/runway/internal/events"
	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/logger"
	intMetrics "github.com/gxo-labs/runway/internal/metrics"
	intQueue "github.com/gxo-labs/runway/internal/queue"
	intStore "github.com/gxo-labs/runway/internal/store"
	intTracing "github.com/gxo-labs/runway/internal/tracing"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const org = "org-1"

type echoHandler struct{}

func (echoHandler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	if d, ok := req.Node.Config["delay"].(string); ok {
		wait, _ := time.ParseDuration(d)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return req.Input, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *intStore.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logger.NewLogger("debug", "text", os.Stderr)
	store := intStore.NewMemoryStore()
	queue := intQueue.NewMemoryQueue(intQueue.Options{PollInterval: 5 * time.Millisecond})
	bus := intEvents.NewBroadcaster(256, log)
	reg := intHandler.NewStaticRegistry()
	require.NoError(t, reg.Register("echo", func() handler.Handler { return echoHandler{} }))

	coord, err := engine.NewCoordinator(log,
		runway.WithStore(store),
		runway.WithQueue(queue),
		runway.WithEventBus(bus),
		runway.WithHandlerRegistry(reg),
		runway.WithMetricsRegistryProvider(intMetrics.NewPrometheusRegistryProvider()),
		runway.WithTracerProvider(intTracing.NewNoOpProvider()),
		runway.WithWorkerCount(2),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()

	for _, wf := range []*workflow.Workflow{
		{ID: "echo", Nodes: []workflow.Node{{ID: "a", Type: "echo"}}},
		{ID: "slow", Nodes: []workflow.Node{{ID: "a", Type: "echo", Config: map[string]interface{}{"delay": "200ms"}}}},
		{ID: "draft", Status: workflow.StatusDraft, Nodes: []workflow.Node{{ID: "a", Type: "echo"}}},
	} {
		wf.OrgID, wf.OwnerID, wf.Version = org, "owner", 1
		if wf.Status == "" {
			wf.Status = workflow.StatusActive
		}
		require.NoError(t, store.SaveWorkflow(context.Background(), wf))
	}

	server := api.NewServer(api.Config{Heartbeat: 50 * time.Millisecond}, coord, log, api.WithEventSource(bus))
	srv := httptest.NewServer(server)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		bus.Close()
		_ = queue.Close()
	})
	return &testEnv{srv: srv, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func as(user string) map[string]string {
	return map[string]string{
		api.HeaderUser:        user,
		api.HeaderOrg:         org,
		api.HeaderPermissions: runway.PermissionExecute + "," + runway.PermissionRead,
	}
}

func decode(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func (e *testEnv) waitStatus(t *testing.T, id string, want workflow.ExecutionStatus) map[string]interface{} {
	t.Helper()
	var report map[string]interface{}
	require.Eventually(t, func() bool {
		resp, data := e.do(t, http.MethodGet, "/v1/executions/"+id, "", as("alice"))
		if resp.StatusCode != http.StatusOK {
			return false
		}
		report = decode(t, data)
		exec := report["execution"].(map[string]interface{})
		return exec["status"] == string(want)
	}, 5*time.Second, 10*time.Millisecond)
	return report
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, data)["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "runway_active_executions")
}

func TestMissingPrincipalIsUnauthorized(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/v1/workflows/echo/executions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartAndStatus(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodPost, "/v1/workflows/echo/executions", `{"input":{"order":42}}`, as("alice"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	id := decode(t, data)["execution_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "/v1/executions/"+id, resp.Header.Get("Location"))

	report := env.waitStatus(t, id, workflow.ExecutionCompleted)
	exec := report["execution"].(map[string]interface{})
	assert.Equal(t, string(workflow.TriggerAPI), exec["trigger_type"])
	assert.Equal(t, "alice", exec["triggered_by"])
	assert.Equal(t, map[string]interface{}{"order": 42.0}, exec["output_data"])
	assert.Equal(t, 100.0, report["progress"].(map[string]interface{})["percent"])
}

func TestWebhookUsesRawBody(t *testing.T) {
	env := newTestEnv(t)
	resp, data := env.do(t, http.MethodPost, "/v1/webhooks/echo", "plain text payload", as("hook"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	id := decode(t, data)["execution_id"].(string)

	report := env.waitStatus(t, id, workflow.ExecutionCompleted)
	exec := report["execution"].(map[string]interface{})
	assert.Equal(t, string(workflow.TriggerWebhook), exec["trigger_type"])
	assert.Equal(t, "plain text payload", exec["output_data"])
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t)

	resp, data := env.do(t, http.MethodPost, "/v1/workflows/nope/executions", "", as("alice"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode(t, data)["code"])

	outsider := map[string]string{api.HeaderUser: "eve", api.HeaderOrg: "org-2", api.HeaderPermissions: "*"}
	resp, _ = env.do(t, http.MethodPost, "/v1/workflows/echo/executions", "", outsider)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, data = env.do(t, http.MethodPost, "/v1/workflows/draft/executions", "", as("alice"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "workflow_not_active", decode(t, data)["code"])

	resp, _ = env.do(t, http.MethodPost, "/v1/workflows/echo/executions", "{not json", as("alice"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/executions/missing", "", as("alice"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelAndRetryOfCompletedRunConflict(t *testing.T) {
	env := newTestEnv(t)
	_, data := env.do(t, http.MethodPost, "/v1/workflows/echo/executions", "", as("alice"))
	id := decode(t, data)["execution_id"].(string)
	env.waitStatus(t, id, workflow.ExecutionCompleted)

	resp, data := env.do(t, http.MethodPost, "/v1/executions/"+id+"/cancel", `{"reason":"too late"}`, as("alice"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "invalid_transition", decode(t, data)["code"])

	resp, _ = env.do(t, http.MethodPost, "/v1/executions/"+id+"/retry", "", as("alice"))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCancelRunningExecution(t *testing.T) {
	env := newTestEnv(t)
	_, data := env.do(t, http.MethodPost, "/v1/workflows/slow/executions", "", as("alice"))
	id := decode(t, data)["execution_id"].(string)

	resp, data := env.do(t, http.MethodPost, "/v1/executions/"+id+"/cancel", `{"reason":"operator"}`, as("alice"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	env.waitStatus(t, id, workflow.ExecutionCancelled)
}

func TestHistoryPagination(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp, _ := env.do(t, http.MethodPost, "/v1/workflows/echo/executions", "", as("alice"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp, data := env.do(t, http.MethodGet, "/v1/workflows/echo/executions?page=1&limit=2", "", as("alice"))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	page := decode(t, data)
	assert.Equal(t, 3.0, page["total"])
	assert.Len(t, page["executions"], 2)

	resp, _ = env.do(t, http.MethodGet, "/v1/workflows/echo/executions?page=x", "", as("alice"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t)
	_, data := env.do(t, http.MethodPost, "/v1/workflows/slow/executions", "", as("alice"))
	id := decode(t, data)["execution_id"].(string)

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/executions/"+id+"/events", nil)
	require.NoError(t, err)
	for k, v := range as("alice") {
		req.Header.Set(k, v)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := env.srv.Client().Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var names []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			names = append(names, name)
		}
	}
	require.NotEmpty(t, names)
	assert.Equal(t, "status", names[0])
	if len(names) > 1 {
		assert.Equal(t, "execution_completed", names[len(names)-1])
	}

	env.waitStatus(t, id, workflow.ExecutionCompleted)
}
