package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gxo-labs/runway/internal/logger"
	intStore "github.com/gxo-labs/runway/internal/store"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []runway.StartRequest
	err  error
}

func (f *fakeStarter) Start(_ context.Context, req runway.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "exec-x", nil
}

func (f *fakeStarter) requests() []runway.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runway.StartRequest(nil), f.reqs...)
}

func scheduled(id, schedule string) *workflow.Workflow {
	return &workflow.Workflow{ID: id, OrgID: "org-1", Status: workflow.StatusActive, Schedule: schedule}
}

func TestRegister(t *testing.T) {
	s := New(&fakeStarter{}, logger.NewNopLogger())

	require.NoError(t, s.Register(scheduled("hourly", "@hourly")))
	require.NoError(t, s.Register(scheduled("none", "")))
	draft := scheduled("draft", "@daily")
	draft.Status = workflow.StatusDraft
	require.NoError(t, s.Register(draft))
	assert.Equal(t, []string{"hourly"}, s.Scheduled())

	err := s.Register(scheduled("broken", "not a schedule"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	require.NoError(t, s.Register(scheduled("hourly", "*/10 * * * *")), "a changed schedule replaces the entry")
	assert.Equal(t, []string{"hourly"}, s.Scheduled())

	archived := scheduled("hourly", "@hourly")
	archived.Status = workflow.StatusArchived
	require.NoError(t, s.Register(archived))
	assert.Empty(t, s.Scheduled())
}

func TestSync(t *testing.T) {
	ctx := context.Background()
	store := intStore.NewMemoryStore()
	require.NoError(t, store.SaveWorkflow(ctx, scheduled("a", "@hourly")))
	require.NoError(t, store.SaveWorkflow(ctx, scheduled("b", "@daily")))
	require.NoError(t, store.SaveWorkflow(ctx, scheduled("c", "")))

	s := New(&fakeStarter{}, logger.NewNopLogger())
	require.NoError(t, s.Register(scheduled("gone", "@weekly")))
	require.NoError(t, s.Sync(ctx, store))
	assert.Equal(t, []string{"a", "b"}, s.Scheduled())
}

func TestRunFiresAsSystemPrincipal(t *testing.T) {
	starter := &fakeStarter{}
	s := New(starter, logger.NewNopLogger())
	require.NoError(t, s.Register(scheduled("tick", "@every 1s")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool { return len(starter.requests()) > 0 }, 4*time.Second, 20*time.Millisecond)
	next, ok := s.Next("tick")
	require.True(t, ok)
	assert.False(t, next.IsZero())

	req := starter.requests()[0]
	assert.Equal(t, "tick", req.WorkflowID)
	assert.Equal(t, workflow.TriggerScheduled, req.TriggerType)
	assert.Equal(t, SystemPrincipalID, req.TriggeredBy.ID)
	assert.Equal(t, "org-1", req.TriggeredBy.OrgID)
	assert.True(t, req.TriggeredBy.HasPermission(runway.PermissionExecute))
}

func TestFireFailureIsLogged(t *testing.T) {
	starter := &fakeStarter{err: errors.New("workflow 'x' is not active")}
	s := New(starter, logger.NewNopLogger())
	s.fire("x", "org-1")
	assert.Len(t, starter.requests(), 1)
}
