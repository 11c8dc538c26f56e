// Package scheduler starts runs of workflows that declare a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gxo-labs/runway/internal/config"
	runway "github.com/gxo-labs/runway/pkg/runway/v1"
	rwlog "github.com/gxo-labs/runway/pkg/runway/v1/log"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
	"github.com/robfig/cron/v3"
)

// SystemPrincipalID identifies runs started by the scheduler.
const SystemPrincipalID = "system:scheduler"

// Starter is the part of the coordinator the scheduler needs.
type Starter interface {
	Start(ctx context.Context, req runway.StartRequest) (string, error)
}

// WorkflowLister supplies the definitions Sync registers.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context) ([]*workflow.Workflow, error)
}

// SystemPrincipal is the identity scheduled runs execute as, scoped to the
// workflow's organization.
func SystemPrincipal(orgID string) runway.Principal {
	return runway.Principal{ID: SystemPrincipalID, OrgID: orgID, Permissions: []string{"*"}}
}

type entry struct {
	id       cron.EntryID
	schedule string
}

// Scheduler maps workflows to cron entries.
type Scheduler struct {
	cron    *cron.Cron
	starter Starter
	log     rwlog.Logger

	mu      sync.Mutex
	entries map[string]entry
	baseCtx context.Context
}

// Option customizes a Scheduler.
type Option func(*schedulerOptions)

type schedulerOptions struct {
	location *time.Location
}

// WithLocation evaluates schedules in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(o *schedulerOptions) { o.location = loc }
}

// New creates a stopped scheduler.
func New(starter Starter, log rwlog.Logger, opts ...Option) *Scheduler {
	o := schedulerOptions{location: time.UTC}
	for _, opt := range opts {
		opt(&o)
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log: log}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(config.ScheduleParser),
			cron.WithLocation(o.location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		starter: starter,
		log:     log,
		entries: make(map[string]entry),
		baseCtx: context.Background(),
	}
}

// Register schedules wf, replacing any previous entry for its ID. Workflows
// that are not active or have no schedule are unregistered instead.
func (s *Scheduler) Register(wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.entries[wf.ID]
	if wf.Schedule == "" || wf.Status != workflow.StatusActive {
		if had {
			s.cron.Remove(prev.id)
			delete(s.entries, wf.ID)
			s.log.Infof("Unscheduled workflow '%s'", wf.ID)
		}
		return nil
	}
	if had && prev.schedule == wf.Schedule {
		return nil
	}

	sched, err := config.ScheduleParser.Parse(wf.Schedule)
	if err != nil {
		return fmt.Errorf("workflow '%s': invalid schedule '%s': %w", wf.ID, wf.Schedule, err)
	}
	workflowID, orgID := wf.ID, wf.OrgID
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(workflowID, orgID) }))
	if had {
		s.cron.Remove(prev.id)
	}
	s.entries[wf.ID] = entry{id: id, schedule: wf.Schedule}
	s.log.Infof("Scheduled workflow '%s' with '%s'", wf.ID, wf.Schedule)
	return nil
}

// Unregister removes the entry for workflowID, if any.
func (s *Scheduler) Unregister(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[workflowID]; ok {
		s.cron.Remove(e.id)
		delete(s.entries, workflowID)
	}
}

// Sync registers every active scheduled workflow from lister and drops
// entries for workflows that disappeared. It returns the first registration
// error after attempting all of them.
func (s *Scheduler) Sync(ctx context.Context, lister WorkflowLister) error {
	wfs, err := lister.ListWorkflows(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]struct{}, len(wfs))
	var firstErr error
	for _, wf := range wfs {
		present[wf.ID] = struct{}{}
		if err := s.Register(wf); err != nil {
			s.log.Errorf("Failed to schedule workflow '%s': %v", wf.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for _, id := range s.Scheduled() {
		if _, ok := present[id]; !ok {
			s.Unregister(id)
		}
	}
	return firstErr
}

// Scheduled returns the IDs of scheduled workflows in sorted order.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Next returns when workflowID fires next. It is zero until Run starts.
func (s *Scheduler) Next(workflowID string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.entries[workflowID]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(e.id).Next, true
}

// Run starts firing schedules and blocks until ctx is cancelled. Jobs that
// are mid-flight when ctx ends are waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.log.Infof("Scheduler started with %d workflow(s)", len(s.Scheduled()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Infof("Scheduler stopped")
	return nil
}

func (s *Scheduler) fire(workflowID, orgID string) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	id, err := s.starter.Start(ctx, runway.StartRequest{
		WorkflowID:  workflowID,
		TriggeredBy: SystemPrincipal(orgID),
		TriggerType: workflow.TriggerScheduled,
		Input:       map[string]interface{}{"scheduled_at": time.Now().UTC().Format(time.RFC3339)},
	})
	if err != nil {
		s.log.Errorf("Scheduled start of workflow '%s' failed: %v", workflowID, err)
		return
	}
	s.log.Infof("Scheduled run %s of workflow '%s' started", id, workflowID)
}

// cronLogger routes cron's own logging through the engine logger.
type cronLogger struct {
	log rwlog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.With(keysAndValues...).Debugf("cron: %s", msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.With(keysAndValues...).Errorf("cron: %s: %v", msg, err)
}
