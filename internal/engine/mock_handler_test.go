package engine_test

import (
	"context"
	"errors"
	"sync"
	"time"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

const mockType workflow.NodeType = "mock"

// recorder remembers what mock handlers did across every execution of a
// test.
type recorder struct {
	mu          sync.Mutex
	calls       map[string]int
	inputs      map[string][]interface{}
	compensated []string
	dryRunCalls int
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), inputs: make(map[string][]interface{})}
}

func (r *recorder) called(nodeID string, input interface{}, dryRun bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[nodeID]++
	r.inputs[nodeID] = append(r.inputs[nodeID], input)
	if dryRun {
		r.dryRunCalls++
	}
	return r.calls[nodeID]
}

// Calls returns how many times nodeID was dispatched.
func (r *recorder) Calls(nodeID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[nodeID]
}

// LastInput returns the input of the latest dispatch of nodeID.
func (r *recorder) LastInput(nodeID string) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.inputs[nodeID]
	if len(in) == 0 {
		return nil
	}
	return in[len(in)-1]
}

// Compensated returns compensated node IDs in call order.
func (r *recorder) Compensated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.compensated...)
}

func (r *recorder) DryRunCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dryRunCalls
}

// mockHandler is configured entirely through node config:
//
//	delay           duration string slept before anything else
//	block           wait until the context ends
//	log             message written to the node logger
//	panic           panic instead of returning
//	fail_times      fail this many dispatches of the node, then succeed
//	fail            always fail with this message
//	echo_credential return the named credential value
//	output          value returned as output
//	compensate_fail error returned by Compensate
//
// Without output the handler returns {"node": id, "input": input}.
type mockHandler struct {
	rec *recorder
}

func (h *mockHandler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config
	n := h.rec.called(req.Node.ID, req.Input, handler.IsDryRun(ctx))

	if raw, ok := cfg["delay"].(string); ok {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if block, _ := cfg["block"].(bool); block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if msg, ok := cfg["log"].(string); ok {
		req.Logger.Infof("%s", msg)
	}
	if p, _ := cfg["panic"].(bool); p {
		panic("mock handler exploded")
	}
	if times, ok := cfg["fail_times"].(int); ok && n <= times {
		return nil, errors.New("transient failure")
	}
	if msg, ok := cfg["fail"].(string); ok {
		return nil, errors.New(msg)
	}
	if name, ok := cfg["echo_credential"].(string); ok {
		return map[string]interface{}{"secret": req.Credentials[name]}, nil
	}
	if out, ok := cfg["output"]; ok {
		return out, nil
	}
	return map[string]interface{}{"node": req.Node.ID, "input": req.Input}, nil
}

func (h *mockHandler) Compensate(_ context.Context, req *handler.Request, _ interface{}) error {
	h.rec.mu.Lock()
	h.rec.compensated = append(h.rec.compensated, req.Node.ID)
	h.rec.mu.Unlock()
	if msg, ok := req.Node.Config["compensate_fail"].(string); ok {
		return errors.New(msg)
	}
	return nil
}

// rawHandler leaves its "body" key unrendered and returns it.
type rawHandler struct{}

func (rawHandler) Execute(_ context.Context, req *handler.Request) (interface{}, error) {
	return map[string]interface{}{"body": req.Node.Config["body"], "title": req.Node.Config["title"]}, nil
}

func (rawHandler) RawConfigKeys() []string { return []string{"body"} }

// newMockRegistry returns a registry holding the mock and raw handlers.
func newMockRegistry(rec *recorder) *intHandler.StaticRegistry {
	reg := intHandler.NewStaticRegistry()
	if err := reg.Register(mockType, func() handler.Handler { return &mockHandler{rec: rec} }); err != nil {
		panic(err)
	}
	if err := reg.Register("raw", func() handler.Handler { return rawHandler{} }); err != nil {
		panic(err)
	}
	return reg
}

func mockNode(id string, config map[string]interface{}) workflow.Node {
	return workflow.Node{ID: id, Name: id, Type: mockType, Config: config}
}

func edge(source, target string) workflow.Edge {
	return workflow.Edge{Source: source, Target: target}
}

func branchEdge(source, target, branch string) workflow.Edge {
	return workflow.Edge{Source: source, Target: target, Branch: branch}
}
