// Package workflow holds the data model shared by the engine, its stores and
// its handlers: workflow definitions, executions and their log entries.
package workflow

import (
	"time"
)

// Status values for a Workflow definition.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// NodeType is the declared capability of a node. The set is open: any type
// with a registered handler may appear in a definition.
type NodeType string

const (
	NodeHTTPRequest    NodeType = "http-request"
	NodeDataTransform  NodeType = "data-transform"
	NodeCondition      NodeType = "condition"
	NodeLoop           NodeType = "loop"
	NodeEmail          NodeType = "email"
	NodeFileOperations NodeType = "file-operations"
	NodeAPIGateway     NodeType = "api-gateway"
	NodeDatabaseQuery  NodeType = "database-query"
	NodeCustom         NodeType = "custom"
)

// Workflow is one version of a stored DAG of nodes. The engine only reads it.
type Workflow struct {
	ID        string                 `json:"id" yaml:"id"`
	OrgID     string                 `json:"org_id" yaml:"org_id"`
	OwnerID   string                 `json:"owner_id" yaml:"owner_id"`
	Name      string                 `json:"name" yaml:"name"`
	Version   int                    `json:"version" yaml:"version"`
	Status    Status                 `json:"status" yaml:"status"`
	Nodes     []Node                 `json:"nodes" yaml:"nodes"`
	Edges     []Edge                 `json:"edges" yaml:"edges"`
	Variables map[string]interface{} `json:"variables,omitempty" yaml:"variables,omitempty"`
	Schedule  string                 `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Settings  Settings               `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Settings tunes how runs of a workflow are executed.
type Settings struct {
	// Timeout bounds the whole run. Zero uses the engine default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Concurrency caps simultaneous node dispatches within one run. Zero uses
	// the engine's run concurrency.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// Node is one typed unit of work. Config is interpreted only by its handler.
type Node struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Type        NodeType               `json:"type" yaml:"type"`
	Config      map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Credentials []string               `json:"credentials,omitempty" yaml:"credentials,omitempty"`
	Timeout     time.Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry       *RetryPolicy           `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// DisplayName returns the node's name, or its ID when it has none.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// RetryPolicy configures in-dispatch retries of a failing handler.
type RetryPolicy struct {
	Attempts int           `json:"attempts" yaml:"attempts"`
	Delay    time.Duration `json:"delay,omitempty" yaml:"delay,omitempty"`
	MaxDelay time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Backoff  float64       `json:"backoff,omitempty" yaml:"backoff,omitempty"`
}

// Edge means Target depends on Source's output. When Branch is set the edge
// is only followed if Source selected that branch.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Branch string `json:"branch,omitempty" yaml:"branch,omitempty"`
}

// NodeByID returns the node with the given ID.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
