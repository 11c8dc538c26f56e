// Package fileops implements the file-operations node type. Every path is
// resolved inside the request's workspace directory.
package fileops

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	intHandler "github.com/gxo-labs/runway/internal/handler"
	"github.com/gxo-labs/runway/internal/paramutil"
	rwerrors "github.com/gxo-labs/runway/pkg/runway/v1/errors"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
	"github.com/gxo-labs/runway/pkg/runway/v1/workflow"
)

// Operations.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpAppend = "append"
	OpDelete = "delete"
	OpList   = "list"
	OpExists = "exists"
)

const (
	// backupDir holds copies taken before destructive operations so they can
	// be compensated. It lives inside the workspace.
	backupDir       = ".runway-backup"
	defaultMaxRead  = 10 << 20
	defaultFileMode = 0o644
)

func init() {
	intHandler.Register(workflow.NodeFileOperations, New)
}

// Handler performs one file operation.
//
// Config:
//
//	operation  read | write | append | delete | list | exists
//	path       relative to the workspace
//	content    for write and append; strings are written as-is, other values as JSON
//	encoding   "text" (default) or "base64" for read and write
//	mkdirs     create missing parent directories on write, default true
//
// write, append and delete are undone by Compensate.
type Handler struct{}

// New is the handler factory.
func New() handler.Handler {
	return &Handler{}
}

// Execute implements handler.Handler.
func (h *Handler) Execute(ctx context.Context, req *handler.Request) (interface{}, error) {
	cfg := req.Node.Config
	op, err := paramutil.GetRequiredString(cfg, "operation")
	if err != nil {
		return nil, err
	}
	rel, err := paramutil.GetStringDefault(cfg, "path", ".")
	if err != nil {
		return nil, err
	}
	full, err := Resolve(req.Workspace, rel)
	if err != nil {
		return nil, err
	}
	encoding, err := paramutil.GetStringDefault(cfg, "encoding", "text")
	if err != nil {
		return nil, err
	}
	if encoding != "text" && encoding != "base64" {
		return nil, rwerrors.NewValidationError(fmt.Sprintf("config 'encoding' must be text or base64, got '%s'", encoding), nil)
	}

	if handler.IsDryRun(ctx) && isMutation(op) {
		req.Logger.Infof("dry run: skipping %s of %s", op, rel)
		return map[string]interface{}{"dry_run": true, "operation": op, "path": rel}, nil
	}

	switch op {
	case OpRead:
		return readFile(full, rel, encoding)
	case OpWrite, OpAppend:
		content, err := contentBytes(cfg["content"], encoding)
		if err != nil {
			return nil, err
		}
		mkdirs, set, err := paramutil.GetOptionalBool(cfg, "mkdirs")
		if err != nil {
			return nil, err
		}
		if !set {
			mkdirs = true
		}
		return writeFile(req, full, rel, content, op == OpAppend, mkdirs)
	case OpDelete:
		return deleteFile(req, full, rel)
	case OpList:
		return listDir(full, rel)
	case OpExists:
		info, err := os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]interface{}{"path": rel, "exists": false}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"path": rel, "exists": true, "is_dir": info.IsDir(), "size": info.Size()}, nil
	default:
		return nil, rwerrors.NewValidationError(fmt.Sprintf("unknown operation '%s'", op), nil)
	}
}

// Resolve maps rel into workspace and rejects anything that would land
// outside it, including through symlinks.
func Resolve(workspace, rel string) (string, error) {
	if workspace == "" {
		return "", rwerrors.NewConfigError("file operations need a workspace directory", nil)
	}
	if filepath.IsAbs(rel) {
		return "", rwerrors.NewValidationError(fmt.Sprintf("path '%s' must be relative to the workspace", rel), nil)
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	full := filepath.Join(root, filepath.Clean(rel))
	if !within(root, full) {
		return "", rwerrors.NewValidationError(fmt.Sprintf("path '%s' escapes the workspace", rel), nil)
	}

	// Walk up to the deepest existing ancestor and check where it really is.
	probe := full
	for {
		if _, err := os.Lstat(probe); err == nil {
			real, err := filepath.EvalSymlinks(probe)
			if err != nil {
				return "", err
			}
			if !within(root, real) {
				return "", rwerrors.NewValidationError(fmt.Sprintf("path '%s' escapes the workspace through a symlink", rel), nil)
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return full, nil
}

func within(root, path string) bool {
	r, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

func isMutation(op string) bool {
	return op == OpWrite || op == OpAppend || op == OpDelete
}

func contentBytes(v interface{}, encoding string) ([]byte, error) {
	switch c := v.(type) {
	case nil:
		return nil, nil
	case string:
		if encoding == "base64" {
			b, err := base64.StdEncoding.DecodeString(c)
			if err != nil {
				return nil, rwerrors.NewValidationError("config 'content' is not valid base64", err)
			}
			return b, nil
		}
		return []byte(c), nil
	default:
		b, err := marshalJSON(c)
		if err != nil {
			return nil, rwerrors.NewValidationError("config 'content' cannot be encoded", err)
		}
		return b, nil
	}
}

func readFile(full, rel, encoding string) (interface{}, error) {
	info, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("'%s' is a directory", rel)
	}
	if info.Size() > defaultMaxRead {
		return nil, fmt.Errorf("'%s' is %d bytes, larger than the %d byte read limit", rel, info.Size(), defaultMaxRead)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	content := string(data)
	if encoding == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	}
	return map[string]interface{}{"path": rel, "content": content, "size": len(data)}, nil
}

func listDir(full, rel string) (interface{}, error) {
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		if e.Name() == backupDir && filepath.Clean(rel) == "." {
			continue
		}
		item := map[string]interface{}{"name": e.Name(), "is_dir": e.IsDir()}
		if info, err := e.Info(); err == nil {
			item["size"] = info.Size()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].(map[string]interface{})["name"].(string) < out[j].(map[string]interface{})["name"].(string)
	})
	return map[string]interface{}{"path": rel, "entries": out, "count": len(out)}, nil
}
