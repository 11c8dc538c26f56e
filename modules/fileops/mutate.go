package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/gxo-labs/runway/internal/paramutil"
	"github.com/gxo-labs/runway/pkg/runway/v1/handler"
)

func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func backupPath(req *handler.Request, rel string) string {
	execID := req.ExecutionID
	if execID == "" {
		execID = "adhoc"
	}
	return filepath.Join(backupDir, execID, req.Node.ID, filepath.Clean(rel))
}

func writeFile(req *handler.Request, full, rel string, content []byte, appendMode, mkdirs bool) (interface{}, error) {
	out := map[string]interface{}{"path": rel, "bytes": len(content)}
	if appendMode {
		out["operation"] = OpAppend
	} else {
		out["operation"] = OpWrite
	}

	info, err := os.Stat(full)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if existed && info.IsDir() {
		return nil, fmt.Errorf("'%s' is a directory", rel)
	}
	out["created"] = !existed

	if mkdirs {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
	}

	switch {
	case appendMode:
		if existed {
			out["previous_size"] = info.Size()
		}
		f, err := os.OpenFile(full, os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultFileMode)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(content); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Close(); err != nil {
			return nil, err
		}
	default:
		if existed {
			backup := backupPath(req, rel)
			if err := copyFile(full, filepath.Join(req.Workspace, backup)); err != nil {
				return nil, fmt.Errorf("failed to back up '%s': %w", rel, err)
			}
			out["backup"] = backup
		}
		if err := os.WriteFile(full, content, defaultFileMode); err != nil {
			return nil, err
		}
	}
	req.Logger.Debugf("%s %d bytes to %s", out["operation"], len(content), rel)
	return out, nil
}

func deleteFile(req *handler.Request, full, rel string) (interface{}, error) {
	out := map[string]interface{}{"path": rel, "operation": OpDelete, "deleted": false}
	if _, err := os.Lstat(full); errors.Is(err, fs.ErrNotExist) {
		return out, nil
	} else if err != nil {
		return nil, err
	}

	backup := backupPath(req, rel)
	target := filepath.Join(req.Workspace, backup)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	if err := os.Rename(full, target); err != nil {
		return nil, err
	}
	out["deleted"] = true
	out["backup"] = backup
	return out, nil
}

// Compensate undoes a write, append or delete using what the operation
// recorded in its output. Reads and lists have nothing to undo.
func (h *Handler) Compensate(ctx context.Context, req *handler.Request, output interface{}) error {
	out, err := paramutil.ToStringMap(output)
	if err != nil {
		return nil
	}
	op, _, _ := paramutil.GetOptionalString(out, "operation")
	rel, _, _ := paramutil.GetOptionalString(out, "path")
	if !isMutation(op) || rel == "" {
		return nil
	}
	full, err := Resolve(req.Workspace, rel)
	if err != nil {
		return err
	}
	backup, hasBackup, _ := paramutil.GetOptionalString(out, "backup")
	var backupFull string
	if hasBackup {
		if backupFull, err = Resolve(req.Workspace, backup); err != nil {
			return err
		}
	}

	switch op {
	case OpWrite:
		if created, _, _ := paramutil.GetOptionalBool(out, "created"); created {
			return removeIfExists(full)
		}
		if hasBackup {
			return os.Rename(backupFull, full)
		}
	case OpAppend:
		if created, _, _ := paramutil.GetOptionalBool(out, "created"); created {
			return removeIfExists(full)
		}
		size, ok, err := paramutil.GetOptionalInt(out, "previous_size")
		if err != nil {
			return err
		}
		if ok {
			return os.Truncate(full, int64(size))
		}
	case OpDelete:
		if deleted, _, _ := paramutil.GetOptionalBool(out, "deleted"); deleted && hasBackup {
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return err
			}
			return os.Rename(backupFull, full)
		}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

var (
	_ handler.Handler     = (*Handler)(nil)
	_ handler.Compensator = (*Handler)(nil)
)
