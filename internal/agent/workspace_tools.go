package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/deep-research/internal/workspace"
)

// Workspace tool names.
const (
	ToolWriteFile  = "write_research_file"
	ToolReadFile   = "read_research_file"
	ToolListFiles  = "list_research_files"
	ToolSearchFile = "search_research_files"
)

type taskKey struct{}

// WithTask binds ctx to a task so workspace tools cannot reach another
// task's files, whatever thread_id the model passes.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskFrom returns the task bound by WithTask.
func TaskFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskKey{}).(string)
	return id, ok && id != ""
}

type fileArgs struct {
	ThreadID     string `json:"thread_id"`
	Filename     string `json:"filename"`
	Content      string `json:"content"`
	Subdirectory string `json:"subdirectory"`
	Keyword      string `json:"keyword"`
}

// WorkspaceTools exposes a workspace.Registry to workers.
type WorkspaceTools struct {
	reg *workspace.Registry
}

func NewWorkspaceTools(reg *workspace.Registry) *WorkspaceTools {
	return &WorkspaceTools{reg: reg}
}

// Register adds the named workspace tools to a worker's registry.
func (t *WorkspaceTools) Register(r *ToolRegistry, names ...string) {
	for _, n := range names {
		switch n {
		case ToolWriteFile:
			r.Register(functionTool(ToolWriteFile,
				"Save a research file (notes, plan or report) into the task workspace. Overwrites an existing file of the same name.",
				map[string]interface{}{
					"thread_id":    stringProp("Task thread ID given in the instruction"),
					"filename":     stringProp("File name with extension, e.g. web_research.md"),
					"content":      stringProp("Full file content (markdown)"),
					"subdirectory": stringProp("One of plans, notes, reports, temp. Defaults to notes"),
				}, "thread_id", "filename", "content"), t.write)
		case ToolReadFile:
			r.Register(functionTool(ToolReadFile,
				"Read a file from the task workspace.",
				map[string]interface{}{
					"thread_id":    stringProp("Task thread ID"),
					"filename":     stringProp("File name"),
					"subdirectory": stringProp("One of plans, notes, reports, temp. Defaults to notes"),
				}, "thread_id", "filename"), t.read)
		case ToolListFiles:
			r.Register(functionTool(ToolListFiles,
				"List files in the task workspace, optionally limited to one subdirectory.",
				map[string]interface{}{
					"thread_id":    stringProp("Task thread ID"),
					"subdirectory": stringProp("Optional: plans, notes, reports or temp"),
				}, "thread_id"), t.list)
		case ToolSearchFile:
			r.Register(functionTool(ToolSearchFile,
				"Case-insensitive keyword search over text files in the task workspace.",
				map[string]interface{}{
					"thread_id":    stringProp("Task thread ID"),
					"keyword":      stringProp("Keyword to look for"),
					"subdirectory": stringProp("Optional: plans, notes, reports or temp"),
				}, "thread_id", "keyword"), t.search)
		}
	}
}

func (t *WorkspaceTools) open(ctx context.Context, raw string, defaultSub string) (*workspace.Workspace, fileArgs, error) {
	var a fileArgs
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, a, fmt.Errorf("parse args: %w", err)
	}
	if a.Subdirectory == "" {
		a.Subdirectory = defaultSub
	}
	// Models often echo the subdirectory inside the file name.
	if sub, name, ok := strings.Cut(a.Filename, "/"); ok && workspace.IsSubdir(sub) {
		a.Subdirectory, a.Filename = sub, name
	}

	id := a.ThreadID
	if bound, ok := TaskFrom(ctx); ok {
		if id != "" && id != bound {
			return nil, a, fmt.Errorf("thread_id %q does not match the active task", id)
		}
		id = bound
	}
	if id == "" {
		return nil, a, errors.New("thread_id is required")
	}
	ws, err := t.reg.Open(id)
	return ws, a, err
}

func (t *WorkspaceTools) write(ctx context.Context, raw string) (string, error) {
	ws, a, err := t.open(ctx, raw, workspace.Notes)
	if err != nil {
		return "", err
	}
	path, err := ws.Write(a.Subdirectory, a.Filename, a.Content,
		workspace.Metadata{"source": workspace.SourceWorkerOutput})
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"status": "saved", "path": path, "bytes": len(a.Content)})
}

func (t *WorkspaceTools) read(ctx context.Context, raw string) (string, error) {
	ws, a, err := t.open(ctx, raw, workspace.Notes)
	if err != nil {
		return "", err
	}
	return ws.Read(a.Subdirectory, a.Filename)
}

func (t *WorkspaceTools) list(ctx context.Context, raw string) (string, error) {
	ws, a, err := t.open(ctx, raw, "")
	if err != nil {
		return "", err
	}
	files, err := ws.List(a.Subdirectory)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"files": files})
}

func (t *WorkspaceTools) search(ctx context.Context, raw string) (string, error) {
	ws, a, err := t.open(ctx, raw, "")
	if err != nil {
		return "", err
	}
	matches, err := ws.Search(a.Keyword, a.Subdirectory)
	if err != nil {
		return "", err
	}
	return marshal(map[string]interface{}{"keyword": a.Keyword, "matches": matches})
}

func marshal(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
