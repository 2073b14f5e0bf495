// Package vault implements the folder-addressed JSON document store backing
// the task lifecycle and the HITL workflow. Every write goes through a
// temp-file-and-rename so readers never observe partial documents.
package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/autopilot/logging"
)

// Folder identifies one of the fixed workspace folders.
type Folder string

// The closed folder taxonomy.
const (
	FolderPlans           Folder = "Plans"
	FolderNeedsAction     Folder = "Needs_Action"
	FolderDone            Folder = "Done"
	FolderPendingApproval Folder = "Pending_Approval"
	FolderApproved        Folder = "Approved"
	FolderRejected        Folder = "Rejected"
	FolderLogs            Folder = "Logs"
)

// Folders lists every workspace folder.
var Folders = []Folder{
	FolderPlans,
	FolderNeedsAction,
	FolderDone,
	FolderPendingApproval,
	FolderApproved,
	FolderRejected,
	FolderLogs,
}

const (
	metadataKey = "_vault_metadata"
	// tempSuffix must differ from .json so in-progress writes are never
	// enumerated by List.
	tempSuffix = ".tmp"
)

// Metadata is the bookkeeping prefix stamped on every stored document.
type Metadata struct {
	CreatedAt  time.Time
	ModifiedAt time.Time
	Folder     Folder
}

// Document is a JSON object stored in a workspace folder. Content excludes
// the metadata prefix.
type Document struct {
	ID       string
	Folder   Folder
	Content  map[string]any
	Metadata Metadata
}

// Manager owns the on-disk workspace. All operations are safe for concurrent
// use; per-document write serialisation comes from the atomic rename
// discipline.
type Manager struct {
	root   string
	logger *logging.Logger
}

// NewManager creates a manager rooted at the given path. logRoot may be empty
// for console-only logging.
func NewManager(root, logRoot string) *Manager {
	return &Manager{
		root:   root,
		logger: logging.New("vault:manager", logRoot),
	}
}

// Root returns the workspace root path.
func (m *Manager) Root() string {
	return m.root
}

// LogRoot returns the path of the Logs folder.
func (m *Manager) LogRoot() string {
	return m.folderPath(FolderLogs)
}

// Initialize creates every workspace folder, including the Logs
// subdirectories.
func (m *Manager) Initialize(ctx context.Context) error {
	dirs := make([]string, 0, len(Folders)+3)
	for _, f := range Folders {
		dirs = append(dirs, m.folderPath(f))
	}
	logs := m.folderPath(FolderLogs)
	dirs = append(dirs,
		filepath.Join(logs, "agents"),
		filepath.Join(logs, "loop"),
		filepath.Join(logs, "system"),
	)

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create folder %s: %w", dir, err)
		}
	}

	m.logger.Info(ctx, "initialize", logging.Data{
		Output: map[string]any{"root": m.root, "folders": len(dirs)},
	})
	return nil
}

// Create writes a new document. Returns ErrAlreadyExists when a document with
// the same id is already present in the folder.
func (m *Manager) Create(ctx context.Context, folder Folder, id string, content map[string]any) (*Document, error) {
	path := m.filePath(folder, id)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("create %s/%s: %w", folder, id, ErrAlreadyExists)
	}

	now := time.Now()
	stored := cloneContent(content)
	stored[metadataKey] = metadataMap(now, now, folder)

	if err := writeAtomic(path, stored); err != nil {
		return nil, fmt.Errorf("create %s/%s: %w", folder, id, err)
	}

	m.logger.Info(ctx, "create_file", logging.Data{
		Input: map[string]any{"folder": string(folder), "id": id},
	})

	return &Document{
		ID:       id,
		Folder:   folder,
		Content:  cloneContent(content),
		Metadata: Metadata{CreatedAt: now, ModifiedAt: now, Folder: folder},
	}, nil
}

// Read returns a document, or ErrNotFound. Unknown metadata keys are
// tolerated and stripped from Content.
func (m *Manager) Read(ctx context.Context, folder Folder, id string) (*Document, error) {
	raw, err := os.ReadFile(m.filePath(folder, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("read %s/%s: %w", folder, id, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s/%s: %w", folder, id, err)
	}

	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", folder, id, err)
	}

	meta := popMetadata(content, folder)
	return &Document{
		ID:       id,
		Folder:   folder,
		Content:  content,
		Metadata: meta,
	}, nil
}

// Move relocates a document between folders, merging patch into its content
// and updating metadata. After a successful move exactly one copy exists, at
// the destination. When the source is gone (including a concurrent mover
// winning the race) it returns ErrNotFound.
func (m *Manager) Move(ctx context.Context, id string, from, to Folder, patch map[string]any) (*Document, error) {
	fromPath := m.filePath(from, id)
	toPath := m.filePath(to, id)

	raw, err := os.ReadFile(fromPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("move %s/%s: %w", from, id, ErrNotFound)
		}
		return nil, fmt.Errorf("move %s/%s: %w", from, id, err)
	}

	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("move %s/%s: %w", from, id, err)
	}

	for k, v := range patch {
		content[k] = v
	}

	now := time.Now()
	meta := popMetadata(content, from)
	meta.ModifiedAt = now
	meta.Folder = to
	content[metadataKey] = metadataMap(meta.CreatedAt, now, to)

	if err := writeAtomic(toPath, content); err != nil {
		return nil, fmt.Errorf("move %s/%s: %w", from, id, err)
	}

	// Claim the source. Losing this race means another mover already
	// completed the transition; report not-found so exactly one caller
	// observes success.
	if err := os.Remove(fromPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("move %s/%s: %w", from, id, ErrNotFound)
		}
		return nil, fmt.Errorf("move %s/%s: %w", from, id, err)
	}

	delete(content, metadataKey)

	m.logger.Info(ctx, "move_file", logging.Data{
		Input: map[string]any{"id": id, "from": string(from), "to": string(to)},
	})

	return &Document{
		ID:       id,
		Folder:   to,
		Content:  content,
		Metadata: meta,
	}, nil
}

// List returns the lexically sorted document ids in a folder. A missing
// folder lists as empty.
func (m *Manager) List(ctx context.Context, folder Folder) ([]string, error) {
	entries, err := os.ReadDir(m.folderPath(folder))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", folder, err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a document. Returns ErrNotFound when it does not exist.
func (m *Manager) Delete(ctx context.Context, folder Folder, id string) error {
	if err := os.Remove(m.filePath(folder, id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("delete %s/%s: %w", folder, id, ErrNotFound)
		}
		return fmt.Errorf("delete %s/%s: %w", folder, id, err)
	}
	m.logger.Info(ctx, "delete_file", logging.Data{
		Input: map[string]any{"folder": string(folder), "id": id},
	})
	return nil
}

func (m *Manager) folderPath(f Folder) string {
	return filepath.Join(m.root, string(f))
}

func (m *Manager) filePath(f Folder, id string) string {
	return filepath.Join(m.folderPath(f), id+".json")
}

// writeAtomic writes JSON to a sibling temp file then renames it over the
// target.
func writeAtomic(path string, content map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func cloneContent(content map[string]any) map[string]any {
	cloned := make(map[string]any, len(content)+1)
	for k, v := range content {
		cloned[k] = v
	}
	return cloned
}

func metadataMap(createdAt, modifiedAt time.Time, folder Folder) map[string]any {
	return map[string]any{
		"created_at":  createdAt.Format(time.RFC3339Nano),
		"modified_at": modifiedAt.Format(time.RFC3339Nano),
		"folder":      string(folder),
	}
}

// popMetadata strips the metadata prefix from content, parsing what it can
// and falling back to sane defaults for absent or malformed fields.
func popMetadata(content map[string]any, fallbackFolder Folder) Metadata {
	meta := Metadata{Folder: fallbackFolder}

	raw, ok := content[metadataKey].(map[string]any)
	delete(content, metadataKey)
	if !ok {
		return meta
	}

	if s, ok := raw["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			meta.CreatedAt = t
		}
	}
	if s, ok := raw["modified_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			meta.ModifiedAt = t
		}
	}
	if s, ok := raw["folder"].(string); ok && s != "" {
		meta.Folder = Folder(s)
	}
	return meta
}
