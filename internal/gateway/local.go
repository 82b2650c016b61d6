package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Local serves a bare configuration directory. File operations work on
// the managed root; validation is a YAML syntax pass over the tree;
// host-side operations are not available.
type Local struct {
	root       string
	reloadHook string
	logger     *zap.Logger
}

// NewLocal creates a gateway over the managed root. reloadHook, when
// non-empty, is a shell command run by Reload.
func NewLocal(root, reloadHook string, logger *zap.Logger) (*Local, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve managed root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("managed root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("managed root %s is not a directory", abs)
	}
	return &Local{root: abs, reloadHook: reloadHook, logger: logger.Named("gateway")}, nil
}

// Root returns the absolute managed root.
func (g *Local) Root() string {
	return g.root
}

// resolve maps a relative path onto the filesystem, rejecting escapes.
// Lexical escapes are caught by NormalizePath; symlinked directories
// inside the root are caught by resolving the deepest existing ancestor
// and checking it still lives under the root.
func (g *Local) resolve(p string) (string, error) {
	clean, err := NormalizePath(p)
	if err != nil {
		return "", err
	}
	full := filepath.Join(g.root, filepath.FromSlash(clean))
	if err := g.checkSymlinkEscape(full); err != nil {
		return "", err
	}
	return full, nil
}

// checkSymlinkEscape walks up from full to the deepest ancestor that
// exists, resolves its symlinks, and rejects the path when the real
// location is outside the managed root. Components that do not exist
// yet cannot redirect a write, so they are skipped.
func (g *Local) checkSymlinkEscape(full string) error {
	root, err := filepath.EvalSymlinks(g.root)
	if err != nil {
		return fmt.Errorf("resolve managed root: %w", err)
	}
	probe := full
	for {
		resolved, err := filepath.EvalSymlinks(probe)
		if err == nil {
			if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
				return fmt.Errorf("%q resolves outside the managed root: %w", full, ErrInvalidPath)
			}
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("resolve %s: %w", probe, err)
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return nil
		}
		probe = parent
	}
}

// ReadFile returns the content of a managed file. A missing file
// surfaces as a wrapped fs.ErrNotExist so callers can treat it as a
// new-file case.
func (g *Local) ReadFile(_ context.Context, p string) ([]byte, error) {
	full, err := g.resolve(p)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// WriteAtomic writes content to a managed file via a temp file in the
// same directory followed by a rename, so a partially written file is
// never visible at the target path.
func (g *Local) WriteAtomic(_ context.Context, p string, content []byte) error {
	full, err := g.resolve(p)
	if err != nil {
		return err
	}

	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory for %s: %w", p, err)
	}

	tmp, err := os.CreateTemp(dir, ".homepilot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", p, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", p, err)
	}
	if err := tmp.Chmod(0644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", p, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place for %s: %w", p, err)
	}

	g.logger.Debug("file written", zap.String("path", p), zap.Int("bytes", len(content)))
	return nil
}

// Remove deletes a managed file. A file that is already gone is not an
// error, so rollback of a never-written file is a no-op.
func (g *Local) Remove(_ context.Context, p string) error {
	full, err := g.resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	g.logger.Debug("file removed", zap.String("path", p))
	return nil
}

// ListFiles walks the managed root and returns relative paths whose base
// name matches glob. Hidden directories are skipped. Empty glob matches
// everything.
func (g *Local) ListFiles(_ context.Context, glob string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(g.root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if full != g.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if glob != "" {
			ok, mErr := filepath.Match(glob, name)
			if mErr != nil {
				return fmt.Errorf("bad glob %q: %w", glob, mErr)
			}
			if !ok {
				return nil
			}
		}
		rel, rErr := filepath.Rel(g.root, full)
		if rErr != nil {
			return rErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

// Validate parses every YAML file under the root. Only syntax is
// checked; host tags like !include are accepted by parsing into a node
// tree rather than resolving values.
func (g *Local) Validate(ctx context.Context) error {
	files, err := g.ListFiles(ctx, "*.yaml")
	if err != nil {
		return err
	}
	more, err := g.ListFiles(ctx, "*.yml")
	if err != nil {
		return err
	}
	files = append(files, more...)

	for _, rel := range files {
		data, err := g.ReadFile(ctx, rel)
		if err != nil {
			return fmt.Errorf("validate %s: %w", rel, err)
		}
		var node yaml.Node
		if err := yaml.Unmarshal(data, &node); err != nil {
			return &ValidationError{Detail: fmt.Sprintf("%s: %v", rel, err)}
		}
	}
	return nil
}

// Reload runs the configured hook command, if any.
func (g *Local) Reload(ctx context.Context) error {
	if g.reloadHook == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", g.reloadHook)
	cmd.Dir = g.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("reload hook failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	g.logger.Info("reload hook completed", zap.String("hook", g.reloadHook))
	return nil
}

// Host-side operations need a live host.

func (g *Local) GetState(context.Context, string) (*EntityState, error) {
	return nil, fmt.Errorf("get state: %w", ErrNotSupported)
}

func (g *Local) States(context.Context) ([]EntityState, error) {
	return nil, fmt.Errorf("list states: %w", ErrNotSupported)
}

func (g *Local) CallService(context.Context, string, string, map[string]any) error {
	return fmt.Errorf("call service: %w", ErrNotSupported)
}

func (g *Local) RenderTemplate(context.Context, string) (string, error) {
	return "", fmt.Errorf("render template: %w", ErrNotSupported)
}

func (g *Local) TailLog(context.Context, int) (string, error) {
	return "", fmt.Errorf("tail log: %w", ErrNotSupported)
}

func (g *Local) RegistryObject(context.Context, RegistryKind, string) (map[string]any, error) {
	return nil, fmt.Errorf("registry read: %w", ErrNotSupported)
}

func (g *Local) UpdateRegistryObject(context.Context, RegistryKind, string, map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("registry update: %w", ErrNotSupported)
}
