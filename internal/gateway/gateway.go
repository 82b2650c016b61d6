// Package gateway is the boundary between homepilot and the managed
// host. Everything the rest of the system knows about configuration
// files, entity state, services, and registry objects goes through the
// Gateway interface; the core never touches the host directly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrInvalidPath is returned when a file path is absolute, empty, or
	// escapes the managed root.
	ErrInvalidPath = errors.New("path outside managed root")

	// ErrNotSupported is returned by implementations that cannot serve a
	// given operation, such as host calls on a bare directory.
	ErrNotSupported = errors.New("operation not supported by this gateway")

	// ErrEntityNotFound is returned when the host does not know an entity.
	ErrEntityNotFound = errors.New("entity not found")
)

// ValidationError carries the host's explanation for a rejected
// configuration.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "config validation failed: " + e.Detail
}

// RegistryKind selects which registry a registry operation targets.
type RegistryKind string

const (
	KindEntity RegistryKind = "entity"
	KindDevice RegistryKind = "device"
	KindArea   RegistryKind = "area"
)

// EntityState is one entity's current state as reported by the host.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed,omitempty"`
}

// Gateway is the host boundary. File paths are always relative to the
// managed root; implementations must reject anything else.
type Gateway interface {
	// Files.
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteAtomic(ctx context.Context, path string, content []byte) error
	Remove(ctx context.Context, path string) error
	ListFiles(ctx context.Context, glob string) ([]string, error)

	// Configuration lifecycle.
	Validate(ctx context.Context) error
	Reload(ctx context.Context) error

	// Host state and services.
	GetState(ctx context.Context, entityID string) (*EntityState, error)
	States(ctx context.Context) ([]EntityState, error)
	CallService(ctx context.Context, domain, service string, data map[string]any) error
	RenderTemplate(ctx context.Context, template string) (string, error)
	TailLog(ctx context.Context, lines int) (string, error)

	// Registry objects.
	RegistryObject(ctx context.Context, kind RegistryKind, id string) (map[string]any, error)
	UpdateRegistryObject(ctx context.Context, kind RegistryKind, id string, fields map[string]any) (map[string]any, error)
}

// NormalizePath cleans a managed-root-relative path and rejects anything
// that would leave the root. The returned path uses forward slashes and
// no leading "./".
func NormalizePath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if path.IsAbs(p) {
		return "", fmt.Errorf("%q is absolute: %w", p, ErrInvalidPath)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") || clean == "." {
		return "", fmt.Errorf("%q escapes the managed root: %w", p, ErrInvalidPath)
	}
	return clean, nil
}
