package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"homepilot/internal/provider"
)

// Dispatch limits used when the caller does not override them.
const (
	DefaultMaxParallel = 4
	DefaultCallTimeout = 60 * time.Second
)

// Registry holds all available tools and provides lookup functionality.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool

	maxParallel int
	callTimeout time.Duration

	logger *zap.Logger
}

// NewRegistry creates a new empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:       make(map[string]*Tool),
		maxParallel: DefaultMaxParallel,
		callTimeout: DefaultCallTimeout,
		logger:      logger.Named("tools"),
	}
}

// SetLimits overrides the dispatch parallelism and per-call timeout.
// Non-positive values keep the current setting.
func (r *Registry) SetLimits(parallel int, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if parallel > 0 {
		r.maxParallel = parallel
	}
	if timeout > 0 {
		r.callTimeout = timeout
	}
}

// Register adds a tool to the registry.
// Returns an error if a tool with the same name already exists.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, tool.Name)
	}

	r.tools[tool.Name] = tool
	r.logger.Debug("registered tool", zap.String("name", tool.Name))
	return nil
}

// MustRegister registers a tool and panics on error.
// Use this for static tool registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns every registered tool in the wire form the provider
// sends with a chat request, sorted by name so the prompt is stable
// across runs.
func (r *Registry) Definitions() []provider.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]provider.Tool, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		defs = append(defs, provider.Tool{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema.parameters(),
			},
		})
	}
	return defs
}

// Execute runs a tool by name with the given arguments.
// Returns ErrToolNotFound if the tool doesn't exist.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	tool := r.Get(name)
	if tool == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	start := time.Now()

	if err := validateArgs(tool, args); err != nil {
		return &Result{
			ToolName:   tool.Name,
			Err:        err,
			DurationMs: time.Since(start).Milliseconds(),
		}, err
	}

	content, err := runTool(ctx, tool, args)

	duration := time.Since(start)
	r.logger.Debug("tool finished",
		zap.String("name", tool.Name),
		zap.Duration("took", duration),
		zap.Bool("success", err == nil))

	return &Result{
		ToolName:   tool.Name,
		Content:    content,
		Err:        err,
		DurationMs: duration.Milliseconds(),
	}, err
}

// runTool invokes the handler. A panic inside the handler is returned as
// an ordinary error.
func runTool(ctx context.Context, tool *Tool, args map[string]any) (content string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, rec)
		}
	}()
	return tool.Execute(ctx, args)
}

// validateArgs checks that all required arguments are present.
func validateArgs(tool *Tool, args map[string]any) error {
	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}
	return nil
}
