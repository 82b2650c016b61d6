// Package builtin registers the standard homepilot toolset: read-only
// host inspection through the gateway, and configuration edits funneled
// through the changeset manager.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"homepilot/internal/changeset"
	"homepilot/internal/gateway"
	"homepilot/internal/tools"
)

// RegisterAll adds every builtin tool to the registry.
func RegisterAll(reg *tools.Registry, gw gateway.Gateway, mgr *changeset.Manager) error {
	all := []*tools.Tool{
		getEntityState(gw),
		listEntities(gw),
		callService(gw),
		renderTemplate(gw),
		readConfigFile(gw),
		listConfigFiles(gw),
		tailLog(gw),
		getRegistryObject(gw),
		updateRegistryObject(gw),
		proposeConfigChanges(mgr),
		listChangesets(mgr),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("register builtin %s: %w", t.Name, err)
		}
	}
	return nil
}

func getEntityState(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "get_entity_state",
		Description: "Get the current state and attributes of one entity by its entity_id.",
		Schema: tools.Schema{
			Required: []string{"entity_id"},
			Properties: map[string]tools.Property{
				"entity_id": {Type: "string", Description: "Entity id, e.g. light.kitchen"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			state, err := gw.GetState(ctx, stringArg(args, "entity_id"))
			if err != nil {
				return "", err
			}
			return asJSON(state)
		},
	}
}

func listEntities(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "list_entities",
		Description: "List entities and their current states, optionally filtered by domain.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"domain": {Type: "string", Description: "Only entities of this domain, e.g. light"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			states, err := gw.States(ctx)
			if err != nil {
				return "", err
			}
			domain := stringArg(args, "domain")
			var sb strings.Builder
			n := 0
			for _, st := range states {
				if domain != "" && !strings.HasPrefix(st.EntityID, domain+".") {
					continue
				}
				fmt.Fprintf(&sb, "%s: %s\n", st.EntityID, st.State)
				n++
			}
			if n == 0 {
				return "no matching entities", nil
			}
			return sb.String(), nil
		},
	}
}

func callService(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "call_service",
		Description: "Call a host service, e.g. domain=light service=turn_on with data {\"entity_id\": \"light.kitchen\"}.",
		Schema: tools.Schema{
			Required: []string{"domain", "service"},
			Properties: map[string]tools.Property{
				"domain":  {Type: "string", Description: "Service domain"},
				"service": {Type: "string", Description: "Service name"},
				"data":    {Type: "object", Description: "Service call payload"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			domain := stringArg(args, "domain")
			service := stringArg(args, "service")
			data, _ := args["data"].(map[string]any)
			if err := gw.CallService(ctx, domain, service, data); err != nil {
				return "", err
			}
			return fmt.Sprintf("called %s.%s", domain, service), nil
		},
	}
}

func renderTemplate(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "render_template",
		Description: "Render a host template expression and return the result.",
		Schema: tools.Schema{
			Required: []string{"template"},
			Properties: map[string]tools.Property{
				"template": {Type: "string", Description: "Template source"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return gw.RenderTemplate(ctx, stringArg(args, "template"))
		},
	}
}

func readConfigFile(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "read_config_file",
		Description: "Read a configuration file relative to the managed root.",
		Schema: tools.Schema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path": {Type: "string", Description: "Relative file path, e.g. automations.yaml"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			data, err := gw.ReadFile(ctx, stringArg(args, "path"))
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func listConfigFiles(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "list_config_files",
		Description: "List configuration files under the managed root, optionally filtered by a filename glob like *.yaml.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"glob": {Type: "string", Description: "Filename pattern, e.g. *.yaml"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			files, err := gw.ListFiles(ctx, stringArg(args, "glob"))
			if err != nil {
				return "", err
			}
			if len(files) == 0 {
				return "no matching files", nil
			}
			return strings.Join(files, "\n"), nil
		},
	}
}

func tailLog(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "tail_log",
		Description: "Return the most recent lines of the host's error log.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"lines": {Type: "integer", Description: "Number of lines, default 50"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			lines := intArg(args, "lines", 50)
			return gw.TailLog(ctx, lines)
		},
	}
}

func getRegistryObject(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "get_registry_object",
		Description: "Read a registry object (entity, device, or area) by id.",
		Schema: tools.Schema{
			Required: []string{"kind", "id"},
			Properties: map[string]tools.Property{
				"kind": {Type: "string", Description: "Registry kind", Enum: []any{"entity", "device", "area"}},
				"id":   {Type: "string", Description: "Object id"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			obj, err := gw.RegistryObject(ctx, gateway.RegistryKind(stringArg(args, "kind")), stringArg(args, "id"))
			if err != nil {
				return "", err
			}
			return asJSON(obj)
		},
	}
}

func updateRegistryObject(gw gateway.Gateway) *tools.Tool {
	return &tools.Tool{
		Name:        "update_registry_object",
		Description: "Update fields of a registry object (entity, device, or area) by id, e.g. rename an entity or move a device to another area.",
		Schema: tools.Schema{
			Required: []string{"kind", "id", "fields"},
			Properties: map[string]tools.Property{
				"kind":   {Type: "string", Description: "Registry kind", Enum: []any{"entity", "device", "area"}},
				"id":     {Type: "string", Description: "Object id"},
				"fields": {Type: "object", Description: "Fields to change, e.g. {\"name\": \"Kitchen light\"}"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			fields, ok := args["fields"].(map[string]any)
			if !ok || len(fields) == 0 {
				return "", fmt.Errorf("fields must be a non-empty object")
			}
			obj, err := gw.UpdateRegistryObject(ctx, gateway.RegistryKind(stringArg(args, "kind")), stringArg(args, "id"), fields)
			if err != nil {
				return "", err
			}
			return asJSON(obj)
		},
	}
}

func proposeConfigChanges(mgr *changeset.Manager) *tools.Tool {
	return &tools.Tool{
		Name: "propose_config_changes",
		Description: "Propose edits to configuration files. Each file carries its full new content. " +
			"The proposal is NOT applied: it is shown to the user as a diff and waits for their approval.",
		Schema: tools.Schema{
			Required: []string{"files"},
			Properties: map[string]tools.Property{
				"files": {
					Type:        "array",
					Description: "Files to change",
					Items: &tools.PropertyItems{
						Type: "object",
						Properties: map[string]tools.Property{
							"path":    {Type: "string", Description: "Path relative to the managed root"},
							"content": {Type: "string", Description: "Full desired file content"},
						},
						Required: []string{"path", "content"},
					},
				},
				"summary": {Type: "string", Description: "One-line description of the change"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			files, err := decodeFiles(args["files"])
			if err != nil {
				return "", err
			}

			cs, err := mgr.Propose(ctx, tools.SessionID(ctx), files)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Created changeset %s with %d file(s); it is pending user approval.\n", cs.ID, len(cs.Files))
			if summary := stringArg(args, "summary"); summary != "" {
				fmt.Fprintf(&sb, "Summary: %s\n", summary)
			}
			for _, f := range cs.Files {
				sb.WriteString("\n")
				sb.WriteString(f.Preview)
			}
			sb.WriteString("\nTell the user the change awaits their approval; do not claim it is applied.")
			return sb.String(), nil
		},
	}
}

func listChangesets(mgr *changeset.Manager) *tools.Tool {
	return &tools.Tool{
		Name:        "list_changesets",
		Description: "List changesets, newest first. Set pending=true to see only proposals awaiting approval.",
		Schema: tools.Schema{
			Properties: map[string]tools.Property{
				"pending": {Type: "boolean", Description: "Only undecided proposals"},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			var (
				sets []*changeset.Changeset
				err  error
			)
			if b, _ := args["pending"].(bool); b {
				sets, err = mgr.ListPending(ctx)
			} else {
				sets, err = mgr.List(ctx)
			}
			if err != nil {
				return "", err
			}
			if len(sets) == 0 {
				return "no changesets", nil
			}

			var sb strings.Builder
			for _, cs := range sets {
				fmt.Fprintf(&sb, "%s  %s  %d file(s)  %s", cs.ID, cs.Status, len(cs.Files), cs.CreatedAt.Format("2006-01-02 15:04"))
				if cs.Stale {
					sb.WriteString("  [stale]")
				}
				sb.WriteString("\n")
			}
			return sb.String(), nil
		},
	}
}

// decodeFiles converts the model's files argument into proposed files.
func decodeFiles(raw any) ([]changeset.ProposedFile, error) {
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("files must be a non-empty array")
	}
	out := make([]changeset.ProposedFile, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("files[%d] must be an object", i)
		}
		path, _ := obj["path"].(string)
		content, ok := obj["content"].(string)
		if path == "" || !ok {
			return nil, fmt.Errorf("files[%d] needs path and content", i)
		}
		out = append(out, changeset.ProposedFile{Path: path, Content: content})
	}
	return out, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func asJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
