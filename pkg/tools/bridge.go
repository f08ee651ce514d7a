package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sibyldev/sibyl/pkg/llms"
)

// Definitions exposes the four operations as model tools. The schemas
// mirror the request structs; optional fields stay optional so the
// model sends only what it knows.
func (d *Dispatcher) Definitions() []llms.ToolDefinition {
	return []llms.ToolDefinition{
		{
			Name:        "search",
			Description: "Hybrid search over the knowledge graph and documents. Returns ranked results with snippets.",
			Parameters: schemaObject(map[string]any{
				"query":           prop("string", "Free-text query."),
				"limit":           prop("integer", "Maximum results, default 10."),
				"offset":          prop("integer", "Pagination offset."),
				"include_content": prop("boolean", "Return full content instead of snippets."),
				"entity_types":    arrayProp("string", "Restrict to these entity types."),
				"languages":       arrayProp("string", "Restrict knowledge to these languages."),
				"category":        prop("string", "Knowledge category filter."),
				"statuses":        arrayProp("string", "Task status filter."),
				"assignee":        prop("string", "Agent id the task is assigned to."),
				"since_days":      prop("integer", "Only entities updated in the last N days."),
			}, "query"),
		},
		{
			Name:        "explore",
			Description: "Walk the graph: list entities, follow relationships, traverse from a node, or inspect task dependencies.",
			Parameters: schemaObject(map[string]any{
				"mode":         propEnum("string", "Traversal mode.", "list", "related", "traverse", "dependencies"),
				"entity_id":    prop("string", "Starting entity for related/traverse."),
				"project_id":   prop("string", "Project scope."),
				"entity_types": arrayProp("string", "Restrict to these entity types."),
				"statuses":     arrayProp("string", "Task status filter."),
				"depth":        prop("integer", "Traversal depth, default 1."),
				"limit":        prop("integer", "Maximum entities."),
				"offset":       prop("integer", "Pagination offset."),
			}),
		},
		{
			Name:        "add",
			Description: "Create an entity (task, episode, knowledge, project, epic, note) or register a crawl source.",
			Parameters: schemaObject(map[string]any{
				"entity_type":  prop("string", "Entity type, or \"source\" to register a crawl source."),
				"title":        prop("string", "Entity name."),
				"content":      prop("string", "Body text."),
				"description":  prop("string", "Short summary."),
				"project_id":   prop("string", "Owning project. Required for tasks."),
				"epic_id":      prop("string", "Parent epic for tasks."),
				"priority":     propEnum("string", "Task priority.", "low", "medium", "high", "critical"),
				"technologies": arrayProp("string", "Technologies the task touches."),
				"depends_on":   arrayProp("string", "Task ids this task depends on."),
				"category":     prop("string", "Knowledge category."),
				"languages":    arrayProp("string", "Languages the knowledge applies to."),
				"episode_type": propEnum("string", "Episode kind.", "learning", "decision", "observation"),
				"url":          prop("string", "Source URL."),
				"source_type":  prop("string", "Source kind, e.g. web or github."),
				"crawl_depth":  prop("integer", "Link-follow depth for crawls."),
			}, "entity_type", "title"),
		},
		{
			Name:        "manage",
			Description: "Task workflow transitions, dependency edges, entity updates and deletion, source crawls, and admin actions (health, stats, rebuild_index, detect_cycles).",
			Parameters: schemaObject(map[string]any{
				"action": propEnum("string", "Action to run.",
					"start_task", "block_task", "unblock_task", "submit_review",
					"complete_task", "archive_task", "add_dependency",
					"update_entity", "delete_entity", "import_legacy",
					"crawl_source", "sync_source", "refresh_source",
					"link_graph", "detect_communities", "detect_cycles",
					"health", "stats", "rebuild_index"),
				"entity_id": prop("string", "Target entity."),
				"data":      map[string]any{"type": "object", "description": "Action-specific fields, e.g. depends_on_id, learnings, reason."},
			}, "action"),
		},
	}
}

// Run decodes a model tool call into the matching request and folds the
// response into a tool result. Errors never propagate: the model gets
// them as error results and decides what to do next.
func (d *Dispatcher) Run(ctx context.Context, call llms.ToolCall) llms.ToolResult {
	var (
		resp *Response
		err  error
	)
	switch call.Name {
	case "search":
		var req SearchRequest
		if err = decodeArgs(call.Args, &req); err == nil {
			resp, err = d.Search(ctx, req)
		}
	case "explore":
		var req ExploreRequest
		if err = decodeArgs(call.Args, &req); err == nil {
			resp, err = d.Explore(ctx, req)
		}
	case "add":
		var req AddRequest
		if err = decodeArgs(call.Args, &req); err == nil {
			resp, err = d.Add(ctx, req)
		}
	case "manage":
		var req ManageRequest
		if err = decodeArgs(call.Args, &req); err == nil {
			resp, err = d.Manage(ctx, req)
		}
	default:
		err = fmt.Errorf("unknown tool %q", call.Name)
	}

	if err != nil {
		return llms.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: err.Error(), IsError: true}
	}

	content, merr := json.Marshal(resp)
	if merr != nil {
		return llms.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: merr.Error(), IsError: true}
	}
	return llms.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: string(content)}
}

// decodeArgs roundtrips the loosely-typed argument map through JSON
// into the typed request.
func decodeArgs(args map[string]any, into any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode tool args: %w", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode tool args: %w", err)
	}
	return nil
}

func schemaObject(props map[string]any, required ...string) map[string]any {
	obj := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		obj["required"] = required
	}
	return obj
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func propEnum(typ, desc string, values ...string) map[string]any {
	return map[string]any{"type": typ, "description": desc, "enum": values}
}

func arrayProp(itemType, desc string) map[string]any {
	return map[string]any{"type": "array", "description": desc, "items": map[string]any{"type": itemType}}
}
