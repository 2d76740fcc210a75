package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow_start",
		mcp.WithDescription("Start a registered workflow asynchronously; returns the new instance"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow definition")),
		mcp.WithObject("input", mcp.Description("Workflow input, validated against the definition's input schema")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the agent initiating the workflow")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow_status",
		mcp.WithDescription("Get an instance's current state, step results, and event stream"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to inspect")),
		mcp.WithString("since", mcp.Description("Only return events after this sequence number")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("workflow_approve",
		mcp.WithDescription("Decide a pending human-approval step; the instance continues automatically"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the paused instance")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("The approval decision"),
		),
		mcp.WithString("choice", mcp.Description("Selected choice, when the approval step offers choices")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow_cancel",
		mcp.WithDescription("Cancel a pending, running, or paused instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to cancel")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow_list",
		mcp.WithDescription("List registered workflow definitions or workflow instances"),
		mcp.WithString("resource",
			mcp.Enum("definitions", "instances"),
			mcp.Description("What to list (default: definitions)"),
		),
		mcp.WithString("status", mcp.Description("Instance status filter (instances only)")),
		mcp.WithString("limit", mcp.Description("Maximum number of instances to return")),
	)
}

// --- Handlers ---

func (s *AgentServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	inst, startErr := s.engine.Start(ctx, workflowID, input, schema.Initiator{
		Type: schema.InitiatorAgent,
		ID:   agentID,
	})
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", startErr)), nil
	}

	return marshalResult(map[string]any{
		"instance_id": inst.ID,
		"workflow_id": inst.DefinitionID,
		"status":      inst.Status,
	})
}

func (s *AgentServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	var since int64
	if raw := req.GetString("since", ""); raw != "" {
		parsed, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			return mcp.NewToolResultError("since must be an integer sequence number"), nil
		}
		since = parsed
	}

	inst, getErr := s.engine.GetInstance(ctx, instanceID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	events, evErr := s.engine.Events(ctx, instanceID, since)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}

	return marshalResult(map[string]any{
		"instance": inst,
		"events":   events,
	})
}

func (s *AgentServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	if decision != "approve" && decision != "reject" {
		return mcp.NewToolResultError("decision must be approve or reject"), nil
	}
	choice := req.GetString("choice", "")

	inst, subErr := s.engine.SubmitApproval(ctx, instanceID, decision == "approve", choice)
	if subErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval failed: %v", subErr)), nil
	}

	return marshalResult(map[string]any{
		"instance_id": inst.ID,
		"approved":    decision == "approve",
		"status":      inst.Status,
	})
}

func (s *AgentServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	if cancelErr := s.engine.Cancel(ctx, instanceID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"instance_id": instanceID,
		"cancelled":   true,
	})
}

func (s *AgentServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource := req.GetString("resource", "definitions")

	switch resource {
	case "definitions":
		defs := s.engine.ListWorkflows()
		items := make([]map[string]any, 0, len(defs))
		for _, def := range defs {
			items = append(items, map[string]any{
				"id":          def.ID,
				"description": def.Description,
				"entry_point": def.EntryPoint,
				"steps":       len(def.Steps),
			})
		}
		return marshalResult(map[string]any{"definitions": items})

	case "instances":
		filter := schema.InstanceFilter{}
		if status := req.GetString("status", ""); status != "" {
			filter.Statuses = []schema.InstanceStatus{schema.InstanceStatus(status)}
		}
		if raw := req.GetString("limit", ""); raw != "" {
			limit, perr := strconv.Atoi(raw)
			if perr != nil || limit < 0 {
				return mcp.NewToolResultError("limit must be a non-negative integer"), nil
			}
			filter.Limit = limit
		}
		instances, listErr := s.engine.ListInstances(ctx, filter)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"instances": instances})

	default:
		return mcp.NewToolResultError("resource must be definitions or instances"), nil
	}
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
