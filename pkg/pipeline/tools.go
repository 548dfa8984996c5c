package pipeline

import (
	"context"
	"encoding/json"

	"trip-agent/agent_go/internal/utils"
	"trip-agent/agent_go/pkg/conversation"
	"trip-agent/agent_go/pkg/mailbox"
	"trip-agent/agent_go/pkg/research"

	"github.com/mark3labs/mcp-go/mcp"
)

// buildRegistry assembles the per-request toolset. Research tools (web
// search, currency conversion) execute inside the agent runtime and reach
// us only as tool-response events; the tools registered here are the ones
// with local side effects, plus the finish tool.
func buildRegistry(sessionID string, mbox *mailbox.Mailbox, logger utils.ExtendedLogger) *conversation.Registry {
	reg := conversation.NewRegistry()
	registerFinishTool(reg)
	registerDestinationTools(reg, sessionID, mbox, logger)
	return reg
}

// registerFinishTool installs the designated finish tool. Its handler just
// echoes the payload: the call IS the result delivery. It stays resolvable
// even after tool advertisement stops, because structured-output emission
// is frequently transport-encoded as a call to this name.
func registerFinishTool(reg *conversation.Registry) {
	tool := mcp.NewTool(research.FinishToolName,
		mcp.WithDescription("Submit the final destination cost report. Call exactly once when research is complete."),
		mcp.WithString("report_type", mcp.Required(), mcp.Description("Must be "+research.ReportType)),
		mcp.WithString("destination_name", mcp.Required()),
	)
	reg.Register(tool, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return json.Marshal(args)
	})
}

// registerDestinationTools installs the itinerary mutation tools. Each
// handler publishes a change entry so the polling client can discover the
// mutation; publishing happens before the handler returns, so entries
// survive a later request cancellation.
func registerDestinationTools(reg *conversation.Registry, sessionID string, mbox *mailbox.Mailbox, logger utils.ExtendedLogger) {
	publish := func(changeType mailbox.ChangeType, args map[string]any) (json.RawMessage, error) {
		entry := mbox.Publish(sessionID, changeType, args)
		logger.Infof("itinerary change published - session_id: %s, type: %s, entry_id: %s", sessionID, changeType, entry.ID)
		return json.Marshal(map[string]any{"status": "ok", "change_id": entry.ID})
	}

	addTool := mcp.NewTool("add_destination",
		mcp.WithDescription("Add a destination to the trip itinerary."),
		mcp.WithString("destination_id", mcp.Required()),
		mcp.WithString("destination_name", mcp.Required()),
		mcp.WithNumber("duration_days", mcp.Description("Planned number of days at the destination")),
	)
	reg.Register(addTool, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return publish(mailbox.DestinationAdded, args)
	})

	removeTool := mcp.NewTool("remove_destination",
		mcp.WithDescription("Remove a destination from the trip itinerary."),
		mcp.WithString("destination_id", mcp.Required()),
	)
	reg.Register(removeTool, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return publish(mailbox.DestinationRemoved, args)
	})

	updateTool := mcp.NewTool("update_destination",
		mcp.WithDescription("Update attributes of an itinerary destination."),
		mcp.WithString("destination_id", mcp.Required()),
		mcp.WithString("destination_name", mcp.Description("New display name")),
		mcp.WithNumber("duration_days", mcp.Description("New planned number of days")),
	)
	reg.Register(updateTool, func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
		return publish(mailbox.DestinationUpdated, args)
	})
}
