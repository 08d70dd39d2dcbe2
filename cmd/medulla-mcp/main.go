// medulla-mcp exposes a running (or stopped) agent's data plane over
// MCP: the state mirror, the recipient registry, the journal, plugin
// schedules, and an event injector. It shares the daemon's SQLite
// store; the daemon picks injected events up at its next tick.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/medulla/internal/config"
	"github.com/vthunder/medulla/internal/core"
	"github.com/vthunder/medulla/internal/journal"
	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/plugin"
	"github.com/vthunder/medulla/internal/recipient"
	"github.com/vthunder/medulla/internal/storage"
	"github.com/vthunder/medulla/internal/types"
)

func main() {
	// Stdout carries JSON-RPC; everything else goes to stderr.
	logging.SetOutput(os.Stderr)
	_ = godotenv.Load()

	cfgPath := os.Getenv("MEDULLA_CONFIG")
	if cfgPath == "" {
		cfgPath = "medulla.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.LogLevel)

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	h := &handlers{
		store:   store,
		journal: journal.New(cfg.DataDir),
	}

	s := server.NewMCPServer(
		"medulla-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(agentStateTool(), h.handleAgentState)
	s.AddTool(recipientListTool(), h.handleRecipientList)
	s.AddTool(journalTailTool(), h.handleJournalTail)
	s.AddTool(scheduleListTool(), h.handleScheduleList)
	s.AddTool(injectEventTool(), h.handleInjectEvent)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

type handlers struct {
	store   storage.Store
	journal *journal.Journal
}

func agentStateTool() mcp.Tool {
	return mcp.NewTool("agent_state",
		mcp.WithDescription("Read the agent's state mirror: drives, stress level, queue sizes, loaded plugins, and the last tick. Written by the daemon after every tick."),
	)
}

func (h *handlers) handleAgentState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, ok, err := core.ReadMirror(h.store)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read mirror: %v", err)), nil
	}
	if !ok {
		return mcp.NewToolResultText("no state recorded yet; is the daemon running?"), nil
	}
	return jsonResult(m)
}

func recipientListTool() mcp.Tool {
	return mcp.NewTool("recipient_list",
		mcp.WithDescription("List known recipients: opaque ids with their channel routes and last-seen times."),
	)
}

func (h *handlers) handleRecipientList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg, err := recipient.NewPersistent(h.store, recipient.Options{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load registry: %v", err)), nil
	}
	records := reg.GetAll()
	if len(records) == 0 {
		return mcp.NewToolResultText("no recipients registered"), nil
	}
	return jsonResult(records)
}

func journalTailTool() mcp.Tool {
	return mcp.NewTool("journal_tail",
		mcp.WithDescription("Return the most recent journal entries (wakes, responses, defers, stress changes, errors), oldest first."),
		mcp.WithNumber("n",
			mcp.Description("How many entries to return. Default: 20"),
		),
	)
}

func (h *handlers) handleJournalTail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	n := 20
	if v, ok := args["n"].(float64); ok && v > 0 {
		n = int(v)
	}
	entries, err := h.journal.Tail(n)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read journal: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("journal is empty"), nil
	}
	return jsonResult(entries)
}

func scheduleListTool() mcp.Tool {
	return mcp.NewTool("schedule_list",
		mcp.WithDescription("List plugin schedules. Without plugin_id, lists every plugin's schedule book."),
		mcp.WithString("plugin_id",
			mcp.Description("Limit to one plugin, e.g. core.agent"),
		),
	)
}

func (h *handlers) handleScheduleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	pluginID, _ := args["plugin_id"].(string)

	var ids []string
	if pluginID != "" {
		ids = []string{pluginID}
	} else {
		keys, err := h.store.Keys("plugin-sched:")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to scan schedules: %v", err)), nil
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, "plugin-sched:"))
		}
	}

	books := make(map[string][]plugin.ScheduleEntry, len(ids))
	for _, id := range ids {
		sched, err := plugin.NewScheduler(id, h.store, 0)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to open schedules for %s: %v", id, err)), nil
		}
		books[id] = sched.List()
	}
	if len(books) == 0 {
		return mcp.NewToolResultText("no schedules found"), nil
	}
	return jsonResult(books)
}

func injectEventTool() mcp.Tool {
	return mcp.NewTool("inject_event",
		mcp.WithDescription("Queue an event for the daemon. It lands in the priority queue at the next tick and flows through the normal pipeline."),
		mcp.WithString("source",
			mcp.Required(),
			mcp.Description("Event source: communication, thoughts, internal, time, system, plugin"),
		),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Event type, e.g. user_message or a plugin event kind"),
		),
		mcp.WithString("channel",
			mcp.Description("Originating channel, e.g. discord or console"),
		),
		mcp.WithString("text",
			mcp.Description("Convenience: becomes payload.text"),
		),
		mcp.WithNumber("priority",
			mcp.Description("0 critical .. 4 idle. Default: 2 (normal)"),
		),
		mcp.WithString("payload",
			mcp.Description("JSON object merged into the event payload"),
		),
	)
}

func (h *handlers) handleInjectEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	source, _ := args["source"].(string)
	evType, _ := args["type"].(string)
	if source == "" || evType == "" {
		return mcp.NewToolResultError("source and type are required"), nil
	}

	ev := &types.Event{
		Source:   source,
		Type:     evType,
		Priority: types.PriorityNormal,
	}
	if ch, ok := args["channel"].(string); ok {
		ev.Channel = ch
	}
	if p, ok := args["priority"].(float64); ok {
		pr := types.Priority(int(p))
		if !pr.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("priority %d out of range", int(p))), nil
		}
		ev.Priority = pr
	}
	if raw, ok := args["payload"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Payload); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("payload is not a JSON object: %v", err)), nil
		}
	}
	if text, ok := args["text"].(string); ok && text != "" {
		if ev.Payload == nil {
			ev.Payload = make(map[string]any)
		}
		ev.Payload["text"] = text
	}

	id, err := core.InjectEvent(h.store, ev)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to inject: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("queued event %s (%s/%s at %s priority)", id, source, evType, ev.Priority)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
