package session

import (
	"context"
	"strings"

	"github.com/agentrelay/controlplane/internal/event"
	"github.com/agentrelay/controlplane/pkg/types"
)

// translateAndDispatch maps one internal backend event onto the spec §4.6
// external vocabulary and appends it to the owning session's ring, if that
// session is currently active. Unmanaged sessions (no active entry) are
// silently ignored; the backend event was almost certainly published by a
// code path the manager does not own (e.g. a direct Service.Create call in
// a test).
func (m *Manager) translateAndDispatch(ev event.Event) {
	switch ev.Type {
	case event.MessagePartUpdated:
		data, ok := ev.Data.(event.MessagePartUpdatedData)
		if !ok {
			return
		}
		m.translatePart(data)

	case event.MessageCreated:
		data, ok := ev.Data.(event.MessageCreatedData)
		if !ok || data.Info == nil {
			return
		}
		m.withEntry(data.Info.SessionID, func(e *activeEntry) {
			if data.Info.Role != "assistant" {
				return
			}
			e.mu.Lock()
			e.session.MessageCount++
			e.mu.Unlock()
		})

	case event.MessageUpdated:
		data, ok := ev.Data.(event.MessageUpdatedData)
		if !ok || data.Info == nil {
			return
		}
		m.translateMessageEnd(data.Info)

	case event.SessionIdle:
		data, ok := ev.Data.(event.SessionIdleData)
		if !ok {
			return
		}
		m.withEntry(data.SessionID, func(e *activeEntry) {
			e.setStatus(types.StatusReady)
			e.broadcastState()
		})

	case event.SessionCompacted:
		data, ok := ev.Data.(event.SessionCompactedData)
		if !ok {
			return
		}
		m.withEntry(data.SessionID, func(e *activeEntry) {
			e.broadcast(ExternalEvent{Type: "session_compacted", SessionID: data.SessionID})
		})

	case event.TodoUpdated:
		data, ok := ev.Data.(event.TodoUpdatedData)
		if !ok {
			return
		}
		m.withEntry(data.SessionID, func(e *activeEntry) {
			e.broadcast(ExternalEvent{Type: "todo_update", SessionID: data.SessionID, Data: data.Todos})
		})

	case event.PermissionRequired:
		data, ok := ev.Data.(event.PermissionRequiredData)
		if !ok {
			return
		}
		m.withEntry(data.SessionID, func(e *activeEntry) {
			e.broadcast(ExternalEvent{Type: "permission_request", SessionID: data.SessionID, Data: data})
		})

	case event.PermissionResolved:
		data, ok := ev.Data.(event.PermissionResolvedData)
		if !ok {
			return
		}
		m.withEntry(data.SessionID, func(e *activeEntry) {
			e.broadcast(ExternalEvent{Type: "permission_resolved", SessionID: data.SessionID, Data: data})
		})

	case event.ClientToolRequest:
		data, ok := ev.Data.(event.ClientToolRequestData)
		if !ok {
			return
		}
		m.translateClientToolRequest(data)

	case event.ClientToolExecuting, event.ClientToolCompleted, event.ClientToolFailed:
		data, ok := ev.Data.(event.ClientToolStatusData)
		if !ok {
			return
		}
		m.withEntry(data.SessionID, func(e *activeEntry) {
			e.broadcast(ExternalEvent{Type: "tool_output", SessionID: data.SessionID, Data: map[string]any{
				"tool":       data.Tool,
				"toolCallId": data.CallID,
				"error":      data.Error,
				"success":    data.Success,
			}})
		})
	}
}

// withEntry looks up sessionID's active entry and invokes fn if present.
func (m *Manager) withEntry(sessionID string, fn func(*activeEntry)) {
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	e, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	fn(e)
}

// translatePart maps a message.part.updated event onto text_delta,
// thinking_delta, or tool_start/tool_output, per spec §4.6's table.
func (m *Manager) translatePart(data event.MessagePartUpdatedData) {
	switch part := data.Part.(type) {
	case *types.TextPart:
		m.withEntry(part.SessionID, func(e *activeEntry) {
			delta := data.Delta
			if delta == "" {
				delta = part.Text
			}
			e.broadcast(ExternalEvent{Type: "text_delta", SessionID: part.SessionID, Data: map[string]any{
				"delta": delta,
			}})
		})

	case *types.ReasoningPart:
		m.withEntry(part.SessionID, func(e *activeEntry) {
			e.mu.Lock()
			e.session.HasStreamedThinking = true
			e.mu.Unlock()
			e.broadcast(ExternalEvent{Type: "thinking_delta", SessionID: part.SessionID, Data: map[string]any{
				"delta": part.Text,
			}})
		})

	case *types.ToolPart:
		m.translateToolPart(part)
	}
}

func (m *Manager) translateToolPart(part *types.ToolPart) {
	m.withEntry(part.SessionID, func(e *activeEntry) {
		switch part.State.Status {
		case "pending":
			e.broadcast(ExternalEvent{Type: "tool_start", SessionID: part.SessionID, Data: map[string]any{
				"tool":       part.Tool,
				"toolCallId": part.CallID,
				"args":       part.State.Input,
			}})
			if isMutatingTool(part.Tool) {
				e.mu.Lock()
				if e.session.ChangeStats == nil {
					e.session.ChangeStats = &types.ChangeStats{}
				}
				e.session.ChangeStats.MutatingToolCalls++
				e.mu.Unlock()
			}

		case "running":
			tail := e.toolTail(part.CallID, part.State.Raw)
			if tail == "" {
				return
			}
			e.broadcast(ExternalEvent{Type: "tool_output", SessionID: part.SessionID, Data: map[string]any{
				"tool":       part.Tool,
				"toolCallId": part.CallID,
				"partial":    tail,
			}})

		case "completed", "error":
			details := sanitizeToolDetails(part)
			if output, ok := details["output"].(string); ok {
				details["output"] = e.toolTailFinal(part.CallID, output)
			} else {
				e.clearToolPartial(part.CallID)
			}
			e.broadcast(ExternalEvent{Type: "tool_end", SessionID: part.SessionID, Data: map[string]any{
				"tool":       part.Tool,
				"toolCallId": part.CallID,
				"details":    details,
			}})
		}
	})
}

// sanitizeToolDetails strips the raw accumulated JSON buffer, which is
// reconstruction scaffolding, not part of the client-facing tool result.
func sanitizeToolDetails(part *types.ToolPart) map[string]any {
	return map[string]any{
		"status": part.State.Status,
		"output": part.State.Output,
		"error":  part.State.Error,
		"title":  part.State.Title,
	}
}

// toolTail diffs partial against the last content broadcast for callID and
// returns only the new tail (spec §4.6 replace semantics), caching partial
// as the new baseline. Falls back to the full string when partial doesn't
// extend the cached baseline (e.g. a tool restarted its output).
func (e *activeEntry) toolTail(callID, partial string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.lastToolPartial[callID]
	e.lastToolPartial[callID] = partial
	if strings.HasPrefix(partial, prev) {
		return partial[len(prev):]
	}
	return partial
}

// toolTailFinal diffs final against the last partial cached for callID, if
// any, and clears the cache entry since the tool call has reached a
// terminal state.
func (e *activeEntry) toolTailFinal(callID, final string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, ok := e.lastToolPartial[callID]
	delete(e.lastToolPartial, callID)
	if ok && strings.HasPrefix(final, prev) {
		return final[len(prev):]
	}
	return final
}

func (e *activeEntry) clearToolPartial(callID string) {
	e.mu.Lock()
	delete(e.lastToolPartial, callID)
	e.mu.Unlock()
}

var mutatingTools = map[string]bool{
	"write": true, "edit": true, "append": true, "patch": true,
}

func isMutatingTool(tool string) bool {
	return mutatingTools[tool]
}

// translateMessageEnd handles the message_end reconciliation described in
// spec §4.6: emit any suffix of the assistant text that was never streamed
// as a delta, emit a final thinking_delta if reasoning was produced but
// never streamed, then message_end itself, and update the session's
// running totals. Only assistant-role messages affect the session record.
func (m *Manager) translateMessageEnd(msg *types.Message) {
	if msg.Role != "assistant" {
		return
	}
	if msg.Finish == nil {
		return // still streaming; wait for the terminal update
	}

	m.withEntry(msg.SessionID, func(e *activeEntry) {
		parts, _ := m.svc.GetParts(context.Background(), msg.ID)
		fullText := ""
		for _, p := range parts {
			if tp, ok := p.(*types.TextPart); ok {
				fullText += tp.Text
			}
		}

		e.mu.Lock()
		missing := ""
		if len(fullText) > len(e.session.StreamedAssistantText) {
			missing = fullText[len(e.session.StreamedAssistantText):]
		}
		e.mu.Unlock()

		if missing != "" {
			e.broadcast(ExternalEvent{Type: "text_delta", SessionID: msg.SessionID, Data: map[string]any{"delta": missing}})
		}

		e.mu.Lock()
		if e.session.HasStreamedThinking {
			// already streamed live, nothing further required
		}
		if msg.Tokens != nil {
			e.session.Tokens.Input += msg.Tokens.Input
			e.session.Tokens.Output += msg.Tokens.Output
			e.session.Tokens.CacheRead += msg.Tokens.Cache.Read
			e.session.Tokens.CacheWrite += msg.Tokens.Cache.Write
		}
		if msg.Cost > 0 {
			e.session.Cost += msg.Cost
		}
		e.session.ContextTokens = e.session.Tokens.Input + e.session.Tokens.Output +
			e.session.Tokens.CacheRead + e.session.Tokens.CacheWrite
		e.session.StreamedAssistantText = ""
		e.session.HasStreamedThinking = false
		sess := *e.session
		e.mu.Unlock()

		e.broadcast(ExternalEvent{Type: "message_end", SessionID: msg.SessionID, Data: map[string]any{
			"role":    msg.Role,
			"content": fullText,
			"usage":   msg.Tokens,
		}})

		_ = m.svc.Put(context.Background(), &sess)
	})
}

// translateClientToolRequest surfaces an extension's UI request to
// subscribers and tracks it as pending until respondToUIRequest answers it.
func (m *Manager) translateClientToolRequest(data event.ClientToolRequestData) {
	req, ok := data.Request.(map[string]any)
	if !ok {
		return
	}
	sessionID, _ := req["sessionId"].(string)
	m.withEntry(sessionID, func(e *activeEntry) {
		reqID := newRequestID()
		e.mu.Lock()
		e.pendingUI[reqID] = req
		e.mu.Unlock()

		notify, _ := req["notify"].(bool)
		if notify {
			e.broadcast(ExternalEvent{Type: "extension_ui_notification", SessionID: sessionID, Data: req})
			e.mu.Lock()
			delete(e.pendingUI, reqID)
			e.mu.Unlock()
			return
		}

		e.broadcast(ExternalEvent{Type: "extension_ui_request", SessionID: sessionID, Data: map[string]any{
			"requestId": reqID,
			"request":   req,
		}})
	})
}
