package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/quantgraph/quantgraph/internal/streaming"
	"github.com/quantgraph/quantgraph/pkg/schema"
)

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to the given server and
// session registry.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the agent's session. Best-effort:
// returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// BridgeHub forwards run lifecycle events from the streaming hub to all
// connected MCP clients until ctx is cancelled. Agents learn about
// clarification prompts and terminal runs without polling.
func (s *Server) BridgeHub(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.Filter{
		EventTypes: []string{
			schema.EventPromptRequested,
			schema.EventRunCompleted,
			schema.EventRunFailed,
			schema.EventRunCancelled,
		},
	})
	if err != nil {
		return err
	}

	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				payload := map[string]any{
					"run_id": ev.RunID,
					"type":   ev.Type,
				}
				if body, ok := ev.Payload.(map[string]any); ok {
					for k, v := range body {
						payload[k] = v
					}
				}
				s.mcpServer.SendNotificationToAllClients("notifications/message", payload)
			}
		}
	}()
	return nil
}
