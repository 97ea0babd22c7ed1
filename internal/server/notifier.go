package server

import (
	"onemcp/internal/aggregator"
	"onemcp/internal/orchestrator"
	"onemcp/pkg/logging"
)

// Notification methods of the MCP protocol.
const (
	methodToolsChanged     = "notifications/tools/list_changed"
	methodResourcesChanged = "notifications/resources/list_changed"
	methodPromptsChanged   = "notifications/prompts/list_changed"
)

// CapabilitiesChanged implements the orchestrator's sink: it refreshes the
// registration set and delivers listChanged notifications to every session
// whose view actually changed. Delivery is best-effort; failures are logged
// and never retried. Within one window a session receives at most one
// notification per kind, in tools, resources, prompts order.
func (s *Server) CapabilitiesChanged(servers []string, kinds orchestrator.KindSet) {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	shuttingDown := s.isShuttingDown
	s.mu.RUnlock()
	if mcpSrv == nil || shuttingDown {
		return
	}

	s.UpdateCapabilities()

	for _, session := range s.sessions.LiveSessions() {
		current := s.agg.Compute(session.ID, session.Filter)
		previous := s.previousSnapshot(session.ID)
		diff := aggregator.DiffSnapshots(previous, current)
		s.rememberSnapshot(session.ID, current)

		if !diff.HasChanges() {
			continue
		}

		if kinds.Tools && (diff.ToolsChanged || len(diff.AddedServers) > 0 || len(diff.RemovedServers) > 0) {
			s.notifySession(session.ID, methodToolsChanged)
		}
		if kinds.Resources && diff.ResourcesChanged {
			s.notifySession(session.ID, methodResourcesChanged)
		}
		if kinds.Prompts && diff.PromptsChanged {
			s.notifySession(session.ID, methodPromptsChanged)
		}
	}
}

func (s *Server) notifySession(sessionID, method string) {
	s.mu.RLock()
	mcpSrv := s.mcpServer
	s.mu.RUnlock()
	if mcpSrv == nil {
		return
	}

	if s.stdioSession != nil && sessionID == s.stdioSession.ID {
		// The stdio transport has exactly one client; the library's
		// broadcast path reaches it.
		mcpSrv.SendNotificationToAllClients(method, nil)
		logging.Debug("Server", "Sent %s to stdio client", method)
		return
	}

	if err := mcpSrv.SendNotificationToSpecificClient(sessionID, method, nil); err != nil {
		logging.Warn("Server", "Failed to send %s to session %s: %v",
			method, logging.TruncateSessionID(sessionID), err)
		return
	}
	logging.Debug("Server", "Sent %s to session %s", method, logging.TruncateSessionID(sessionID))
}
