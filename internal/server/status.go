package server

import (
	"time"

	"github.com/drksbr/vncmux/internal/portalloc"
	"github.com/drksbr/vncmux/internal/version"
)

type healthPayload struct {
	Status                 string           `json:"status"`
	Version                string           `json:"version"`
	StartedAt              time.Time        `json:"startedAt"`
	UptimeSeconds          int64            `json:"uptimeSeconds"`
	ActiveSessionCount     int              `json:"activeSessionCount"`
	AuthenticatedUserCount int              `json:"authenticatedUserCount"`
	PortRangeUtilization   float64          `json:"portRangeUtilization"`
	PortRange              portalloc.Range  `json:"portRange"`
	ReservedPorts          int              `json:"reservedPorts"`
	NotificationClients    int              `json:"notificationClients"`
	RelaysSpawned          int64            `json:"relaysSpawned"`
	Resources              resourceSnapshot `json:"resources"`
}

func (s *server) collectHealth(withHistory bool) healthPayload {
	stats := s.registry.Stats()
	status := "ok"
	if stats.Capacity > 0 && stats.ActiveSessions+stats.Reserved >= stats.Capacity {
		status = "saturated"
	}
	return healthPayload{
		Status:                 status,
		Version:                version.Version,
		StartedAt:              s.startedAt,
		UptimeSeconds:          int64(time.Since(s.startedAt).Seconds()),
		ActiveSessionCount:     stats.ActiveSessions,
		AuthenticatedUserCount: s.tracker.Count(),
		PortRangeUtilization:   stats.Utilization,
		PortRange:              stats.Range,
		ReservedPorts:          stats.Reserved,
		NotificationClients:    s.hub.Count(),
		RelaysSpawned:          s.relays.Spawned(),
		Resources:              s.resources.snapshot(withHistory),
	}
}
