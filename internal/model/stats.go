package model

import "time"

// AgentMetrics are per-agent performance counters derived from the interaction log.
type AgentMetrics struct {
	AgentID               string        `json:"agent_id"`
	AgentType             AgentType     `json:"agent_type"`
	Window                time.Duration `json:"window"`
	TotalInteractions     int           `json:"total_interactions"`
	SuccessfulConversions int           `json:"successful_conversions"`
	ActiveConversations   int           `json:"active_conversations"`
	AvgResponseTime       time.Duration `json:"avg_response_time"`
	Escalations           int           `json:"escalations"`
	Errors                int           `json:"errors"`
	LeadsHandled          int           `json:"leads_handled"`
	SuccessRate           float64       `json:"success_rate"`
}

// TenantMetricsResponse is the response for a tenant-wide metrics query.
type TenantMetricsResponse struct {
	Agents []AgentMetrics `json:"agents"`
	Since  time.Time      `json:"since"`
}
