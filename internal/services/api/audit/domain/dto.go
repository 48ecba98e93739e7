// Package domain contains audit summary types
package domain

// SummaryRow is one (scope, agent) aggregate of performed operations
type SummaryRow struct {
	Scope      string `json:"scope" example:"attr.food.preferences"`
	AgentID    string `json:"agent_id" example:"mcp_dev"`
	Operations int64  `json:"operations" example:"17"`
	FirstAt    int64  `json:"first_at" example:"1756100000000"`
	LastAt     int64  `json:"last_at" example:"1756103600000"`
}

// Summary is the response body for the summary endpoint
type Summary struct {
	UserID string       `json:"user_id" example:"u1"`
	Days   int          `json:"days" example:"30"`
	Source string       `json:"source" example:"clickhouse" enums:"clickhouse,postgres"`
	Rows   []SummaryRow `json:"rows"`
}
