package main

import (
	"time"

	"github.com/liamcoop/storagerules/metastore"
	"github.com/liamcoop/storagerules/rules"
)

// SubmitRuleRequest is the body of POST /api/v1/rules
type SubmitRuleRequest struct {
	Text string `json:"text"`
	// State is NEW, ACTIVE or DISABLED; empty means ACTIVE
	State string `json:"state,omitempty"`
}

// RuleResponse is one rule in API responses
type RuleResponse struct {
	ID               int64      `json:"id"`
	Text             string     `json:"text"`
	State            string     `json:"state"`
	SubmitTime       time.Time  `json:"submit_time"`
	LastCheckTime    *time.Time `json:"last_check_time,omitempty"`
	NumChecked       int64      `json:"num_checked"`
	NumCmdsGenerated int64      `json:"num_cmds_generated"`
}

func newRuleResponse(info *rules.RuleInfo) RuleResponse {
	resp := RuleResponse{
		ID:               info.ID,
		Text:             info.Text,
		State:            info.State.String(),
		SubmitTime:       info.SubmitTime,
		NumChecked:       info.NumChecked,
		NumCmdsGenerated: info.NumCmdsGenerated,
	}
	if !info.LastCheckTime.IsZero() {
		last := info.LastCheckTime
		resp.LastCheckTime = &last
	}
	return resp
}

// RulesListResponse is the response of GET /api/v1/rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

// AccessEvent is one file access in RecordAccessRequest
type AccessEvent struct {
	Path string `json:"path"`
	// Timestamp in milliseconds since the epoch; zero means now
	Timestamp int64 `json:"timestamp,omitempty"`
}

// RecordAccessRequest is the body of POST /api/v1/access-events
type RecordAccessRequest struct {
	Events []AccessEvent `json:"events"`
}

// CmdletResponse is one queued cmdlet
type CmdletResponse struct {
	ID           int64     `json:"id"`
	RuleID       int64     `json:"rule_id"`
	File         string    `json:"file"`
	Parameters   string    `json:"parameters"`
	State        string    `json:"state"`
	GenerateTime time.Time `json:"generate_time"`
}

func newCmdletResponse(c metastore.Cmdlet) CmdletResponse {
	return CmdletResponse{
		ID:           c.ID,
		RuleID:       c.RuleID,
		File:         c.File,
		Parameters:   c.Parameters,
		State:        c.State,
		GenerateTime: c.GenerateTime,
	}
}

// CmdletsListResponse is the response of GET /api/v1/cmdlets
type CmdletsListResponse struct {
	Cmdlets []CmdletResponse `json:"cmdlets"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is the response of GET /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Rules  int    `json:"rules"`
	Error  string `json:"error,omitempty"`
}
