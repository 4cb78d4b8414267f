package domain

import (
	"strings"
	"time"
)

// InitialReputation is the score a newly registered agent starts with.
const InitialReputation = 100

// Agent is a registered paying party.
type Agent struct {
	AgentID      string    `json:"agent_id"`
	Address      string    `json:"address"`
	MetadataHash string    `json:"metadata_hash,omitempty"`
	Reputation   int       `json:"reputation"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AgentRegistrationMessage is the message an agent signs with its account
// key to register agentID.
func AgentRegistrationMessage(agentID, metadataHash string) []byte {
	return []byte("agentweb/register-agent/v1\n" + agentID + "\n" + metadataHash)
}

// NormalizeAgentID trims and lowercases an agent id.
func NormalizeAgentID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
