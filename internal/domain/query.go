package domain

import "strings"

// QueryDescriptorVersion is the only descriptor version accepted today.
const QueryDescriptorVersion = 1

// QueryType names what the agent asks the website to do.
type QueryType string

// Supported query types.
const (
	QueryExtractContent QueryType = "extract_content"
	QuerySearch         QueryType = "search"
	QueryDataQuery      QueryType = "data_query"
	QuerySummarize      QueryType = "summarize"
)

// AllQueryTypes lists every known query type.
var AllQueryTypes = []QueryType{QueryExtractContent, QuerySearch, QueryDataQuery, QuerySummarize}

// Valid reports whether qt is a known query type.
func (qt QueryType) Valid() bool {
	for _, known := range AllQueryTypes {
		if qt == known {
			return true
		}
	}
	return false
}

// ParseQueryTypes splits a comma separated list, dropping unknown entries.
func ParseQueryTypes(list string) []QueryType {
	var out []QueryType
	for _, part := range strings.Split(list, ",") {
		qt := QueryType(strings.TrimSpace(part))
		if qt.Valid() {
			out = append(out, qt)
		}
	}
	return out
}

// JoinQueryTypes renders qts as a comma separated list.
func JoinQueryTypes(qts []QueryType) string {
	parts := make([]string, len(qts))
	for i, qt := range qts {
		parts[i] = string(qt)
	}
	return strings.Join(parts, ",")
}

// QueryParameters is the fixed parameter schema of a query.
type QueryParameters struct {
	Path     string `json:"path,omitempty"`
	Selector string `json:"selector,omitempty"`
	Query    string `json:"query,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Format   string `json:"format,omitempty"`
}

// QueryDescriptor is the versioned message an agent attaches to a paid
// request.
type QueryDescriptor struct {
	Version       int             `json:"v"`
	QueryType     QueryType       `json:"query_type"`
	Parameters    QueryParameters `json:"parameters"`
	PaymentAmount uint64          `json:"payment_amount"`
	AssetID       uint64          `json:"asset_id"`
}
