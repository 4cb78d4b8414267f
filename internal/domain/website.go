package domain

import (
	"strings"
	"time"
)

// SubnameSuffix is appended to a website's dashed domain to form its subname.
const SubnameSuffix = ".agentweb.alg"

// Website is a registered serving party.
type Website struct {
	Domain              string      `json:"domain"`
	OwnerAddress        string      `json:"owner_address"`
	AssetID             uint64      `json:"asset_id"`
	Subname             string      `json:"subname"`
	Verified            bool        `json:"verified"`
	BasePaymentAmount   uint64      `json:"base_payment_amount"`
	PaymentRequired     bool        `json:"payment_required"`
	SupportedQueryTypes []QueryType `json:"supported_query_types"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Supports reports whether the website accepts queries of type qt. An empty
// list accepts every known type.
func (w *Website) Supports(qt QueryType) bool {
	if len(w.SupportedQueryTypes) == 0 {
		return qt.Valid()
	}
	for _, t := range w.SupportedQueryTypes {
		if t == qt {
			return true
		}
	}
	return false
}

// NormalizeDomain lowercases d and strips any scheme, path and trailing dot.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// SubnameFor returns the registry subname for domain, e.g.
// "example.com" -> "example-com.agentweb.alg".
func SubnameFor(domain string) string {
	return strings.ReplaceAll(NormalizeDomain(domain), ".", "-") + SubnameSuffix
}
