package domain

import (
	dErrors "veritas/pkg/domain-errors"
)

// Principal is the acting identity attached to every store operation. It is
// an opaque set of claims minted by the external auth layer; the core never
// interprets role, site, or sponsor beyond passing them through to the audit
// record and the authorization hook.
type Principal struct {
	ActorID string // subject claim, required
	Role    string // opaque role claim
	Site    string // opaque site claim
	Sponsor string // opaque sponsor claim
}

// Validate checks the one claim the core actually requires. Role/site/sponsor
// are the auth layer's problem.
func (p Principal) Validate() error {
	if p.ActorID == "" {
		return dErrors.New(dErrors.CodeUnauthorized, "principal missing actor id")
	}
	return nil
}

// IsNil reports whether the principal carries no identity at all.
func (p Principal) IsNil() bool { return p.ActorID == "" }
