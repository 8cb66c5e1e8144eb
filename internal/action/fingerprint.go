package action

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives the deterministic lookup key for a request from the
// attributes that scope procedure reuse: tenant, organization, action type,
// channel, industry, and risk band. Free-form params are deliberately
// excluded — two requests that differ only in payload share a procedure.
// The fingerprint is a lookup key only and is never persisted on its own.
func Fingerprint(req *AgentRequest) string {
	parts := []string{
		req.TenantID,
		req.OrganizationID,
		req.ActionType,
		req.Channel,
		strings.ToLower(req.Industry),
		string(req.RiskBand),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
