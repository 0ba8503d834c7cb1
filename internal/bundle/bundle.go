// Package bundle assembles per-agent policy bundles. An agent only receives
// the policies scoped to it, with actions it cannot execute filtered out.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/guardline/dlp/internal/models"
)

// Bundle is the payload served to one agent.
type Bundle struct {
	AgentID     string           `json:"agent_id"`
	Platform    string           `json:"platform"`
	Version     string           `json:"version"`
	GeneratedAt time.Time        `json:"generated_at"`
	Policies    []*models.Policy `json:"policies"`
}

// platformActions maps an agent platform to the action types its enforcement
// layer can carry out locally. Server-side actions (alert, audit, webhook,
// notify and the rest) are always stripped from bundles; the server runs
// those itself.
var platformActions = map[string]map[models.ActionType]bool{
	"windows": {
		models.ActionBlock:      true,
		models.ActionQuarantine: true,
		models.ActionRedact:     true,
		models.ActionEncrypt:    true,
		models.ActionDelete:     true,
		models.ActionPreserve:   true,
	},
	"macos": {
		models.ActionBlock:      true,
		models.ActionQuarantine: true,
		models.ActionRedact:     true,
		models.ActionDelete:     true,
		models.ActionPreserve:   true,
	},
	"linux": {
		models.ActionBlock:      true,
		models.ActionQuarantine: true,
		models.ActionRedact:     true,
		models.ActionEncrypt:    true,
		models.ActionDelete:     true,
		models.ActionPreserve:   true,
	},
}

// SupportedPlatform reports whether bundles can be built for platform.
func SupportedPlatform(platform string) bool {
	_, ok := platformActions[platform]
	return ok
}

// Build assembles the bundle for one agent from the full policy set.
// Policies with a non-empty agent_ids list are included only for the named
// agents; an empty list means fleet-wide. Disabled policies never ship.
func Build(agentID, platform string, policies []*models.Policy) *Bundle {
	supported := platformActions[platform]

	b := &Bundle{
		AgentID:     agentID,
		Platform:    platform,
		GeneratedAt: time.Now().UTC(),
		Policies:    []*models.Policy{},
	}

	for _, p := range policies {
		if !p.Enabled || !scopedTo(p, agentID) {
			continue
		}

		actions := filterActions(p.Actions, supported)
		if len(actions) == 0 {
			continue
		}

		// Shallow copy so the shared policy set is never mutated.
		scoped := *p
		scoped.Actions = actions
		b.Policies = append(b.Policies, &scoped)
	}

	b.Version = version(b.Policies)
	return b
}

func scopedTo(p *models.Policy, agentID string) bool {
	if len(p.AgentIDs) == 0 {
		return true
	}
	for _, id := range p.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

func filterActions(actions []models.ActionSpec, supported map[models.ActionType]bool) []models.ActionSpec {
	var out []models.ActionSpec
	for _, a := range actions {
		if supported[a.Type] {
			out = append(out, a)
		}
	}
	return out
}

// version hashes the bundle's policy content so agents can skip unchanged
// bundles with a cheap string compare.
func version(policies []*models.Policy) string {
	h := sha256.New()
	for _, p := range policies {
		b, _ := json.Marshal(p)
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
