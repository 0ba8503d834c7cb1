package bundle

import (
	"testing"

	"github.com/google/uuid"

	"github.com/guardline/dlp/internal/models"
)

func mkPolicy(name string, actions ...models.ActionType) *models.Policy {
	specs := make([]models.ActionSpec, 0, len(actions))
	for _, a := range actions {
		specs = append(specs, models.ActionSpec{Type: a})
	}
	return &models.Policy{
		ID:      uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Name:    name,
		Enabled: true,
		Rules:   []models.Rule{{ID: "r"}},
		Actions: specs,
	}
}

func TestBuild_AgentScoping(t *testing.T) {
	fleet := mkPolicy("fleet-wide", models.ActionBlock)
	scoped := mkPolicy("scoped", models.ActionBlock)
	scoped.AgentIDs = models.StringArray{"agent-2"}

	b := Build("agent-1", "linux", []*models.Policy{fleet, scoped})
	if len(b.Policies) != 1 || b.Policies[0].Name != "fleet-wide" {
		t.Fatalf("agent-1 got %d policies", len(b.Policies))
	}

	b2 := Build("agent-2", "linux", []*models.Policy{fleet, scoped})
	if len(b2.Policies) != 2 {
		t.Fatalf("agent-2 got %d policies", len(b2.Policies))
	}
}

func TestBuild_PlatformActionFilter(t *testing.T) {
	// macOS agents cannot encrypt; the alert runs server-side.
	p := mkPolicy("mixed", models.ActionBlock, models.ActionEncrypt, models.ActionAlert)

	b := Build("agent-1", "macos", []*models.Policy{p})
	if len(b.Policies) != 1 {
		t.Fatalf("got %d policies", len(b.Policies))
	}
	actions := b.Policies[0].Actions
	if len(actions) != 1 || actions[0].Type != models.ActionBlock {
		t.Errorf("unexpected actions %+v", actions)
	}

	// The shared policy set must not be mutated.
	if len(p.Actions) != 3 {
		t.Error("source policy was mutated")
	}
}

func TestBuild_ServerOnlyPolicyExcluded(t *testing.T) {
	p := mkPolicy("server-only", models.ActionAlert, models.ActionAudit)
	b := Build("agent-1", "linux", []*models.Policy{p})
	if len(b.Policies) != 0 {
		t.Errorf("policy with no agent-executable actions shipped: %+v", b.Policies)
	}
}

func TestBuild_DisabledExcluded(t *testing.T) {
	p := mkPolicy("off", models.ActionBlock)
	p.Enabled = false
	if b := Build("agent-1", "linux", []*models.Policy{p}); len(b.Policies) != 0 {
		t.Error("disabled policy shipped")
	}
}

func TestBuild_VersionStable(t *testing.T) {
	p := mkPolicy("p", models.ActionBlock)
	a := Build("agent-1", "linux", []*models.Policy{p})
	b := Build("agent-1", "linux", []*models.Policy{p})
	if a.Version != b.Version {
		t.Error("same content produced different versions")
	}

	c := Build("agent-1", "linux", []*models.Policy{p, mkPolicy("q", models.ActionBlock)})
	if c.Version == a.Version {
		t.Error("different content produced same version")
	}
}

func TestSupportedPlatform(t *testing.T) {
	if !SupportedPlatform("linux") || SupportedPlatform("beos") {
		t.Error("platform support table wrong")
	}
}
