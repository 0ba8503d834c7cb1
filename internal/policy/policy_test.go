package policy

import (
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/guardline/dlp/internal/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mkPolicy(name string, priority int, rules ...models.Rule) *models.Policy {
	return &models.Policy{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)),
		Name:     name,
		Enabled:  true,
		Priority: priority,
		Rules:    rules,
	}
}

func mkRule(id string, conds ...models.Condition) models.Rule {
	return models.Rule{ID: id, Conditions: conds}
}

func cond(field string, op models.Operator, value any) models.Condition {
	return models.Condition{Field: field, Operator: op, Value: value}
}

func ssnResult() *models.ClassificationResult {
	return &models.ClassificationResult{
		Labels: []models.Label{
			{Type: "ssn", Confidence: 0.95, Validated: true, Severity: models.SeverityCritical},
		},
		MaxSeverity: models.SeverityCritical,
	}
}

func TestEvaluate_ClassificationType(t *testing.T) {
	snap := Build([]*models.Policy{
		mkPolicy("pii", 10, mkRule("r1", cond("classification.type", models.OpEquals, "ssn"))),
	}, discard())

	ev := &models.Event{ID: "e1", SourceType: models.SourceFile}

	matches := snap.Evaluate(ev, ssnResult())
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Policy.Name != "pii" {
		t.Errorf("wrong policy: %s", matches[0].Policy.Name)
	}
	if len(matches[0].MatchedRules) != 1 || matches[0].MatchedRules[0] != "r1" {
		t.Errorf("wrong matched rules: %v", matches[0].MatchedRules)
	}

	if got := snap.Evaluate(ev, &models.ClassificationResult{}); len(got) != 0 {
		t.Errorf("expected no match without labels, got %d", len(got))
	}
}

func TestEvaluate_AllMatchesReturned(t *testing.T) {
	snap := Build([]*models.Policy{
		mkPolicy("low", 1, mkRule("r1", cond("classification.type", models.OpExists, nil))),
		mkPolicy("high", 100, mkRule("r1", cond("classification.type", models.OpEquals, "ssn"))),
		mkPolicy("mid", 50, mkRule("r1", cond("event.source_type", models.OpEquals, "file"))),
	}, discard())

	ev := &models.Event{ID: "e1", SourceType: models.SourceFile}
	matches := snap.Evaluate(ev, ssnResult())

	if len(matches) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(matches))
	}
	order := []string{matches[0].Policy.Name, matches[1].Policy.Name, matches[2].Policy.Name}
	want := []string{"high", "mid", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("priority order wrong: %v", order)
		}
	}
}

func TestEvaluate_PriorityTieBreakByID(t *testing.T) {
	a := mkPolicy("a", 10, mkRule("r"))
	b := mkPolicy("b", 10, mkRule("r"))
	// Same priority twice, both catch-alls; order must be deterministic.
	snap1 := Build([]*models.Policy{a, b}, discard())
	snap2 := Build([]*models.Policy{b, a}, discard())

	ev := &models.Event{ID: "e1", SourceType: models.SourceFile}
	m1 := snap1.Evaluate(ev, nil)
	m2 := snap2.Evaluate(ev, nil)

	if len(m1) != 2 || len(m2) != 2 {
		t.Fatalf("expected 2 matches each, got %d and %d", len(m1), len(m2))
	}
	if m1[0].Policy.ID != m2[0].Policy.ID {
		t.Error("tie-break order differs between input orderings")
	}
	if snap1.Version != snap2.Version {
		t.Error("version depends on input order")
	}
}

func TestEvaluate_ORAcrossRulesANDWithin(t *testing.T) {
	p := mkPolicy("combo", 10,
		mkRule("usb-exfil",
			cond("event.source_type", models.OpEquals, "usb"),
			cond("classification.type", models.OpEquals, "ssn")),
		mkRule("big-file",
			cond("event.file.size", models.OpGreaterThan, 1000)),
	)
	snap := Build([]*models.Policy{p}, discard())

	tests := []struct {
		name  string
		ev    *models.Event
		cls   *models.ClassificationResult
		rules int
	}{
		{
			"first rule AND satisfied",
			&models.Event{SourceType: models.SourceUSB},
			ssnResult(),
			1,
		},
		{
			"first rule partial fails, second rule absent",
			&models.Event{SourceType: models.SourceUSB},
			&models.ClassificationResult{},
			0,
		},
		{
			"second rule matches alone",
			&models.Event{SourceType: models.SourceFile, File: &models.FileMetadata{Size: 5000}},
			nil,
			1,
		},
		{
			"both rules match",
			&models.Event{SourceType: models.SourceUSB, File: &models.FileMetadata{Size: 5000}},
			ssnResult(),
			2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := snap.Evaluate(tt.ev, tt.cls)
			got := 0
			if len(matches) > 0 {
				got = len(matches[0].MatchedRules)
			}
			if got != tt.rules {
				t.Errorf("expected %d fired rules, got %d", tt.rules, got)
			}
		})
	}
}

func TestEvaluate_Operators(t *testing.T) {
	ev := &models.Event{
		SourceType: models.SourceFile,
		UserEmail:  "alice@corp.example",
		File:       &models.FileMetadata{Path: "/home/alice/report.xlsx", Extension: "xlsx", Size: 2048},
	}
	cls := ssnResult()

	tests := []struct {
		name    string
		c       models.Condition
		matched bool
	}{
		{"equals case-insensitive", cond("event.user_email", models.OpEquals, "ALICE@corp.example"), true},
		{"contains substring", cond("event.file.path", models.OpContains, "alice"), true},
		{"contains miss", cond("event.file.path", models.OpContains, "bob"), false},
		{"regex", cond("event.file.path", models.OpRegex, `\.xlsx$`), true},
		{"greater_than numeric", cond("event.file.size", models.OpGreaterThan, 1024), true},
		{"less_than numeric", cond("event.file.size", models.OpLessThan, 1024), false},
		{"greater_than non-numeric is false", cond("event.user_email", models.OpGreaterThan, 10), false},
		{"severity ordering", cond("classification.max_severity", models.OpGreaterThan, "medium"), true},
		{"in membership", cond("event.file.extension", models.OpIn, []any{"xlsx", "docx"}), true},
		{"not_in membership", cond("event.file.extension", models.OpNotIn, []any{"txt", "log"}), true},
		{"not_in hit", cond("event.file.extension", models.OpNotIn, []any{"xlsx"}), false},
		{"exists on absent field", cond("event.destination.type", models.OpExists, nil), false},
		{"not_exists on absent field", cond("event.destination.type", models.OpNotExists, nil), true},
		{"confidence threshold", cond("classification.max_confidence", models.OpGreaterThan, 0.9), true},
		{"validated flag", cond("classification.validated", models.OpEquals, true), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mkPolicy(tt.name, 1, mkRule("r", tt.c))
			snap := Build([]*models.Policy{p}, discard())
			if snap.Len() != 1 {
				t.Fatal("policy did not compile")
			}
			got := len(snap.Evaluate(ev, cls)) > 0
			if got != tt.matched {
				t.Errorf("condition %+v: expected matched=%v, got %v", tt.c, tt.matched, got)
			}
		})
	}
}

func TestBuild_SkipsMalformed(t *testing.T) {
	policies := []*models.Policy{
		mkPolicy("bad-regex", 10, mkRule("r", cond("event.content", models.OpRegex, "([unclosed"))),
		mkPolicy("bad-field", 10, mkRule("r", cond("event.no_such_field", models.OpEquals, "x"))),
		mkPolicy("bad-operator", 10, mkRule("r", models.Condition{Field: "event.content", Operator: "approximately", Value: "x"})),
		mkPolicy("good", 5, mkRule("r", cond("event.source_type", models.OpEquals, "file"))),
	}
	snap := Build(policies, discard())

	if snap.Len() != 1 {
		t.Fatalf("expected only the good policy to compile, got %d", snap.Len())
	}

	ev := &models.Event{SourceType: models.SourceFile}
	if got := snap.Evaluate(ev, nil); len(got) != 1 || got[0].Policy.Name != "good" {
		t.Errorf("remaining policy should still evaluate: %+v", got)
	}
}

func TestBuild_DisabledNeverMatch(t *testing.T) {
	p := mkPolicy("off", 10, mkRule("r"))
	p.Enabled = false
	snap := Build([]*models.Policy{p}, discard())

	if snap.Len() != 0 {
		t.Error("disabled policy compiled into snapshot")
	}
	if got := snap.Evaluate(&models.Event{SourceType: models.SourceFile}, nil); len(got) != 0 {
		t.Errorf("disabled policy matched: %+v", got)
	}
}

func TestBuild_VersionChangesWithContent(t *testing.T) {
	a := Build([]*models.Policy{mkPolicy("p", 10, mkRule("r"))}, discard())
	b := Build([]*models.Policy{mkPolicy("p2", 10, mkRule("r"))}, discard())
	if a.Version == b.Version {
		t.Error("different policy sets share a version")
	}
	if a.Version == "" {
		t.Error("empty version")
	}
}
