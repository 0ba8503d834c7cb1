// Command dlp is the offline companion tool: classify content, redact it,
// or dry-run a policy file against sample content without a running server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guardline/dlp/internal/classifier"
	"github.com/guardline/dlp/internal/models"
	"github.com/guardline/dlp/internal/policy"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "classify":
		err = runClassify(flag.Args()[1:])
	case "redact":
		err = runRedact(flag.Args()[1:])
	case "policy-test":
		err = runPolicyTest(flag.Args()[1:])
	case "version":
		fmt.Printf("dlp v%s (built %s)\n", version, buildTime)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dlp: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: dlp <command> [flags]

Commands:
  classify [file]               Classify a file (or stdin) and print the labels
  redact [file]                 Print content with detected spans redacted
  policy-test -policy <file>    Evaluate a policy file against sample content
  version                       Show version information
`)
}

func readInput(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runClassify(args []string) error {
	fs := flag.NewFlagSet("classify", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit the full classification result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	content, err := readInput(fs.Args())
	if err != nil {
		return err
	}

	cls := classifier.New(classifier.DefaultConfig())
	result := cls.Classify(content)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if len(result.Labels) == 0 {
		fmt.Println("no sensitive data detected")
		return nil
	}
	type rollup struct {
		severity   models.Severity
		confidence float64
		validated  bool
		count      int
	}
	byType := map[string]*rollup{}
	var order []string
	for _, label := range result.Labels {
		r, ok := byType[label.Type]
		if !ok {
			r = &rollup{severity: label.Severity}
			byType[label.Type] = r
			order = append(order, label.Type)
		}
		r.count++
		if label.Confidence > r.confidence {
			r.confidence = label.Confidence
		}
		if label.Validated {
			r.validated = true
		}
	}
	for _, typ := range order {
		r := byType[typ]
		validated := ""
		if r.validated {
			validated = " validated"
		}
		fmt.Printf("%-24s severity=%-8s confidence=%.2f matches=%d%s\n",
			typ, r.severity, r.confidence, r.count, validated)
	}
	return nil
}

func runRedact(args []string) error {
	fs := flag.NewFlagSet("redact", flag.ExitOnError)
	method := fs.String("method", classifier.RedactPartial, "redaction method")
	if err := fs.Parse(args); err != nil {
		return err
	}

	content, err := readInput(fs.Args())
	if err != nil {
		return err
	}

	cls := classifier.New(classifier.DefaultConfig())
	result := cls.Classify(content)

	spans := make([]models.Span, 0, len(result.Labels))
	for _, label := range result.Labels {
		spans = append(spans, label.Span)
	}
	fmt.Print(classifier.RedactSpans(content, spans, *method))
	return nil
}

func runPolicyTest(args []string) error {
	fs := flag.NewFlagSet("policy-test", flag.ExitOnError)
	policyPath := fs.String("policy", "", "policy file (YAML or JSON)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *policyPath == "" {
		return fmt.Errorf("-policy is required")
	}

	policies, err := loadPolicies(*policyPath)
	if err != nil {
		return err
	}

	content, err := readInput(fs.Args())
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	snap := policy.Build(policies, logger)
	fmt.Printf("snapshot %s: %d of %d policies compiled\n", snap.Version, snap.Len(), len(policies))

	cls := classifier.New(classifier.DefaultConfig())
	result := cls.Classify(content)

	ev := &models.Event{
		ID:          "policy-test",
		SourceType:  models.SourceFile,
		Content:     content,
		ContentSize: int64(len(content)),
		Timestamp:   time.Now().UTC(),
	}

	matches := snap.Evaluate(ev, result)
	if len(matches) == 0 {
		fmt.Println("no policies matched")
		return nil
	}
	for _, m := range matches {
		fmt.Printf("matched %q (priority %d)\n", m.Policy.Name, m.Policy.Priority)
		for _, rule := range m.MatchedRules {
			fmt.Printf("  rule: %s\n", rule)
		}
		for _, action := range m.Policy.Actions {
			fmt.Printf("  action: %s\n", action.Type)
		}
	}
	return nil
}

func loadPolicies(path string) ([]*models.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// YAML input is normalized through JSON so the policy types decode the
	// same way they do over the API.
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}

	// A file may hold a single policy or a list.
	var list []*models.Policy
	if err := json.Unmarshal(jsonData, &list); err == nil {
		return list, nil
	}
	var single models.Policy
	if err := json.Unmarshal(jsonData, &single); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return []*models.Policy{&single}, nil
}
