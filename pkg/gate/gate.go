// Package gate implements the post-batch validation gate: cross-artifact
// consistency checks whose ERROR-severity findings block session completion.
package gate

import (
	"fmt"
	"regexp"
	"sort"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Severity classifies a validation issue. Only ERROR blocks a session.
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Issue categories produced by the built-in checks.
const (
	CategoryStructure   = "structure"
	CategoryIntegrity   = "integrity"
	CategoryReference   = "reference"
	CategoryStyle       = "style"
	CategoryCheckFailed = "check_failed"
)

// Issue is one validation finding. Issues are never mutated after creation.
type Issue struct {
	Severity     Severity `json:"severity"`
	Category     string   `json:"category"`
	Subject      string   `json:"subject"` // artifact or task reference
	Message      string   `json:"message"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// Rule is one caller-supplied pattern-compliance rule. Every artifact the
// rule applies to must match Pattern; a non-match yields an issue at the
// rule's severity.
type Rule struct {
	Name         string   `json:"name" yaml:"name"`
	Category     string   `json:"category,omitempty" yaml:"category"`
	Pattern      string   `json:"pattern" yaml:"pattern"`
	Severity     Severity `json:"severity" yaml:"severity"`
	SuggestedFix string   `json:"suggested_fix,omitempty" yaml:"suggested_fix"`
	AppliesTo    []string `json:"applies_to,omitempty" yaml:"applies_to"` // task names; empty = all
}

// Gate runs the fixed check set plus the caller-supplied rules.
type Gate struct {
	rules  []Rule
	logger *logx.Logger
}

// New creates a validation gate with the given rule set.
func New(rules []Rule) *Gate {
	return &Gate{
		rules:  rules,
		logger: logx.NewLogger("gate"),
	}
}

// Validate runs every check against the artifact set. Checks never fail
// hard: a check that cannot be evaluated yields an INFO issue documenting
// the skip. The returned slice is ordered by artifact task name for
// reproducible reporting.
func (g *Gate) Validate(artifacts map[string]*proto.Artifact, runs map[string]*proto.TaskRun) []Issue {
	var issues []Issue

	names := make([]string, 0, len(artifacts))
	for name := range artifacts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		artifact := artifacts[name]
		issues = append(issues, g.checkStructure(name, artifact)...)
		issues = append(issues, g.checkIntegrity(name, artifact)...)
		issues = append(issues, g.checkReferences(name, artifact, runs)...)
		issues = append(issues, g.checkRules(name, artifact)...)
	}

	if n := countBlocking(issues); n > 0 {
		g.logger.Warn("Validation found %d blocking issue(s) across %d artifact(s)", n, len(artifacts))
	} else {
		g.logger.Debug("Validation passed: %d artifact(s), %d non-blocking issue(s)", len(artifacts), len(issues))
	}

	return issues
}

// HasBlocking reports whether any issue carries ERROR severity.
func HasBlocking(issues []Issue) bool {
	return countBlocking(issues) > 0
}

func countBlocking(issues []Issue) int {
	n := 0
	for i := range issues {
		if issues[i].Severity == SeverityError {
			n++
		}
	}
	return n
}

func (g *Gate) checkStructure(name string, artifact *proto.Artifact) []Issue {
	var issues []Issue

	if !proto.WellFormed(artifact.Content) {
		issues = append(issues, Issue{
			Severity:     SeverityError,
			Category:     CategoryStructure,
			Subject:      name,
			Message:      "artifact is missing document begin/end markers",
			SuggestedFix: "regenerate the artifact or wrap the body in document markers",
		})
	}

	if artifact.RequiresCompletion() {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Category: CategoryStructure,
			Subject:  name,
			Message:  "artifact is a placeholder and requires manual completion",
		})
	}

	return issues
}

func (g *Gate) checkIntegrity(name string, artifact *proto.Artifact) []Issue {
	if artifact.Checksum == "" {
		return []Issue{{
			Severity: SeverityInfo,
			Category: CategoryCheckFailed,
			Subject:  name,
			Message:  "integrity check skipped: artifact carries no checksum",
		}}
	}

	if !artifact.VerifyChecksum() {
		return []Issue{{
			Severity:     SeverityError,
			Category:     CategoryIntegrity,
			Subject:      name,
			Message:      "artifact content does not match its sealed checksum",
			SuggestedFix: "regenerate the artifact; it was modified after creation",
		}}
	}
	return nil
}

func (g *Gate) checkReferences(name string, artifact *proto.Artifact, runs map[string]*proto.TaskRun) []Issue {
	var issues []Issue

	for _, ref := range artifact.References {
		run, exists := runs[ref]
		if !exists {
			issues = append(issues, Issue{
				Severity:     SeverityError,
				Category:     CategoryReference,
				Subject:      name,
				Message:      fmt.Sprintf("artifact references unknown task %q", ref),
				SuggestedFix: "remove the reference or add the referenced task to the session",
			})
			continue
		}

		switch run.Status {
		case proto.TaskSucceeded, proto.TaskRecovered:
			// Reference target produced a complete artifact.
		case proto.TaskPartiallyRecovered:
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Category: CategoryReference,
				Subject:  name,
				Message:  fmt.Sprintf("artifact references %q, which is only a placeholder", ref),
			})
		default:
			issues = append(issues, Issue{
				Severity:     SeverityError,
				Category:     CategoryReference,
				Subject:      name,
				Message:      fmt.Sprintf("artifact references %q, which did not produce an artifact (status %s)", ref, run.Status),
				SuggestedFix: "resolve the referenced task or drop the reference",
			})
		}
	}

	return issues
}

func (g *Gate) checkRules(name string, artifact *proto.Artifact) []Issue {
	var issues []Issue

	for i := range g.rules {
		rule := &g.rules[i]
		if !ruleApplies(rule, name) {
			continue
		}

		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			issues = append(issues, Issue{
				Severity: SeverityInfo,
				Category: CategoryCheckFailed,
				Subject:  name,
				Message:  fmt.Sprintf("rule %q skipped: invalid pattern: %v", rule.Name, err),
			})
			continue
		}

		if !re.MatchString(artifact.Content) {
			category := rule.Category
			if category == "" {
				category = CategoryStyle
			}
			issues = append(issues, Issue{
				Severity:     rule.Severity,
				Category:     category,
				Subject:      name,
				Message:      fmt.Sprintf("rule %q not satisfied: content does not match %q", rule.Name, rule.Pattern),
				SuggestedFix: rule.SuggestedFix,
			})
		}
	}

	return issues
}

func ruleApplies(rule *Rule, taskName string) bool {
	if len(rule.AppliesTo) == 0 {
		return true
	}
	for _, name := range rule.AppliesTo {
		if name == taskName {
			return true
		}
	}
	return false
}
