// Package executor defines the task-execution collaborator contract and
// its provider implementations. The engine treats every executor as a
// black box: one request in, one result out, no shared state between
// invocations.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"conductor/pkg/proto"
)

// Executor is the engine's only external boundary. Implementations must
// be safe for concurrent use: a batch dispatches every task in parallel.
type Executor interface {
	// Name identifies the executor in logs and reports.
	Name() string

	// Execute performs the generation work for one task. A transport or
	// provider error is returned as err; a collaborator-reported failure
	// comes back inside the result. The coordinator classifies both.
	Execute(ctx context.Context, req *proto.TaskRequest) (*proto.TaskResult, error)
}

// BuildPrompt renders an optimized context payload into the collaborator
// prompt. Keys are emitted in sorted order so identical requests produce
// identical prompts.
func BuildPrompt(req *proto.TaskRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate the document %q.\n\n", req.TaskName)

	if len(req.Context) > 0 {
		b.WriteString("Context:\n")
		keys := make([]string, 0, len(req.Context))
		for k := range req.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s: %s\n", k, req.Context[k])
		}
		b.WriteString("\n")
	}

	b.WriteString("Produce the complete document body. ")
	fmt.Fprintf(&b, "Reference sibling documents with %q markers where consistency matters.\n",
		"<!-- conductor:ref <task-name> -->")
	return b.String()
}

// resultFromContent wraps raw collaborator output into a task result.
// Empty output is reported as a success without an artifact handle so the
// coordinator classifies it as output_missing.
func resultFromContent(taskName, content string) *proto.TaskResult {
	content = strings.TrimSpace(content)
	if content == "" {
		return &proto.TaskResult{Status: proto.ResultSuccess}
	}
	return &proto.TaskResult{
		Status:   proto.ResultSuccess,
		Artifact: proto.NewArtifact(taskName, content),
	}
}
