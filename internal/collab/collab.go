// Package collab defines the external collaborator boundary. The
// orchestration core consumes these capabilities but never implements
// them; real deployments plug in HTTP-backed clients, tests use fakes.
package collab

import (
	"context"
)

// ReasonOptions bounds a reasoning call.
type ReasonOptions struct {
	Temperature float64
	MaxTokens   int
}

// Reasoner generates text from a prompt (an LLM, typically).
type Reasoner interface {
	Analyze(ctx context.Context, prompt string, opts ReasonOptions) (string, error)
}

// CodeRunner executes source text for a stated purpose and returns the
// output.
type CodeRunner interface {
	Run(ctx context.Context, source, purpose string) (string, error)
}

// SourceControl performs a named remote operation (list issues, create
// issue/PR, comment, read/write file, search code) with parameters.
type SourceControl interface {
	Do(ctx context.Context, action string, params map[string]any) (any, error)
}

// KnowledgeEntry is one ranked result from a knowledge lookup.
type KnowledgeEntry struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Knowledge answers free-text queries against the knowledge base.
type Knowledge interface {
	Query(ctx context.Context, query, category string) ([]KnowledgeEntry, error)
}

// Set bundles the collaborators handed to the workflow runner. Any
// field may be nil; a step that needs a missing collaborator fails
// with a step error rather than a panic.
type Set struct {
	Reasoner      Reasoner
	CodeRunner    CodeRunner
	SourceControl SourceControl
	Knowledge     Knowledge
}
