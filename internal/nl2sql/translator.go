// Package nl2sql turns natural-language questions into SQL through an
// OpenAI-compatible chat completion endpoint, with a fingerprint cache in
// front so repeated questions skip the model entirely.
package nl2sql

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Question     string    `json:"question"`
	SchemaPrompt string    `json:"schema_prompt"`
	History      []Message `json:"history,omitempty"`
}

type Result struct {
	SQL   string `json:"sql"`
	Model string `json:"model"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}
