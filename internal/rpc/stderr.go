package rpc

import "strings"

// StderrErrorKind classifies an agent stderr chunk.
type StderrErrorKind string

const (
	StderrRateLimit      StderrErrorKind = "rate_limit"
	StderrModelNotFound  StderrErrorKind = "model_not_found"
	StderrAuthentication StderrErrorKind = "authentication"
	StderrQuotaExceeded  StderrErrorKind = "quota_exceeded"
	StderrUnknown        StderrErrorKind = "unknown"
)

// StderrEvent is emitted at most once per stderr chunk when the chunk looks
// like an error.
type StderrEvent struct {
	Kind StderrErrorKind `json:"kind"`
	Text string          `json:"text"`
}

// stderrRules are checked in order; the first matching cluster wins.
var stderrRules = []struct {
	kind     StderrErrorKind
	keywords []string
}{
	{StderrRateLimit, []string{"rate limit", "rate-limit", "ratelimit", "429", "too many requests"}},
	{StderrModelNotFound, []string{"model not found", "unknown model", "no such model", "model_not_found"}},
	{StderrAuthentication, []string{"unauthorized", "authentication", "invalid api key", "not logged in", "login required", "401", "forbidden"}},
	{StderrQuotaExceeded, []string{"quota", "insufficient credit", "billing", "usage limit"}},
}

// generic error markers for chunks that look wrong without matching a
// specific cluster.
var stderrErrorMarkers = []string{"error", "fatal", "panic", "exception", "traceback"}

// ClassifyStderr inspects a stderr chunk and returns an event for it, or
// nil when the chunk is ordinary diagnostic output.
func ClassifyStderr(chunk string) *StderrEvent {
	lowered := strings.ToLower(chunk)
	for _, rule := range stderrRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				return &StderrEvent{Kind: rule.kind, Text: chunk}
			}
		}
	}
	for _, marker := range stderrErrorMarkers {
		if strings.Contains(lowered, marker) {
			return &StderrEvent{Kind: StderrUnknown, Text: chunk}
		}
	}
	return nil
}
