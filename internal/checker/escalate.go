// Package checker turns resolution tasks into verdicts: it walks the task's
// URL, decides whether the task is retried or finalized and moves it between
// tubes.
package checker

import (
	"context"
	"strings"
	"time"

	"github.com/JakeFAU/redirect-resolver/internal/redirect"
)

// Action is what happens to a task after its walk.
type Action int

const (
	// ActionRequeue re-puts the task to the input tube as a recheck.
	ActionRequeue Action = iota
	// ActionFinalize puts a result record to the output tube.
	ActionFinalize
)

// Outcome names, used in logs and metrics.
const (
	OutcomeRequeue    = "requeue"
	OutcomeSuspicious = "suspicious"
	OutcomeSuccess    = "success"
)

// Check types recorded in result payloads.
const (
	CheckTypeNormal  = "normal"
	CheckTypeRecheck = "recheck"
)

// Resolver walks a redirect chain.
type Resolver interface {
	Walk(ctx context.Context, start string, timeout time.Duration, maxHops int) redirect.History
}

// Outcome is the decision for one task.
type Outcome struct {
	Action  Action
	Name    string
	Payload map[string]any
	History redirect.History
}

// Escalate walks the URL in payload and maps the result, together with the
// task's recheck flag, to exactly one of requeue or finalize. A payload
// without a usable url is finalized as suspicious without fetching.
func Escalate(ctx context.Context, resolver Resolver, payload map[string]any, timeout time.Duration, maxHops int) Outcome {
	recheck := truthy(payload["recheck"])
	rawURL, _ := payload["url"].(string)
	if strings.TrimSpace(rawURL) == "" {
		return suspicious(payload, redirect.History{URLs: []string{}, Kinds: []redirect.Kind{}, Counters: []string{}})
	}

	h := resolver.Walk(ctx, rawURL, timeout, maxHops)
	if h.Failed() {
		if !recheck {
			out := copyPayload(payload)
			out["recheck"] = true
			return Outcome{Action: ActionRequeue, Name: OutcomeRequeue, Payload: out, History: h}
		}
		return suspicious(payload, h)
	}

	checkType := CheckTypeNormal
	if recheck {
		checkType = CheckTypeRecheck
	}
	out := map[string]any{
		"url_id":     payload["url_id"],
		"url":        rawURL,
		"final_url":  h.FinalURL(),
		"result":     resultOf(h),
		"check_type": checkType,
	}
	if v, ok := payload["suspicious"]; ok {
		out["suspicious"] = v
	}
	return Outcome{Action: ActionFinalize, Name: OutcomeSuccess, Payload: out, History: h}
}

func suspicious(payload map[string]any, h redirect.History) Outcome {
	out := copyPayload(payload)
	out["suspicious"] = true
	out["check_type"] = CheckTypeRecheck
	out["result"] = resultOf(h)
	return Outcome{Action: ActionFinalize, Name: OutcomeSuspicious, Payload: out, History: h}
}

func resultOf(h redirect.History) map[string]any {
	kinds := make([]string, len(h.Kinds))
	for i, k := range h.Kinds {
		kinds[i] = string(k)
	}
	return map[string]any{
		"kinds":    kinds,
		"urls":     append([]string{}, h.URLs...),
		"counters": append([]string{}, h.Counters...),
	}
}

func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// truthy accepts the shapes a flag takes after a JSON round trip.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t == "true" || t == "1"
	default:
		return false
	}
}
