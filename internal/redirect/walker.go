package redirect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/redirect-resolver/internal/metrics"
)

// History is the record of one walk. URLs starts with the input URL; Kinds
// holds one entry per followed transition, plus a trailing ERROR when the
// last fetch failed. Counters are deduplicated in order of first discovery.
type History struct {
	URLs     []string `json:"urls"`
	Kinds    []Kind   `json:"kinds"`
	Counters []string `json:"counters"`
}

// LastKind returns the last recorded kind, if any.
func (h History) LastKind() (Kind, bool) {
	if len(h.Kinds) == 0 {
		return "", false
	}
	return h.Kinds[len(h.Kinds)-1], true
}

// Failed reports whether the walk ended in a fetch error.
func (h History) Failed() bool {
	k, ok := h.LastKind()
	return ok && k == KindError
}

// FinalURL returns the last visited URL.
func (h History) FinalURL() string {
	return h.URLs[len(h.URLs)-1]
}

// Walker follows redirect chains.
type Walker struct {
	classifier *Classifier
	policy     Policy
	logger     *zap.Logger
}

// NewWalker builds a walker around classifier. Dead-end checks use policy.
func NewWalker(classifier *Classifier, policy Policy, logger *zap.Logger) *Walker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Walker{classifier: classifier, policy: policy, logger: logger}
}

// Walk classifies hops starting at start until a terminal page, a fetch
// error, a dead-end host or maxHops transitions.
func (w *Walker) Walk(ctx context.Context, start string, timeout time.Duration, maxHops int) History {
	h := History{URLs: []string{start}, Kinds: []Kind{}, Counters: []string{}}
	if w.policy.IsDeadEnd(start) {
		w.logger.Debug("start url is a dead end", zap.String("url", start))
		return h
	}

	seen := make(map[string]struct{})
	for hops := 0; hops < maxHops; hops++ {
		hop := w.classifier.Classify(ctx, h.FinalURL(), timeout)
		metrics.ObserveHop(string(hop.Kind))
		for _, name := range DetectCounters(hop.Body) {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				h.Counters = append(h.Counters, name)
			}
		}

		switch hop.Kind {
		case KindError:
			h.Kinds = append(h.Kinds, KindError)
			w.logger.Debug("fetch failed", zap.String("url", hop.Source), zap.Error(hop.Err))
			return h
		case KindNone:
			return h
		}

		h.Kinds = append(h.Kinds, hop.Kind)
		h.URLs = append(h.URLs, hop.Target)
		w.logger.Debug("redirect found",
			zap.String("url", hop.Source),
			zap.String("target", hop.Target),
			zap.String("kind", string(hop.Kind)))
		if w.policy.IsDeadEnd(hop.Target) {
			return h
		}
	}
	return h
}
