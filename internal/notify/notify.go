// Package notify announces finished research results on chat platforms.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/deep-research/internal/research"
)

// Notifier announces a finished result.
type Notifier interface {
	Notify(ctx context.Context, res research.Result) error
}

// Multi fans a result out to several notifiers. Every notifier is tried;
// the errors are joined.
type Multi struct {
	notifiers []Notifier
	logger    *zap.Logger
}

func NewMulti(logger *zap.Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, logger: logger}
}

func (m *Multi) Len() int { return len(m.notifiers) }

func (m *Multi) Notify(ctx context.Context, res research.Result) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, res); err != nil {
			m.logger.Warn("notifier failed", zap.String("task", res.TaskID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// title is the one-line headline of a result.
func title(res research.Result) string {
	if res.Status == research.StatusFailed {
		return "Research failed: " + res.Query
	}
	return "Research completed: " + res.Query
}

// steps renders StepsCompleted as "doc_analysis ✗, report ✓, ...".
func steps(res research.Result) string {
	names := make([]string, 0, len(res.StepsCompleted))
	for k := range res.StepsCompleted {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, k := range names {
		mark := "✗"
		if res.StepsCompleted[k] {
			mark = "✓"
		}
		parts = append(parts, k+" "+mark)
	}
	return strings.Join(parts, ", ")
}

// excerpt shortens the report to at most max runes.
func excerpt(report string, max int) string {
	report = strings.TrimSpace(report)
	if utf8.RuneCountInString(report) <= max {
		return report
	}
	r := []rune(report)
	return string(r[:max-1]) + "…"
}

func summary(res research.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", title(res))
	fmt.Fprintf(&b, "Task: %s\nSteps: %s\nDuration: %s", res.TaskID, steps(res), res.Duration.Round(time.Second))
	if res.Error != "" {
		fmt.Fprintf(&b, "\nLast error: %s", res.Error)
	}
	return b.String()
}
