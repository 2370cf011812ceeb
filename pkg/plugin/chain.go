package plugin

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stacklok/mcp-proxy/pkg/metrics"
	"github.com/stacklok/mcp-proxy/pkg/perrors"
)

// Chain executes the ordered per-(backend,phase) plugin pipeline, backed
// by a shared Registry of plugin worker pools.
type Chain struct {
	registry *Registry

	mu          sync.RWMutex
	assignments map[string]map[Phase][]Assignment
}

// NewChain returns an empty Chain bound to registry.
func NewChain(registry *Registry) *Chain {
	return &Chain{registry: registry, assignments: make(map[string]map[Phase][]Assignment)}
}

// SetAssignments installs backend's plugin list for phase, stably sorted
// by Order ascending per this design.
func (c *Chain) SetAssignments(backend string, phase Phase, list []Assignment) {
	sorted := make([]Assignment, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.assignments[backend] == nil {
		c.assignments[backend] = make(map[Phase][]Assignment)
	}
	c.assignments[backend][phase] = sorted
}

func (c *Chain) assignmentsFor(backend string, phase Phase) []Assignment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assignments[backend][phase]
}

// Execute runs backend's phase chain against input. A plugin-chosen
// continue_:false stops the chain and is returned as-is, which lets a
// request-phase plugin block a request. A plugin execution error or
// timeout fails open: the chain stops and returns the last good content
// with continue_:true. The returned error is always nil.
func (c *Chain) Execute(ctx context.Context, backend string, phase Phase, input Input) (Output, error) {
	assignments := c.assignmentsFor(backend, phase)
	content := input.RawContent
	aggregated := make(map[string]any, len(assignments))

	for _, a := range assignments {
		if !a.Enabled {
			continue
		}

		timeout := c.registry.DefaultTimeout()
		if a.TimeoutMS != nil {
			timeout = time.Duration(*a.TimeoutMS) * time.Millisecond
		}

		stepInput := input
		stepInput.RawContent = content

		metrics.PluginExecutionsTotal.WithLabelValues(a.PluginName, string(phase)).Inc()
		out, err := c.registry.Execute(ctx, a.PluginName, stepInput, timeout)
		if err != nil {
			if perrors.IsTimeout(err) {
				metrics.PluginTimeoutsTotal.WithLabelValues(a.PluginName, string(phase)).Inc()
			}
			// this design step 2c/2d: every execution error, timeout or
			// otherwise, fails open — the chain stops and returns the last
			// known good content rather than propagating the error.
			return Output{Text: content, Continue_: true, Metadata: aggregated}, nil
		}

		aggregated[a.PluginName] = out.Metadata
		content = out.Text

		if !out.Continue_ {
			return Output{
				Text:      out.Text,
				Continue_: false,
				Error:     out.Error,
				Metadata:  aggregated,
			}, nil
		}
	}

	return Output{Text: content, Continue_: true, Metadata: aggregated}, nil
}

// ExecuteSafe wraps Execute so it never returns an error: an error from
// Execute would surface as {text: original, continue_: true, metadata: {}}.
// Execute already fails open on plugin errors, so its result is returned
// unchanged. The Request Handler uses this on the response phase.
func (c *Chain) ExecuteSafe(ctx context.Context, backend string, phase Phase, input Input) Output {
	out, err := c.Execute(ctx, backend, phase, input)
	if err != nil {
		return Output{Text: input.RawContent, Continue_: true, Metadata: map[string]any{}}
	}
	return out
}
