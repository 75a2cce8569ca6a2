package optimize

import "context"

// None is an optimizer which evaluates the log-density at the
// starting point and exits.
type None struct {
	BaseOptimizer
}

// NewNone creates an optimizer which computes the initial
// log-density only.
func NewNone() *None {
	return &None{}
}

// Run evaluates the starting point.
func (n *None) Run(ctx context.Context, iterations int) error {
	n.begin()
	start := n.startPoint()
	n.l = n.LogDensity(start)
	n.update(n.l, start)
	n.PrintHeader("log_density")
	n.PrintLine(true, n.l)
	n.end(Status{Reason: "no optimization"})
	return nil
}

// Summary returns the run summary.
func (n *None) Summary() Summary {
	s := n.BaseOptimizer.Summary()
	s.Method = "none"
	return s
}
