package util

import "golang.org/x/sync/errgroup"

// SafeSetLimit caps g at limit goroutines. A limit below 1 is taken as 1, where errgroup
// itself would panic on 0 and run unbounded on a negative value.
func SafeSetLimit(g *errgroup.Group, limit int) {
	g.SetLimit(max(limit, 1))
}
