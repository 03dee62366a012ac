// Package scheduler picks the next batch of nodes to dispatch from a refreshed
// resolver, honouring targets, batch size, the parallel limit and modules that
// must run alone.
package scheduler
