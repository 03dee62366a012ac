// Package resolver builds the module graph of a workflow and decides, from
// the files and provenance on disk, which nodes are complete, which can run
// and which are still waiting on a dependency.
package resolver
