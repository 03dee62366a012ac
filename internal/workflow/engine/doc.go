// Package engine persists the progress of one run. Every call re-resolves the
// workflow against the files on disk, asks the scheduler what may run next and
// writes the resulting snapshot to engine.json in the run directory.
package engine
