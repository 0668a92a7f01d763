// Package engine interprets workflow definitions. Each instance runs on its
// own goroutine, walking the node tree depth-first, committing a checkpoint
// after every completed node, and suspending on wait and approval nodes. A
// suspended or crashed instance resumes by re-walking the tree from its
// latest checkpoint, skipping nodes already completed.
package engine
