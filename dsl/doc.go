// Package dsl defines the declarative workflow definition model: the typed
// node tree, its validation rules, JSON/YAML serialization, and the
// restricted condition expression evaluator.
//
// A Definition is an arena of nodes keyed by id. Control flow is expressed
// through explicit child slots (next, then, else, loop_body, branches) that
// reference node ids; a node belongs to exactly one parent slot. Loops and
// parallel branches are first-class variants with bounded iteration, never
// general recursion.
package dsl
