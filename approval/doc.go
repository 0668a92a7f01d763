// Package approval manages human approval gates. An approval node suspends
// its instance and opens exactly one pending request per (instance, node);
// a decision by a listed approver, or the timeout policy, releases the gate.
package approval
