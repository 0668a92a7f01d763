// Package checkpoint persists interpreter state at node boundaries and
// drives resume.
//
// After each node completes, the interpreter commits a checkpoint of
// {instance_id, node_id, context snapshot}. At most one checkpoint is
// "current" per instance; a duplicate commit for the same node id overwrites
// rather than appends, so at-least-once delivery from the interpreter is
// safe. Resume reconstructs context from the latest checkpoint and continues
// at the node after the checkpointed one; the checkpointed node is never
// re-executed.
//
// Effectful nodes should be idempotent or carry an idempotency key: a crash
// between a node's effect and its checkpoint commit can re-attempt the node
// on resume. That contract is surfaced to node authors through the
// idempotency_key field on action and mcp configs.
package checkpoint
