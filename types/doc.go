// Package types defines shared types used across the Floweave engine:
// structured errors with workflow error codes, and the actor/tenant
// identity attached to every workflow instance.
package types
