// Package version manages immutable workflow definition versions: monotonic
// version numbers per workflow, a single active version per (tenant,
// workflow), and atomic publish/rollback swaps.
//
// The same publish/rollback contract is exposed generically for other
// versioned artifact types (model packs, rule sets) through the Deployer
// interface, which deploy and rollback nodes delegate to.
package version
