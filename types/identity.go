package types

// Actor is the opaque identity that initiated an operation. Authentication
// and authorization happen upstream; the engine only records and propagates
// the identity.
type Actor struct {
	ID     string `json:"id"`
	Tenant string `json:"tenant"`
}

// System is the actor used for engine-driven operations such as timeout
// sweeps and scheduled resumes.
var System = Actor{ID: "system", Tenant: ""}
