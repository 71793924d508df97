package events

// Updated is raised for a document stored by an upstream stage of a
// composite projection.
type Updated[T any] struct {
	Entity   T
	TenantID string
}

// ProjectionDeleted is raised for a document deleted by an upstream stage of
// a composite projection.
type ProjectionDeleted[TId comparable] struct {
	Identity TId
	TenantID string
}
