package runlog

import "go.jetify.com/typeid"

// NewRunID returns a new sortable, prefixed id for a run.
func NewRunID() string {
	return newID("run")
}

// NewWorkerID returns a new id suitable as a lease owner.
func NewWorkerID() string {
	return newID("wrk")
}

func newID(prefix string) string {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		panic(err)
	}
	return id.String()
}
