package assignment

import "context"

// Repository is the persistence contract for attempts and their read-mostly
// neighbors (tasks, workers).
//
// Mutate is the only way to change an assignment after the handshake: it runs
// fn with the row exclusively locked inside one transaction, so concurrent
// webhook deliveries for the same attempt are serialized and a failing fn
// rolls back everything, progress records included. Deliveries for different
// attempts must not contend.
type Repository interface {
	GetTask(ctx context.Context, amazonID string) (Task, error)
	// LatestTask returns the newest enabled task; previews use it when no
	// task id is supplied.
	LatestTask(ctx context.Context) (Task, error)

	UpsertWorker(ctx context.Context, w Worker) (Worker, error)
	GetWorker(ctx context.Context, amazonID string) (Worker, error)
	// UpdateWorkerName sets the display attributes the worker may edit.
	UpdateWorkerName(ctx context.Context, amazonID, name string, gender Gender) error

	// Upsert creates or refreshes an assignment at handshake time and returns
	// the stored row.
	Upsert(ctx context.Context, a Assignment) (Assignment, error)
	Get(ctx context.Context, amazonID string) (Assignment, error)

	// Mutate loads the assignment and its task under an exclusive row lock,
	// applies fn, and persists the result iff fn returns nil. The task is a
	// read-only snapshot.
	Mutate(ctx context.Context, amazonID string, fn func(a *Assignment, task Task) error) error
}
