package assignment

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo is an in-memory Repository for tests and local runs. It keeps
// the same locking discipline as the Postgres implementation: one exclusive
// lock per assignment row held across the whole Mutate closure.
//
// Lock order: r.mu may be acquired while holding a row.mu (Mutate closures
// read workers and tasks mid-mutation), never the reverse. Methods that need
// both therefore take r.mu only for the map lookup, release it, and lock the
// row afterwards. row.a is read and written under row.mu only.

type MemoryRepo struct {
	mu      sync.Mutex
	tasks   map[string]Task
	workers map[string]Worker
	rows    map[string]*memoryRow
}

type memoryRow struct {
	mu sync.Mutex
	a  Assignment
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		tasks:   make(map[string]Task),
		workers: make(map[string]Worker),
		rows:    make(map[string]*memoryRow),
	}
}

func (r *MemoryRepo) PutTask(t Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.AmazonID] = t
}

func (r *MemoryRepo) GetTask(ctx context.Context, amazonID string) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[amazonID]
	if !ok || !t.Enabled {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepo) LatestTask(ctx context.Context) (Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest Task
	var found bool
	for _, t := range r.tasks {
		if !t.Enabled {
			continue
		}
		if !found || t.CreatedAt.After(latest.CreatedAt) {
			latest = t
			found = true
		}
	}
	if !found {
		return Task{}, ErrNotFound
	}
	return latest, nil
}

func (r *MemoryRepo) UpsertWorker(ctx context.Context, w Worker) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.workers[w.AmazonID]; ok {
		// Keep already-collected display attributes unless overwritten.
		if w.Name == "" {
			w.Name = cur.Name
		}
		if w.Gender == "" {
			w.Gender = cur.Gender
		}
		w.CreatedAt = cur.CreatedAt
	} else if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	r.workers[w.AmazonID] = w
	return w, nil
}

func (r *MemoryRepo) GetWorker(ctx context.Context, amazonID string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[amazonID]
	if !ok {
		return Worker{}, ErrNotFound
	}
	return w, nil
}

func (r *MemoryRepo) UpdateWorkerName(ctx context.Context, amazonID, name string, gender Gender) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[amazonID]
	if !ok {
		return ErrNotFound
	}
	w.Name = name
	w.Gender = gender
	r.workers[amazonID] = w
	return nil
}

func (r *MemoryRepo) Upsert(ctx context.Context, a Assignment) (Assignment, error) {
	r.mu.Lock()
	row, ok := r.rows[a.AmazonID]
	if !ok {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now().UTC()
		}
		r.rows[a.AmazonID] = &memoryRow{a: cloneAssignment(a)}
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	row.mu.Lock()
	defer row.mu.Unlock()
	// Handshake refresh: identity fields only, call state untouched.
	row.a.TaskID = a.TaskID
	row.a.WorkerID = a.WorkerID
	if a.UserAgent != "" {
		row.a.UserAgent = a.UserAgent
	}
	return cloneAssignment(row.a), nil
}

func (r *MemoryRepo) Get(ctx context.Context, amazonID string) (Assignment, error) {
	r.mu.Lock()
	row, ok := r.rows[amazonID]
	r.mu.Unlock()
	if !ok {
		return Assignment{}, ErrNotFound
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return cloneAssignment(row.a), nil
}

func (r *MemoryRepo) Mutate(ctx context.Context, amazonID string, fn func(a *Assignment, task Task) error) error {
	r.mu.Lock()
	row, ok := r.rows[amazonID]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	// TaskID must be read under the row lock; a concurrent handshake may be
	// rewriting it.
	r.mu.Lock()
	task, haveTask := r.tasks[row.a.TaskID]
	r.mu.Unlock()
	if !haveTask {
		return ErrNotFound
	}

	working := cloneAssignment(row.a)
	if err := fn(&working, task); err != nil {
		return err
	}
	row.a = working
	return nil
}

func cloneAssignment(a Assignment) Assignment {
	out := a
	out.WordsToPronounce = append([]string(nil), a.WordsToPronounce...)
	out.Progress = append([]string(nil), a.Progress...)
	return out
}
