package jobstore

import (
	"sync"

	"github.com/aalto-grader/async-grader/internal/gradertypes"
	"github.com/aalto-grader/async-grader/internal/graderr"
)

// MemStore is an in-memory Store used by tests; it serializes all Updates
// behind a single mutex, matching BoltStore's single-writer behavior.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*gradertypes.Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*gradertypes.Job)}
}

func clone(j *gradertypes.Job) *gradertypes.Job {
	c := *j
	return &c
}

func (s *MemStore) Create(job *gradertypes.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ContainerRef != "" {
		for _, existing := range s.jobs {
			if existing.ContainerRef == job.ContainerRef {
				return graderr.Conflictf("jobstore.create", "container_ref %s already in use", job.ContainerRef)
			}
		}
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *MemStore) Get(id string) (*gradertypes.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, graderr.NotFoundf("jobstore.get", "job not found: %s", id)
	}
	return clone(j), nil
}

func (s *MemStore) FindByContainerRef(ref string) (*gradertypes.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, j := range s.jobs {
		if j.ContainerRef == ref {
			return clone(j), nil
		}
	}
	return nil, graderr.NotFoundf("jobstore.find_by_container_ref", "no job with container_ref %s", ref)
}

func (s *MemStore) Update(id string, mutator Mutator) (*gradertypes.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, graderr.NotFoundf("jobstore.update", "job not found: %s", id)
	}

	next, err := mutator(clone(current))
	if err != nil {
		return nil, err
	}

	if err := checkInvariants(current, next); err != nil {
		return nil, err
	}

	if next.ContainerRef != "" && next.ContainerRef != current.ContainerRef {
		for _, other := range s.jobs {
			if other.ID != next.ID && other.ContainerRef == next.ContainerRef {
				return nil, graderr.Conflictf("jobstore.update", "container_ref %s already in use by job %s", next.ContainerRef, other.ID)
			}
		}
	}

	s.jobs[id] = clone(next)
	return clone(next), nil
}

func (s *MemStore) ListPendingUpload() ([]*gradertypes.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*gradertypes.Job
	for _, j := range s.jobs {
		if isPendingUpload(j) {
			jobs = append(jobs, clone(j))
		}
	}
	sortPendingUpload(jobs)
	return jobs, nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *MemStore) Close() error { return nil }
