package repository

import (
	"sort"
	"sync/atomic"
)

// IDSource hands out repository ids. Ids start at 1 and are never reused.
type IDSource struct {
	last atomic.Int64
}

// Next returns the next unused id.
func (s *IDSource) Next() int {
	return int(s.last.Add(1))
}

// Set maps ids to repositories. It is not safe for concurrent use; the
// coordinator is its only owner.
type Set struct {
	repos map[int]*Repository
}

// NewSet returns an empty Set.
func NewSet() *Set {
	return &Set{repos: make(map[int]*Repository)}
}

// Put stores repo under its id.
func (s *Set) Put(repo *Repository) {
	s.repos[repo.ID()] = repo
}

// Get returns the repository with the given id.
func (s *Set) Get(id int) (*Repository, bool) {
	repo, ok := s.repos[id]
	return repo, ok
}

// Delete drops the repository with the given id.
func (s *Set) Delete(id int) {
	delete(s.repos, id)
}

// Len returns the number of repositories.
func (s *Set) Len() int {
	return len(s.repos)
}

// All returns every repository in ascending id order.
func (s *Set) All() []*Repository {
	out := make([]*Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Owner returns the first repository, in ascending id order, holding
// containerID in any slot.
func (s *Set) Owner(containerID string) (*Repository, Role) {
	for _, repo := range s.All() {
		if role := repo.Slot(containerID); role != RoleNone {
			return repo, role
		}
	}
	return nil, RoleNone
}
