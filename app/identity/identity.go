package identity

import (
	"fmt"
	"sync"
)

// Provider is the external identity/role collaborator. The engine checks
// roles at definition publish time and expands them when resolving stage
// assignments; it never owns the user data.
type Provider interface {
	ResolveRole(role, scope string) ([]string, error)
	GetManager(userID string) (string, error)
	RoleExists(role string) bool
}

// Member is one holder of a role, optionally pinned to a site scope.
type Member struct {
	UserID string
	Site   string
}

// StaticProvider serves role membership from in-memory maps. The dev server
// and the tests use it; production deployments plug their own Provider.
type StaticProvider struct {
	mu       sync.RWMutex
	roles    map[string][]Member
	managers map[string]string
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{
		roles:    map[string][]Member{},
		managers: map[string]string{},
	}
}

func (p *StaticProvider) AddRole(role string, members ...Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[role] = append(p.roles[role], members...)
}

func (p *StaticProvider) SetManager(userID, managerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.managers[userID] = managerID
}

func (p *StaticProvider) ResolveRole(role, scope string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	members, ok := p.roles[role]
	if !ok {
		return nil, fmt.Errorf("unknown role '%s'", role)
	}

	var users []string
	for _, m := range members {
		if scope != "" && m.Site != "" && m.Site != scope {
			continue
		}
		users = append(users, m.UserID)
	}
	return users, nil
}

func (p *StaticProvider) GetManager(userID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	manager, ok := p.managers[userID]
	if !ok {
		return "", fmt.Errorf("no manager configured for user '%s'", userID)
	}
	return manager, nil
}

func (p *StaticProvider) RoleExists(role string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.roles[role]
	return ok
}
