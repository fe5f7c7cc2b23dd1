// Package cluster maintains the membership view the invocation core
// consults before every remote dispatch. The view is read-mostly: the
// invocation path only reads it, while heartbeats and the optional store
// sync mutate it in the background.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/store"
)

// Registry manages the grid membership view.
type Registry struct {
	store               *store.PostgresStore
	localID             string
	members             map[string]*Member // keyed by Address.String()
	mu                  sync.RWMutex
	healthCheckInterval time.Duration
	heartbeatTimeout    time.Duration
	stopCh              chan struct{}
	stopOnce            sync.Once
}

// Config holds membership registry configuration.
type Config struct {
	MemberID            string
	HealthCheckInterval time.Duration
	HeartbeatTimeout    time.Duration
}

// DefaultConfig returns default membership configuration.
func DefaultConfig(memberID string) *Config {
	return &Config{
		MemberID:            memberID,
		HealthCheckInterval: 30 * time.Second,
		HeartbeatTimeout:    60 * time.Second,
	}
}

// NewRegistry creates a new membership registry. A nil store disables
// persistence and store-based discovery.
func NewRegistry(s *store.PostgresStore, cfg *Config) *Registry {
	if cfg == nil {
		cfg = DefaultConfig("member-local")
	}

	return &Registry{
		store:               s,
		localID:             cfg.MemberID,
		members:             make(map[string]*Member),
		healthCheckInterval: cfg.HealthCheckInterval,
		heartbeatTimeout:    cfg.HeartbeatTimeout,
		stopCh:              make(chan struct{}),
	}
}

// RegisterMember adds a member to the view and persists it.
func (r *Registry) RegisterMember(ctx context.Context, m *Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	m.UpdatedAt = now
	m.LastHeartbeat = now
	if m.JoinedAt.IsZero() {
		m.JoinedAt = now
	}
	if m.State == "" {
		m.State = MemberStateActive
	}

	if r.store != nil {
		rec := &store.MemberRecord{
			ID:            m.ID,
			Address:       m.Address.String(),
			State:         string(m.State),
			Version:       m.Version,
			Lite:          m.Lite,
			LastHeartbeat: m.LastHeartbeat,
		}
		if err := r.store.UpsertMember(ctx, rec); err != nil {
			logging.Op().Warn("failed to persist member registration", "id", m.ID, "error", err)
		}
	}

	r.members[m.Address.String()] = m

	logging.Op().Info("member registered", "id", m.ID, "address", m.Address.String())
	return nil
}

// UpdateHeartbeat refreshes the heartbeat timestamp for a member.
func (r *Registry) UpdateHeartbeat(ctx context.Context, addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[addr.String()]
	if !exists {
		return fmt.Errorf("member %s not found", addr)
	}

	m.LastHeartbeat = time.Now()

	if r.store != nil {
		if err := r.store.UpdateMemberHeartbeat(ctx, m.ID); err != nil {
			logging.Op().Warn("failed to persist heartbeat", "member", m.ID, "error", err)
		}
	}

	return nil
}

// GetMember returns the member at the given address, or nil when the
// address is not part of the current view. The invocation core uses the
// nil result to classify a dispatch target as not-a-member.
func (r *Registry) GetMember(addr Address) *Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members[addr.String()]
}

// Members returns a snapshot of all known members.
func (r *Registry) Members() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	return members
}

// HealthyMembers returns all members currently considered alive.
func (r *Registry) HealthyMembers() []*Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]*Member, 0)
	for _, m := range r.members {
		if m.IsHealthy(r.heartbeatTimeout) {
			members = append(members, m)
		}
	}
	return members
}

// RemoveMember drops a member from the view and the store.
func (r *Registry) RemoveMember(ctx context.Context, addr Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[addr.String()]
	delete(r.members, addr.String())

	if r.store != nil && exists {
		if err := r.store.DeleteMember(ctx, m.ID); err != nil {
			logging.Op().Warn("failed to delete member from store", "id", m.ID, "error", err)
		}
	}

	logging.Op().Info("member removed", "address", addr.String())
	return nil
}

// SyncFromStore refreshes the membership view from the persistent store.
// This acts as a simple distributed consistency mechanism without
// requiring a dedicated gossip layer.
func (r *Registry) SyncFromStore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	records, err := r.store.ListActiveMembers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	seen := make(map[string]struct{}, len(records))

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		addr, err := ParseAddress(rec.Address)
		if err != nil {
			logging.Op().Warn("skipping member with bad address", "id", rec.ID, "address", rec.Address)
			continue
		}
		seen[rec.ID] = struct{}{}

		m, exists := r.members[addr.String()]
		if !exists {
			m = &Member{ID: rec.ID}
			r.members[addr.String()] = m
		}

		m.Address = addr
		m.State = coerceMemberState(rec.State)
		m.Version = rec.Version
		m.Lite = rec.Lite
		m.LastHeartbeat = rec.LastHeartbeat
		m.JoinedAt = rec.JoinedAt
		m.UpdatedAt = rec.UpdatedAt
	}

	for key, m := range r.members {
		if m.ID == r.localID {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		if now.Sub(m.LastHeartbeat) > r.heartbeatTimeout {
			delete(r.members, key)
		}
	}

	return nil
}

// StartHealthChecker runs the background membership health loop until the
// context is cancelled or Stop is called.
func (r *Registry) StartHealthChecker(ctx context.Context) {
	ticker := time.NewTicker(r.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.SyncFromStore(ctx); err != nil {
				logging.Op().Warn("membership sync failed", "error", err)
			}
			r.checkMemberHealth()
		}
	}
}

func (r *Registry) checkMemberHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.members {
		if !m.IsHealthy(r.heartbeatTimeout) && m.State == MemberStateActive {
			logging.Op().Warn("member became unhealthy", "id", m.ID, "last_heartbeat", m.LastHeartbeat)
			m.State = MemberStateInactive
		}
	}
}

// Stop stops the registry's background loops.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func coerceMemberState(raw string) MemberState {
	switch MemberState(raw) {
	case MemberStateActive, MemberStateInactive, MemberStateLeaving:
		return MemberState(raw)
	default:
		return MemberStateActive
	}
}
