// Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
package link

import (
	"context"
	"sync"
	"time"

	"github.com/teris-io/shortid"

	"github.com/nvidia/llmdatadist/errs"
)

// CommFactory builds a Communicator for a newly-created entity; injected so
// Manager stays decoupled from any concrete collective-library binding
// (spec §9's "inject an implementation" guidance).
type CommFactory func(clusterName string) (Communicator, error)

// Manager is the LinkManager of spec §4.5: serialises Connect/Disconnect
// (here, Link/Unlink) via a single process-wide mutex and owns every
// CommEntity by comm_id.
type Manager struct {
	linkMu sync.Mutex // process-wide link mutex (spec §4.5)

	mu       sync.Mutex
	entities map[string]*Entity

	sidGen  *shortid.Shortid
	factory CommFactory

	localMemInfo func() ExchangeMemInfo
	prepTimeout  time.Duration
}

func NewManager(factory CommFactory, localMemInfo func() ExchangeMemInfo, prepTimeout time.Duration) (*Manager, error) {
	sid, err := shortid.New(1, shortid.DefaultABC, 0xC0FFEE)
	if err != nil {
		return nil, err
	}
	return &Manager{
		entities:     make(map[string]*Entity),
		sidGen:       sid,
		factory:      factory,
		localMemInfo: localMemInfo,
		prepTimeout:  prepTimeout,
	}, nil
}

// Link implements spec §6.1 Link(cluster_name, cluster→rank map, rank_table,
// out comm_id): creates a CommEntity, runs the collective init and
// memory-descriptor exchange, and returns the new comm_id. On any failure
// the half-built entity is torn down via a ScopeGuard-equivalent inline
// cleanup before the error is returned.
func (m *Manager) Link(ctx context.Context, clusterName, rankTable string, ranks map[string]int) (string, error) {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	commID, err := m.sidGen.Generate()
	if err != nil {
		return "", errs.Wrap(errs.Failed, "generate comm_id", err)
	}

	comm, err := m.factory(clusterName)
	if err != nil {
		return "", errs.Wrap(errs.LinkFailed, "create communicator", err)
	}
	entity := NewEntity(commID, clusterName, comm)

	m.mu.Lock()
	m.entities[commID] = entity
	m.mu.Unlock()

	if err := comm.InitComm(ctx, clusterName, rankTable, ranks); err != nil {
		m.removeEntity(commID)
		return "", errs.Wrap(errs.LinkFailed, "init communicator", err)
	}

	if err := entity.Prepare(ctx, m.localMemInfo(), m.prepTimeout); err != nil {
		m.removeEntity(commID)
		return "", err
	}

	return commID, nil
}

// Unlink implements spec §6.1 Unlink(comm_id).
func (m *Manager) Unlink(commID string) error {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()

	entity, ok := m.get(commID)
	if !ok {
		return errs.New(errs.NotYetLink, "unknown comm_id")
	}
	err := entity.Unlink()
	m.removeEntity(commID)
	return err
}

// QueryRegisterMemStatus implements spec §6.1.
func (m *Manager) QueryRegisterMemStatus(commID string) (RegisterStatus, error) {
	entity, ok := m.get(commID)
	if !ok {
		return RegFailed, errs.New(errs.NotYetLink, "unknown comm_id")
	}
	return entity.RegisterStatus(), nil
}

func (m *Manager) Get(commID string) (*Entity, error) {
	entity, ok := m.get(commID)
	if !ok {
		return nil, errs.New(errs.NotYetLink, "unknown comm_id")
	}
	return entity, nil
}

func (m *Manager) get(commID string) (*Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[commID]
	return e, ok
}

func (m *Manager) removeEntity(commID string) {
	m.mu.Lock()
	delete(m.entities, commID)
	m.mu.Unlock()
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entities)
}
