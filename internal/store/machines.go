package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// CreateMachineParams are the inputs to GetOrCreateMachine. The id is
// client-supplied and stable across runner restarts.
type CreateMachineParams struct {
	ID          string
	Namespace   string
	Metadata    json.RawMessage
	RunnerState json.RawMessage
}

// GetOrCreateMachine resolves a machine record for a connecting runner.
// Reusing an id registered under another namespace is an error.
func (s *Store) GetOrCreateMachine(ctx context.Context, p CreateMachineParams) (*Machine, error) {
	if p.Namespace == "" {
		p.Namespace = DefaultNamespace
	}
	if p.ID == "" {
		return nil, fmt.Errorf("machine id is required")
	}

	var existing Machine
	err := s.ro.GetContext(ctx, &existing, `SELECT * FROM machines WHERE id = ?`, p.ID)
	if err == nil {
		if existing.Namespace != p.Namespace {
			return nil, fmt.Errorf("machine %s: %w", p.ID, ErrNamespaceMismatch)
		}
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := nowMs()
	machine := &Machine{
		ID:                 p.ID,
		Namespace:          p.Namespace,
		CreatedAt:          now,
		UpdatedAt:          now,
		Metadata:           orEmptyObject(p.Metadata),
		MetadataVersion:    1,
		RunnerState:        orEmptyObject(p.RunnerState),
		RunnerStateVersion: 1,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machines (id, namespace, created_at, updated_at, metadata, metadata_version, runner_state, runner_state_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, machine.ID, machine.Namespace, machine.CreatedAt, machine.UpdatedAt,
		string(machine.Metadata), machine.MetadataVersion, string(machine.RunnerState), machine.RunnerStateVersion)
	if err != nil {
		// Concurrent registration of the same id: re-read and namespace-check.
		if getErr := s.ro.GetContext(ctx, &existing, `SELECT * FROM machines WHERE id = ?`, p.ID); getErr == nil {
			if existing.Namespace != p.Namespace {
				return nil, fmt.Errorf("machine %s: %w", p.ID, ErrNamespaceMismatch)
			}
			return &existing, nil
		}
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	return machine, nil
}

// GetMachine fetches one machine scoped to a namespace.
func (s *Store) GetMachine(ctx context.Context, id, namespace string) (*Machine, error) {
	var machine Machine
	err := s.ro.GetContext(ctx, &machine, `SELECT * FROM machines WHERE id = ? AND namespace = ?`, id, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &machine, nil
}

// ListMachines returns all machines in a namespace, most recently active
// first.
func (s *Store) ListMachines(ctx context.Context, namespace string) ([]*Machine, error) {
	machines := []*Machine{}
	err := s.ro.SelectContext(ctx, &machines, `SELECT * FROM machines WHERE namespace = ? ORDER BY active_at DESC`, namespace)
	if err != nil {
		return nil, err
	}
	return machines, nil
}

// UpdateMachineMetadata performs a CAS write of the machine metadata blob.
func (s *Store) UpdateMachineMetadata(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (*VersionedUpdate, error) {
	return s.updateVersioned(ctx, machineMetadataField, id, namespace, value, expectedVersion, true)
}

// UpdateMachineRunnerState performs a CAS write of the runner state. Runner
// state churns on every heartbeat, so it does not touch updated_at.
func (s *Store) UpdateMachineRunnerState(ctx context.Context, id, namespace string, value json.RawMessage, expectedVersion int64) (*VersionedUpdate, error) {
	return s.updateVersioned(ctx, machineRunnerStateField, id, namespace, value, expectedVersion, false)
}

// MarkMachineAlive records a runner heartbeat.
func (s *Store) MarkMachineAlive(ctx context.Context, id, namespace string, at int64) error {
	return s.markMachineLiveness(ctx, id, namespace, true, at)
}

// MarkMachineInactive flips a machine inactive.
func (s *Store) MarkMachineInactive(ctx context.Context, id, namespace string, at int64) error {
	return s.markMachineLiveness(ctx, id, namespace, false, at)
}

func (s *Store) markMachineLiveness(ctx context.Context, id, namespace string, active bool, at int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines
		SET active = ?, active_at = MAX(active_at, ?), seq = seq + 1, updated_at = MAX(updated_at, ?)
		WHERE id = ? AND namespace = ?
	`, boolToInt(active), at, at, id, namespace)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
