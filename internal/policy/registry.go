// Package policy tracks active vehicle policies per SACCO on the durable
// object core. Claims are only accepted against a registered, active policy.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bimaledger/internal/durable"
)

var (
	// ErrVehicleExists is returned when registering an already-known vehicle.
	ErrVehicleExists = errors.New("policy: vehicle already registered")

	// ErrNoActivePolicy is returned when a claim targets a vehicle without an
	// active policy.
	ErrNoActivePolicy = errors.New("policy: no active policy for vehicle")
)

const stateKeyVehicles = "vehicles"

// Registry is the per-SACCO policy book.
type Registry struct {
	saccoID string
	obj     *durable.Object
}

// New creates a registry named "policies:<saccoID>".
func New(saccoID string, sink durable.Sink, syncInterval time.Duration) *Registry {
	return &Registry{
		saccoID: saccoID,
		obj:     durable.NewObject("policies:"+saccoID, durable.KindObject, sink, syncInterval),
	}
}

func (r *Registry) SaccoID() string { return r.saccoID }

// Object exposes the underlying durable object.
func (r *Registry) Object() *durable.Object { return r.obj }

// Restore hydrates the policy book from the durable sink. Call before Start.
func (r *Registry) Restore(ctx context.Context) error { return r.obj.Restore(ctx) }

func (r *Registry) Start(ctx context.Context) error { return r.obj.Start(ctx) }

func (r *Registry) Shutdown(ctx context.Context) error { return r.obj.Shutdown(ctx) }

func (r *Registry) guard() error {
	switch r.obj.Lifecycle() {
	case durable.StateShuttingDown, durable.StateStopped:
		return durable.ErrNotRunning
	}
	return nil
}

// RegisterVehicle adds an active policy for a vehicle registration.
func (r *Registry) RegisterVehicle(reg string, driver map[string]any) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.obj.Update(func(state map[string]any) error {
		vehicles := vehicleBook(state)
		if _, ok := vehicles[reg]; ok {
			return fmt.Errorf("%w: %s", ErrVehicleExists, reg)
		}
		vehicles[reg] = map[string]any{
			"driver":        driver,
			"active":        true,
			"claims":        []any{},
			"registered_at": time.Now().UTC().Format(time.RFC3339),
		}
		return nil
	})
}

// Deactivate marks a vehicle's policy inactive. Unknown vehicles are a no-op.
func (r *Registry) Deactivate(reg string) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.obj.Update(func(state map[string]any) error {
		if v, ok := vehicleBook(state)[reg].(map[string]any); ok {
			v["active"] = false
		}
		return nil
	})
}

// HasActivePolicy reports whether the vehicle carries an active policy.
func (r *Registry) HasActivePolicy(reg string) bool {
	var active bool
	r.obj.View(func(state map[string]any) {
		if v, ok := vehicleBook(state)[reg].(map[string]any); ok {
			active, _ = v["active"].(bool)
		}
	})
	return active
}

// AttachClaim appends a claim reference to the vehicle's policy.
func (r *Registry) AttachClaim(reg, claimID string, amount float64) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.obj.Update(func(state map[string]any) error {
		v, ok := vehicleBook(state)[reg].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoActivePolicy, reg)
		}
		if active, _ := v["active"].(bool); !active {
			return fmt.Errorf("%w: %s", ErrNoActivePolicy, reg)
		}
		claimsList, _ := v["claims"].([]any)
		v["claims"] = append(claimsList, map[string]any{
			"id":           claimID,
			"amount":       amount,
			"submitted_at": time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
}

// ActiveVehicles returns the number of vehicles with active policies.
func (r *Registry) ActiveVehicles() int {
	var n int
	r.obj.View(func(state map[string]any) {
		for _, raw := range vehicleBook(state) {
			if v, ok := raw.(map[string]any); ok {
				if active, _ := v["active"].(bool); active {
					n++
				}
			}
		}
	})
	return n
}

func vehicleBook(state map[string]any) map[string]any {
	vehicles, ok := state[stateKeyVehicles].(map[string]any)
	if !ok {
		vehicles = make(map[string]any)
		state[stateKeyVehicles] = vehicles
	}
	return vehicles
}
