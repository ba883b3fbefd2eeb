package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Engine is the slice of the platform the command handler drives.
type Engine interface {
	SpendCredits(ctx context.Context, modelID string, amount float64, meta map[string]string) error
	SubmitClaimCommand(ctx context.Context, saccoID, vehicleReg string, amount float64, fields map[string]any) error
}

// SpendCommand debits credits from a model's ledger.
type SpendCommand struct {
	ModelID string            `json:"model_id"`
	Amount  float64           `json:"amount"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// SubmitClaimCommand submits a claim against a vehicle policy.
type SubmitClaimCommand struct {
	SaccoID    string         `json:"sacco_id"`
	VehicleReg string         `json:"vehicle_reg"`
	Amount     float64        `json:"amount"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Handler subscribes to NATS command topics and delegates to the engine.
type Handler struct {
	engine Engine
	nc     *nats.Conn
	subs   []*nats.Subscription
}

func NewHandler(engine Engine, nc *nats.Conn) *Handler {
	return &Handler{engine: engine, nc: nc}
}

// Start subscribes to command topics and blocks until ctx is cancelled (graceful shutdown).
func (h *Handler) Start(ctx context.Context) error {
	s1, err := h.nc.QueueSubscribe("commands.credits.spend", "engine_group", func(m *nats.Msg) {
		if err := h.handleSpend(ctx, m.Data); err != nil {
			slog.Error("nats: spend command failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s1)

	s2, err := h.nc.QueueSubscribe("commands.claims.submit", "engine_group", func(m *nats.Msg) {
		if err := h.handleSubmitClaim(ctx, m.Data); err != nil {
			slog.Error("nats: claim command failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	h.subs = append(h.subs, s2)

	slog.Info("NATS command handler is running")

	// Block until context is cancelled.
	<-ctx.Done()
	slog.Info("NATS command handler shutting down, draining subscriptions...")

	for _, s := range h.subs {
		_ = s.Drain()
	}
	return nil
}

func (h *Handler) Stop(ctx context.Context) error {
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (h *Handler) handleSpend(ctx context.Context, data []byte) error {
	var cmd SpendCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("unmarshal spend command: %w", err)
	}
	return h.engine.SpendCredits(ctx, cmd.ModelID, cmd.Amount, cmd.Meta)
}

func (h *Handler) handleSubmitClaim(ctx context.Context, data []byte) error {
	var cmd SubmitClaimCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return fmt.Errorf("unmarshal claim command: %w", err)
	}
	return h.engine.SubmitClaimCommand(ctx, cmd.SaccoID, cmd.VehicleReg, cmd.Amount, cmd.Fields)
}
