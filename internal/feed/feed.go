// Package feed adapts price subscription transports into a stream of ticks.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"strings"

	xerrors "listen-engine/internal/errors"
)

// DefaultBuffer is the capacity of the tick channel handed to the engine.
const DefaultBuffer = 1000

// Tick is one price observation for an asset. The wire field for the asset is
// "pubkey" because assets are identified by their mint address.
type Tick struct {
	Asset string  `json:"pubkey"`
	Price float64 `json:"price"`
	Slot  uint64  `json:"slot"`
}

// Subscriber delivers ticks into out until ctx is cancelled or the transport fails.
type Subscriber interface {
	Run(ctx context.Context, out chan<- Tick) error
	Close() error
}

// Decode parses a tick message and rejects ones the engine cannot use.
func Decode(body []byte) (Tick, error) {
	var t Tick
	if err := json.Unmarshal(body, &t); err != nil {
		return Tick{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed tick")
	}
	t.Asset = strings.TrimSpace(t.Asset)
	if t.Asset == "" {
		return Tick{}, xerrors.New(xerrors.CodeInvalidArgument, "tick has no asset")
	}
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) {
		return Tick{}, xerrors.New(xerrors.CodeInvalidArgument, "tick price is not finite",
			xerrors.WithMetadata("asset", t.Asset))
	}
	return t, nil
}

// forward decodes body and blocks until the tick is accepted or ctx ends.
// Malformed messages are logged and dropped.
func forward(ctx context.Context, log *slog.Logger, body []byte, out chan<- Tick) error {
	t, err := Decode(body)
	if err != nil {
		log.Warn("dropping tick", slog.Any("error", err))
		return nil
	}
	select {
	case out <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
