package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/queue"
)

// SweepWorker revokes keys that are past their expiry. Expired keys
// already fail validation without this; the sweep only makes the state
// visible in listings.
type SweepWorker struct {
	keys *apikey.Service
}

func NewSweepWorker(keys *apikey.Service) *SweepWorker {
	return &SweepWorker{keys: keys}
}

func (w *SweepWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.KeySweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	n, err := w.keys.SweepExpired(ctx, payload.AutoRevoke)
	if err != nil {
		return fmt.Errorf("sweep expired keys: %w", err)
	}

	slog.Info("expired key sweep complete", "count", n, "auto_revoke", payload.AutoRevoke)
	return nil
}
