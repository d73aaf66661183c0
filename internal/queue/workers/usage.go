package workers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/models"
	"github.com/joaniekitchen/backend/internal/queue"
)

// UsageWorker persists usage events spilled from the API process.
type UsageWorker struct {
	keys *apikey.Service
}

func NewUsageWorker(keys *apikey.Service) *UsageWorker {
	return &UsageWorker{keys: keys}
}

func (w *UsageWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.UsageRecordPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	var ev models.APIKeyUsage
	if err := json.Unmarshal(payload.Event, &ev); err != nil {
		return fmt.Errorf("unmarshal usage event: %w", err)
	}

	if err := w.keys.RecordUsage(ctx, &ev); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
