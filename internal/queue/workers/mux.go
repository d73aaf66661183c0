package workers

import (
	"github.com/hibiken/asynq"

	"github.com/joaniekitchen/backend/internal/apikey"
	"github.com/joaniekitchen/backend/internal/queue"
)

// NewMux wires every worker to its task type.
func NewMux(keys *apikey.Service) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(queue.TypeKeySweep, NewSweepWorker(keys))
	mux.Handle(queue.TypeUsageRecord, NewUsageWorker(keys))
	return mux
}
