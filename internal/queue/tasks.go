package queue

const (
	TypeKeySweep    = "apikey:sweep"
	TypeUsageRecord = "usage:record"
)

type KeySweepPayload struct {
	AutoRevoke bool `json:"auto_revoke"`
}

// UsageRecordPayload carries a usage event spilled from the API process;
// the worker writes it when the in-process recorder couldn't.
type UsageRecordPayload struct {
	Event []byte `json:"event"` // JSON-encoded models.APIKeyUsage
}
