package taskname

const (
	// Reconciliation tasks
	WebhookEvent      = "reconcile:webhook:event"
	DepositSubmitted  = "reconcile:deposit:submitted"
	DepositStaleCheck = "reconcile:deposit:stale"
	DepositStaleSweep = "reconcile:deposit:sweep"
)

// WebhookEventPayload references the audit log row written by the gateway.
// The worker re-reads the raw payload from the row rather than carrying it in
// the queue.
type WebhookEventPayload struct {
	AuditLogID string `json:"audit_log_id"`
}

// DepositSubmittedPayload queues a reconciliation pass for one deposit after
// a user submits a transaction hash or an admin re-assigns it.
type DepositSubmittedPayload struct {
	DepositID string `json:"deposit_id"`
}

// DepositStaleCheckPayload targets a single SUBMITTED deposit whose stale
// deadline has passed by the time the task runs.
type DepositStaleCheckPayload struct {
	DepositID string `json:"deposit_id"`
}
