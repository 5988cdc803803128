package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Entity kinds recorded in the audit log.
const (
	KindServiceRequest = "service_request"
	KindBay            = "bay"
	KindTechnician     = "technician"
	KindPart           = "part"
	KindRestock        = "restock_request"
	KindInvoice        = "invoice"
	KindPayment        = "payment"
	KindDirectory      = "directory"
	KindConfig         = "config"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes an audit event inside the caller's transaction, so the event
// commits or rolls back together with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sqlx.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, entityID, actorID, string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}
