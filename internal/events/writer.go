package events

import (
	"context"
	"database/sql"
	"time"
)

// Writer appends delivery attempts to the notifications journal.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Delivery is one outbound attempt. Err is nil when the channel accepted the message.
type Delivery struct {
	Recipient int64
	Kind      string
	Message   string
	Err       error
}

// Append records d and returns the journal id.
func (w Writer) Append(ctx context.Context, d Delivery) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	delivered := 1
	var errText any
	if d.Err != nil {
		delivered = 0
		errText = d.Err.Error()
	}
	res, err := w.DB.ExecContext(ctx, `INSERT INTO notifications(recipient,kind,message,delivered,error,created_at) VALUES (?,?,?,?,?,?)`,
		d.Recipient, d.Kind, d.Message, delivered, errText, now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
