package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Recorder appends rows to the activity log. Failures are logged and
// swallowed; a mutation never fails because its audit trail did.
type Recorder struct {
	DB      *sql.DB
	Log     *logrus.Logger
	Now     func() time.Time
	breaker *gobreaker.CircuitBreaker
}

func NewRecorder(db *sql.DB, log *logrus.Logger, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "activity-log",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Recorder{DB: db, Log: log, Now: now, breaker: cb}
}

type Detail map[string]any

// Record writes one activity entry. Safe to call on every successful mutation.
func (r *Recorder) Record(ctx context.Context, actorID, action, entityKind, entityID string, detail Detail) {
	if r == nil || r.DB == nil {
		return
	}
	ts := r.Now().UTC().Format(time.RFC3339)
	if detail == nil {
		detail = Detail{}
	}
	data, err := json.Marshal(detail)
	if err != nil {
		r.warn(err, action)
		return
	}
	_, err = r.breaker.Execute(func() (any, error) {
		_, execErr := r.DB.ExecContext(ctx, `INSERT INTO activity_log(ts,actor_id,action,entity_kind,entity_id,detail_json) VALUES (?,?,?,?,?,?)`,
			ts, actorID, action, entityKind, nullable(entityID), string(data))
		return nil, execErr
	})
	if err != nil {
		r.warn(err, action)
	}
}

func (r *Recorder) warn(err error, action string) {
	if r.Log != nil {
		r.Log.WithError(err).WithField("action", action).Warn("activity record dropped")
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
