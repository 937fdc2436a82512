// Package audit is the append-only log of circulation and catalog actions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"librarydesk/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrMissingAction = errors.New("audit entry has no action")
	ErrMissingActor  = errors.New("audit entry has no actor")
)

// Action names a recorded operation.
type Action string

const (
	ActionRequest             Action = "request"
	ActionApprove             Action = "approve"
	ActionReject              Action = "reject"
	ActionRequestReturn       Action = "request-return"
	ActionCancelReturnRequest Action = "cancel-return-request"
	ActionReturn              Action = "return"
	ActionCreateBook          Action = "create-book"
	ActionUpdateBook          Action = "update-book"
	ActionDeactivateBook      Action = "deactivate-book"
	ActionActivateBook        Action = "activate-book"
	ActionPurgeUser           Action = "purge-user"
)

// Entry is what callers hand to Record.
type Entry struct {
	Action   Action
	ActorID  uuid.UUID
	BorrowID uuid.UUID
	BookID   uuid.UUID
	Details  map[string]interface{}
}

// Record is one persisted audit row.
type Record struct {
	ID             int64         `json:"id" db:"id"`
	Action         Action        `json:"action" db:"action"`
	ActorID        uuid.UUID     `json:"actor_id" db:"actor_id"`
	TargetBorrowID uuid.NullUUID `json:"target_borrow_id" db:"target_borrow_id"`
	TargetBookID   uuid.NullUUID `json:"target_book_id" db:"target_book_id"`
	Details        string        `json:"details" db:"details"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// DecodeDetails unmarshals the JSON details payload into v.
func (r Record) DecodeDetails(v interface{}) error {
	if r.Details == "" {
		return nil
	}
	return json.UnmarshalFromString(r.Details, v)
}

// Recorder appends and reads audit records.
type Recorder struct {
	db     *store.DB
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Recorder) { r.tracer = tp.Tracer("librarydesk/audit") }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a recorder on db.
func NewRecorder(db *store.DB, opts ...Option) *Recorder {
	r := &Recorder{
		db:     db,
		tracer: otel.Tracer("librarydesk/audit"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends e through q. It is meant to run inside the transaction of
// the operation it describes, so a failure here aborts that operation.
func (r *Recorder) Record(ctx context.Context, q store.Querier, e Entry) error {
	ctx, span := r.tracer.Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("audit.action", string(e.Action)),
			attribute.String("audit.actor", e.ActorID.String()),
		),
	)
	defer span.End()

	if e.Action == "" {
		return ErrMissingAction
	}
	if e.ActorID == uuid.Nil {
		return ErrMissingActor
	}

	details := ""
	if len(e.Details) > 0 {
		encoded, err := json.MarshalToString(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		details = encoded
	}

	ins := r.db.Builder().Insert("audit_records").Rows(goqu.Record{
		"action":           string(e.Action),
		"actor_id":         e.ActorID,
		"target_borrow_id": nullID(e.BorrowID),
		"target_book_id":   nullID(e.BookID),
		"details":          details,
		"created_at":       r.now(),
	})

	if _, err := store.Exec(ctx, q, ins); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert audit record: %w", err)
	}

	span.SetAttributes(attribute.Bool("record.success", true))
	return nil
}

// ForBorrow returns the records targeting borrowID, oldest first.
func (r *Recorder) ForBorrow(ctx context.Context, borrowID uuid.UUID) ([]Record, error) {
	ctx, span := r.tracer.Start(ctx, "audit.for_borrow",
		trace.WithAttributes(attribute.String("borrow.id", borrowID.String())),
	)
	defer span.End()

	ds := r.selectRecords().
		Where(goqu.C("target_borrow_id").Eq(borrowID)).
		Order(goqu.C("id").Asc())

	var records []Record
	if err := store.Select(ctx, r.db, &records, ds); err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}

	span.SetAttributes(attribute.Int("records.loaded", len(records)))
	return records, nil
}

// Recent returns the latest limit records, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Record, error) {
	ctx, span := r.tracer.Start(ctx, "audit.recent",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	if limit <= 0 {
		limit = 10
	}

	ds := r.selectRecords().
		Order(goqu.C("id").Desc()).
		Limit(uint(limit))

	var records []Record
	if err := store.Select(ctx, r.db, &records, ds); err != nil {
		return nil, fmt.Errorf("query recent audit records: %w", err)
	}
	return records, nil
}

// Stream provides a cursor over the log for projections: records with an id
// above fromID, at most batchSize of them, in id order.
func (r *Recorder) Stream(ctx context.Context, fromID int64, batchSize int) ([]Record, error) {
	ctx, span := r.tracer.Start(ctx, "audit.stream",
		trace.WithAttributes(
			attribute.Int64("from.id", fromID),
			attribute.Int("batch.size", batchSize),
		),
	)
	defer span.End()

	if batchSize <= 0 {
		batchSize = 100
	}

	ds := r.selectRecords().
		Where(goqu.C("id").Gt(fromID)).
		Order(goqu.C("id").Asc()).
		Limit(uint(batchSize))

	var records []Record
	if err := store.Select(ctx, r.db, &records, ds); err != nil {
		return nil, fmt.Errorf("query audit stream: %w", err)
	}

	span.SetAttributes(attribute.Int("records.streamed", len(records)))
	return records, nil
}

func (r *Recorder) selectRecords() *goqu.SelectDataset {
	return r.db.Builder().From("audit_records").Select(
		"id", "action", "actor_id", "target_borrow_id", "target_book_id", "details", "created_at",
	)
}

func nullID(id uuid.UUID) interface{} {
	if id == uuid.Nil {
		return nil
	}
	return id
}
