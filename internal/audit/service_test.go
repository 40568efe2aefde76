package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/costumery/commsaudit/internal/db"
)

type fakeCommStore struct {
	created []*db.CommunicationLog
	err     error
}

func (s *fakeCommStore) CreateCommunication(_ context.Context, comm *db.CommunicationLog) error {
	if s.err != nil {
		return s.err
	}
	s.created = append(s.created, comm)
	return nil
}

func (s *fakeCommStore) GetCommunication(_ context.Context, id string) (*db.CommunicationLog, error) {
	for _, comm := range s.created {
		if comm.ID.String() == id {
			return comm, nil
		}
	}
	return nil, db.ErrNotFound
}

type fakeTrailStore struct {
	trails    map[uuid.UUID]*db.MessageAuditTrail
	edits     []*db.MessageEdit
	createErr error
	// onCreateFail runs when CreateTrail fails, simulating a concurrent
	// writer that won the unique-index race.
	onCreateFail func()
}

func newFakeTrailStore() *fakeTrailStore {
	return &fakeTrailStore{trails: make(map[uuid.UUID]*db.MessageAuditTrail)}
}

func (s *fakeTrailStore) GetTrailByMessageID(_ context.Context, messageID uuid.UUID) (*db.MessageAuditTrail, error) {
	trail, ok := s.trails[messageID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return trail, nil
}

func (s *fakeTrailStore) CreateTrail(_ context.Context, trail *db.MessageAuditTrail) error {
	if s.createErr != nil {
		if s.onCreateFail != nil {
			s.onCreateFail()
		}
		return s.createErr
	}
	s.trails[trail.MessageID] = trail
	return nil
}

func (s *fakeTrailStore) CreateEdit(_ context.Context, edit *db.MessageEdit) error {
	s.edits = append(s.edits, edit)
	return nil
}

func (s *fakeTrailStore) ListEditsByMessageID(_ context.Context, messageID uuid.UUID) ([]*db.MessageEdit, error) {
	trail, ok := s.trails[messageID]
	if !ok {
		return nil, nil
	}
	var out []*db.MessageEdit
	for _, edit := range s.edits {
		if edit.AuditTrailID == trail.ID {
			out = append(out, edit)
		}
	}
	return out, nil
}

type fakeOrders struct {
	known map[uuid.UUID]bool
	err   error
}

func (o *fakeOrders) OrderExists(_ context.Context, orderID uuid.UUID) (bool, error) {
	if o.err != nil {
		return false, o.err
	}
	return o.known[orderID], nil
}

func newService(comms *fakeCommStore, trails *fakeTrailStore, orders *fakeOrders) *Service {
	return NewService(comms, trails, orders, zap.NewNop())
}

func TestLogCommunication_FillsDefaults(t *testing.T) {
	orderID := uuid.New()
	comms := &fakeCommStore{}
	svc := newService(comms, newFakeTrailStore(), &fakeOrders{known: map[uuid.UUID]bool{orderID: true}})

	stored, err := svc.LogCommunication(context.Background(), &db.CommunicationLog{
		OrderID: orderID,
		Type:    db.TypeEmail,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID == uuid.Nil {
		t.Fatal("expected id to be assigned")
	}
	if stored.SentAt.IsZero() {
		t.Fatal("expected sent_at to be assigned")
	}
	if stored.DeliveryStatus != db.StatusPending {
		t.Fatalf("expected default status pending, got %s", stored.DeliveryStatus)
	}
	if len(comms.created) != 1 {
		t.Fatalf("expected one write, got %d", len(comms.created))
	}
}

func TestLogCommunication_PreservesCallerValues(t *testing.T) {
	orderID := uuid.New()
	svc := newService(&fakeCommStore{}, newFakeTrailStore(), &fakeOrders{known: map[uuid.UUID]bool{orderID: true}})

	id := uuid.New()
	sentAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	stored, err := svc.LogCommunication(context.Background(), &db.CommunicationLog{
		ID:             id,
		OrderID:        orderID,
		Type:           db.TypeSMS,
		SentAt:         sentAt,
		DeliveryStatus: db.StatusSent,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID != id || !stored.SentAt.Equal(sentAt) || stored.DeliveryStatus != db.StatusSent {
		t.Fatal("expected caller-supplied values to be preserved")
	}
}

func TestLogCommunication_UnknownOrder(t *testing.T) {
	comms := &fakeCommStore{}
	svc := newService(comms, newFakeTrailStore(), &fakeOrders{known: map[uuid.UUID]bool{}})

	_, err := svc.LogCommunication(context.Background(), &db.CommunicationLog{
		OrderID: uuid.New(),
		Type:    db.TypeEmail,
	})
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(comms.created) != 0 {
		t.Fatal("expected no write for an unknown order")
	}
}

func TestCreateMessageAuditTrail_Idempotent(t *testing.T) {
	trails := newFakeTrailStore()
	svc := newService(&fakeCommStore{}, trails, &fakeOrders{})
	messageID := uuid.New()
	ctx := context.Background()

	first, err := svc.CreateMessageAuditTrail(ctx, messageID, nil, nil)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := svc.CreateMessageAuditTrail(ctx, messageID, nil, nil)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatal("expected both calls to return the same trail")
	}
	if len(trails.trails) != 1 {
		t.Fatalf("expected one trail, got %d", len(trails.trails))
	}
}

func TestCreateMessageAuditTrail_ConcurrentCreateFallsBackToRead(t *testing.T) {
	trails := newFakeTrailStore()
	messageID := uuid.New()
	winner := &db.MessageAuditTrail{ID: uuid.New(), MessageID: messageID}

	// The insert loses the unique-index race: by the time it fails, the
	// concurrent winner's row is readable.
	trails.createErr = errors.New("duplicate key value violates unique constraint")
	trails.onCreateFail = func() {
		trails.trails[messageID] = winner
	}

	svc := newService(&fakeCommStore{}, trails, &fakeOrders{})

	trail, err := svc.CreateMessageAuditTrail(context.Background(), messageID, nil, nil)
	if err != nil {
		t.Fatalf("expected the losing writer to return the winner's trail, got %v", err)
	}
	if trail.ID != winner.ID {
		t.Fatal("expected the concurrent winner's trail")
	}
}

func TestCreateMessageAuditTrail_CreateFailureSurfaces(t *testing.T) {
	trails := newFakeTrailStore()
	trails.createErr = errors.New("connection refused")

	svc := newService(&fakeCommStore{}, trails, &fakeOrders{})

	_, err := svc.CreateMessageAuditTrail(context.Background(), uuid.New(), nil, nil)
	if err == nil {
		t.Fatal("expected create failure to surface when no concurrent row exists")
	}
}

func TestRecordMessageEdit_CreatesTrailAndOrdersEdits(t *testing.T) {
	trails := newFakeTrailStore()
	svc := newService(&fakeCommStore{}, trails, &fakeOrders{})
	messageID := uuid.New()
	editor := uuid.New()
	ctx := context.Background()

	first, err := svc.RecordMessageEdit(ctx, messageID, editor, "original text", nil)
	if err != nil {
		t.Fatalf("first edit failed: %v", err)
	}
	reason := "typo fix"
	second, err := svc.RecordMessageEdit(ctx, messageID, editor, "first revision", &reason)
	if err != nil {
		t.Fatalf("second edit failed: %v", err)
	}
	if first.AuditTrailID != second.AuditTrailID {
		t.Fatal("expected both edits to share one trail")
	}

	history, err := svc.GetMessageEditHistory(ctx, messageID)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 edits, got %d", len(history))
	}
	if history[0].PreviousContent != "original text" {
		t.Fatal("expected oldest edit first")
	}
	if history[1].ChangeReason == nil || *history[1].ChangeReason != "typo fix" {
		t.Fatal("expected change reason on the second edit")
	}
}
