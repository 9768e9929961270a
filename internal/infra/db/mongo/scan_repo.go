package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	domain "github.com/bryanwahyu/checkin-ledger/internal/domain/checkin"
)

const (
	collectionName    = "checkin_scans"
	activeTicketIndex = "uq_checkin_active_ticket"
)

// scanDoc is the stored shape. Times are unix microseconds since BSON dates
// only keep milliseconds. Active mirrors undoneAt == nil so that the partial
// unique index can filter on it.
type scanDoc struct {
	ID              string `bson:"_id"`
	TicketID        string `bson:"ticketId"`
	TicketCode      string `bson:"ticketCode"`
	EventID         string `bson:"eventId"`
	EventTitle      string `bson:"eventTitle"`
	ParticipantName string `bson:"participantName"`
	ParticipantID   string `bson:"participantId,omitempty"`
	ScannedBy       string `bson:"scannedBy"`
	ScannedByName   string `bson:"scannedByName"`
	ScannedAt       int64  `bson:"scannedAt"`
	Active          bool   `bson:"active"`
	UndoneAt        *int64 `bson:"undoneAt,omitempty"`
	UndoneBy        string `bson:"undoneBy,omitempty"`
}

func toDoc(s *domain.ScanRecord) scanDoc {
	d := scanDoc{
		ID:              string(s.ID),
		TicketID:        s.TicketID,
		TicketCode:      s.TicketCode,
		EventID:         s.EventID,
		EventTitle:      s.EventTitle,
		ParticipantName: s.ParticipantName,
		ParticipantID:   s.ParticipantID,
		ScannedBy:       s.ScannedBy,
		ScannedByName:   s.ScannedByName,
		ScannedAt:       s.ScannedAt.UnixMicro(),
		Active:          s.UndoneAt == nil,
		UndoneBy:        s.UndoneBy,
	}
	if s.UndoneAt != nil {
		us := s.UndoneAt.UnixMicro()
		d.UndoneAt = &us
	}
	return d
}

func (d scanDoc) record() *domain.ScanRecord {
	s := &domain.ScanRecord{
		ID:              domain.ScanID(d.ID),
		TicketID:        d.TicketID,
		TicketCode:      d.TicketCode,
		EventID:         d.EventID,
		EventTitle:      d.EventTitle,
		ParticipantName: d.ParticipantName,
		ParticipantID:   d.ParticipantID,
		ScannedBy:       d.ScannedBy,
		ScannedByName:   d.ScannedByName,
		ScannedAt:       time.UnixMicro(d.ScannedAt).UTC(),
		UndoneBy:        d.UndoneBy,
	}
	if d.UndoneAt != nil {
		t := time.UnixMicro(*d.UndoneAt).UTC()
		s.UndoneAt = &t
	}
	return s
}

type ScanRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
}

func NewScanRepository(client *mongo.Client, database string) *ScanRepository {
	return &ScanRepository{client: client, coll: client.Database(database).Collection(collectionName)}
}

// Migrate creates the partial unique index that guards check-in plus the feed indexes
func (r *ScanRepository) Migrate(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "ticketId", Value: 1}},
			Options: options.Index().
				SetName(activeTicketIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys: bson.D{{Key: "ticketCode", Value: 1}},
			Options: options.Index().
				SetName("idx_checkin_active_code").
				SetPartialFilterExpression(bson.M{"active": true}),
		},
		{
			Keys:    bson.D{{Key: "ticketId", Value: 1}, {Key: "scannedAt", Value: -1}},
			Options: options.Index().SetName("idx_checkin_ticket_time"),
		},
		{
			Keys:    bson.D{{Key: "eventId", Value: 1}, {Key: "scannedAt", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("idx_checkin_event_time"),
		},
		{
			Keys:    bson.D{{Key: "scannedBy", Value: 1}, {Key: "scannedAt", Value: -1}, {Key: "_id", Value: -1}},
			Options: options.Index().SetName("idx_checkin_operator_time"),
		},
	}
	if _, err := r.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("mongo: migrate: %w", err)
	}
	return nil
}

func (r *ScanRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *ScanRepository) Append(ctx context.Context, s *domain.ScanRecord) (domain.ScanID, error) {
	_, err := r.coll.InsertOne(ctx, toDoc(s))
	if mongo.IsDuplicateKeyError(err) {
		return "", domain.ErrActiveScanExists
	}
	if err != nil {
		return "", fmt.Errorf("inserting scan: %w", err)
	}
	return s.ID, nil
}

func (r *ScanRepository) Get(ctx context.Context, id domain.ScanID) (*domain.ScanRecord, error) {
	s, err := r.findOne(ctx, bson.M{"_id": string(id)}, nil)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (r *ScanRepository) FindActiveByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	return r.findOne(ctx, bson.M{"ticketId": ticketID, "active": true}, nil)
}

func (r *ScanRepository) FindActiveByCode(ctx context.Context, ticketCode string) (*domain.ScanRecord, error) {
	return r.findOne(ctx, bson.M{"ticketCode": ticketCode, "active": true}, newestFirst)
}

func (r *ScanRepository) LatestByTicket(ctx context.Context, ticketID string) (*domain.ScanRecord, error) {
	return r.findOne(ctx, bson.M{"ticketId": ticketID}, newestFirst)
}

// MarkUndone matches only an active document scanned after cutoff, so two
// racing undos cannot both win.
func (r *ScanRepository) MarkUndone(ctx context.Context, id domain.ScanID, undoneBy string, at, cutoff time.Time) (*domain.ScanRecord, error) {
	filter := bson.M{
		"_id":       string(id),
		"active":    true,
		"scannedAt": bson.M{"$gt": cutoff.UnixMicro()},
	}
	update := bson.M{"$set": bson.M{
		"active":   false,
		"undoneAt": at.UnixMicro(),
		"undoneBy": undoneBy,
	}}

	var d scanDoc
	err := r.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&d)
	if err == nil {
		return d.record(), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("marking scan undone: %w", err)
	}

	current, err := r.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.UndoRefusal(nil)
	}
	if err != nil {
		return nil, err
	}
	return nil, domain.UndoRefusal(current)
}

func (r *ScanRepository) ListByEvent(ctx context.Context, eventID string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	return r.list(ctx, "eventId", eventID, after, limit)
}

func (r *ScanRepository) ListByOperator(ctx context.Context, operatorID string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	return r.list(ctx, "scannedBy", operatorID, after, limit)
}

var newestFirst = bson.D{{Key: "scannedAt", Value: -1}, {Key: "_id", Value: -1}}

func (r *ScanRepository) list(ctx context.Context, keyField, key string, after domain.Cursor, limit int) ([]*domain.ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	filter := bson.M{keyField: key}
	if !after.IsZero() {
		us := after.ScannedAt.UnixMicro()
		filter["$or"] = bson.A{
			bson.M{"scannedAt": bson.M{"$lt": us}},
			bson.M{"scannedAt": us, "_id": bson.M{"$lt": string(after.ID)}},
		}
	}

	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(newestFirst).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("querying scans: %w", err)
	}
	defer cur.Close(ctx)

	var out []*domain.ScanRecord
	for cur.Next(ctx) {
		var d scanDoc
		if err := cur.Decode(&d); err != nil {
			return nil, fmt.Errorf("decoding scan: %w", err)
		}
		out = append(out, d.record())
	}
	return out, cur.Err()
}

func (r *ScanRepository) findOne(ctx context.Context, filter bson.M, sort bson.D) (*domain.ScanRecord, error) {
	opts := options.FindOne()
	if sort != nil {
		opts.SetSort(sort)
	}
	var d scanDoc
	err := r.coll.FindOne(ctx, filter, opts).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.record(), nil
}
