package trigger

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrNotFound    = errors.New("trigger not found")
	ErrDuplicateID = errors.New("duplicate trigger id")
)

// Repository provides access to stored triggers
type Repository struct {
	triggers *mongo.Collection
}

// NewRepository creates a new trigger repository
func NewRepository(db *mongo.Database) *Repository {
	return &Repository{
		triggers: db.Collection("triggers"),
	}
}

// FindByID finds a trigger by its id
func (r *Repository) FindByID(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	err := r.triggers.FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// Insert stores a newly created trigger
func (r *Repository) Insert(ctx context.Context, t *Trigger) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.triggers.InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateID
	}
	return err
}

// Save replaces the stored trigger with t, creating it if it does not exist.
// Pollers call this with their owned copy after every tick, so the write is
// a full replace rather than a field-level update.
func (r *Repository) Save(ctx context.Context, t *Trigger) error {
	t.UpdatedAt = time.Now()

	opts := options.Replace().SetUpsert(true)
	_, err := r.triggers.ReplaceOne(ctx, bson.M{"_id": t.TriggerID}, t, opts)
	return err
}

// UpdateState sets only the lifecycle state of a trigger
func (r *Repository) UpdateState(ctx context.Context, id string, state TriggerState) error {
	result, err := r.triggers.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"state":      state,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes a trigger and returns the removed document
func (r *Repository) Remove(ctx context.Context, id string) (*Trigger, error) {
	var t Trigger
	err := r.triggers.FindOneAndDelete(ctx, bson.M{"_id": id}).Decode(&t)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// List returns all triggers, optionally restricted to the given states
func (r *Repository) List(ctx context.Context, states ...TriggerState) ([]*Trigger, error) {
	filter := bson.M{}
	if len(states) > 0 {
		filter["state"] = bson.M{"$in": states}
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := r.triggers.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var triggers []*Trigger
	if err := cursor.All(ctx, &triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}

// ListByCreator returns all triggers created by the given identity
func (r *Repository) ListByCreator(ctx context.Context, createdBy string) ([]*Trigger, error) {
	cursor, err := r.triggers.Find(ctx, bson.M{"created_by": createdBy})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var triggers []*Trigger
	if err := cursor.All(ctx, &triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}

// EnsureIndexes creates the indexes used by resume scans and listings
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	_, err := r.triggers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "created_by", Value: 1}}},
	})
	return err
}
