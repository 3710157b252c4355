package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
	"github.com/LandingPadAI/agent-coordinator/pkg/infra"
)

const workflowStatesCollection = "workflow_states"

type mongoRecord struct {
	WorkflowID  string                 `bson:"_id"`
	State       string                 `bson:"state"`
	Payload     map[string]interface{} `bson:"payload"`
	History     []HistoryEntry         `bson:"history"`
	Version     int64                  `bson:"version"`
	CreatedAt   time.Time              `bson:"createdAt"`
	LastUpdated time.Time              `bson:"lastUpdated"`
}

// MongoStore persists records in a workflow_states collection. Updates use
// the version field as a compare-and-swap filter with $inc, mirroring the
// SQL store's optimistic locking.
type MongoStore struct {
	col *mongo.Collection
}

func NewMongoStore(connection *infra.MongoConnection) (*MongoStore, error) {
	if connection == nil {
		return nil, errors.New("connection cannot be nil")
	}
	return &MongoStore{
		col: connection.GetDatabase().Collection(workflowStatesCollection),
	}, nil
}

func (s *MongoStore) Save(ctx context.Context, workflowID, initialState string, payload map[string]interface{}) error {
	now := time.Now()
	doc := mongoRecord{
		WorkflowID: workflowID,
		State:      initialState,
		Payload:    payload,
		History: []HistoryEntry{
			{FromState: "", ToState: initialState, Label: LabelInitial, At: now},
		},
		Version:     1,
		CreatedAt:   now,
		LastUpdated: now,
	}
	if _, err := s.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return alreadyExistsErr(workflowID)
		}
		return dbErr(err, "save workflow "+workflowID)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, workflowID string, patch map[string]interface{}, move *Move) (Record, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		current, err := s.getDoc(ctx, workflowID)
		if err != nil {
			return Record{}, err
		}

		now := time.Now()
		set := bson.M{"lastUpdated": now}
		for k, v := range patch {
			set["payload."+k] = v
		}
		update := bson.M{"$set": set, "$inc": bson.M{"version": 1}}
		if move != nil {
			set["state"] = move.To
			update["$push"] = bson.M{"history": HistoryEntry{
				FromState: current.State,
				ToState:   move.To,
				Label:     move.Label,
				At:        now,
			}}
		}

		var updated mongoRecord
		err = s.col.FindOneAndUpdate(ctx,
			bson.M{"_id": workflowID, "version": current.Version},
			update,
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&updated)
		if err == nil {
			return recordFromDoc(&updated), nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return Record{}, dbErr(err, "update workflow "+workflowID)
		}
		// Lost the version race; re-read and retry.
	}
	return Record{}, coorderr.Wrap(coorderr.ErrVersionConflict, coorderr.CategoryDatabase, coorderr.CodeVersionConflict,
		"update workflow "+workflowID+" lost the version race")
}

func (s *MongoStore) Get(ctx context.Context, workflowID string) (Record, error) {
	doc, err := s.getDoc(ctx, workflowID)
	if err != nil {
		return Record{}, err
	}
	return recordFromDoc(doc), nil
}

func (s *MongoStore) History(ctx context.Context, workflowID string) ([]HistoryEntry, error) {
	doc, err := s.getDoc(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return doc.History, nil
}

func (s *MongoStore) Exists(ctx context.Context, workflowID string) (bool, error) {
	count, err := s.col.CountDocuments(ctx, bson.M{"_id": workflowID}, options.Count().SetLimit(1))
	if err != nil {
		return false, dbErr(err, "check workflow "+workflowID)
	}
	return count > 0, nil
}

func (s *MongoStore) FindByState(ctx context.Context, state string, limit, offset int) ([]Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.col.Find(ctx, bson.M{"state": state}, opts)
	if err != nil {
		return nil, dbErr(err, "find workflows in state "+state)
	}
	defer cursor.Close(ctx)

	var out []Record
	for cursor.Next(ctx) {
		var doc mongoRecord
		if err := cursor.Decode(&doc); err != nil {
			return nil, dbErr(err, "decode workflow record")
		}
		out = append(out, recordFromDoc(&doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, dbErr(err, "iterate workflows in state "+state)
	}
	return out, nil
}

func (s *MongoStore) PurgeTerminal(ctx context.Context, olderThan time.Time, terminalStates []string) (int64, error) {
	if len(terminalStates) == 0 {
		return 0, nil
	}
	result, err := s.col.DeleteMany(ctx, bson.M{
		"state":       bson.M{"$in": terminalStates},
		"lastUpdated": bson.M{"$lt": olderThan},
	})
	if err != nil {
		return 0, dbErr(err, "purge terminal workflows")
	}
	return result.DeletedCount, nil
}

func (s *MongoStore) getDoc(ctx context.Context, workflowID string) (*mongoRecord, error) {
	var doc mongoRecord
	err := s.col.FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFoundErr(workflowID)
		}
		return nil, dbErr(err, "get workflow "+workflowID)
	}
	return &doc, nil
}

func recordFromDoc(doc *mongoRecord) Record {
	return Record{
		WorkflowID:  doc.WorkflowID,
		State:       doc.State,
		Payload:     doc.Payload,
		History:     doc.History,
		Version:     doc.Version,
		CreatedAt:   doc.CreatedAt,
		LastUpdated: doc.LastUpdated,
	}
}
