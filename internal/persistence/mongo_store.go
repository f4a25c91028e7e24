package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/fluxhist/pkg/api"
)

// MongoActivityStore is an ActivityStore backed by a MongoDB collection.
// Times are kept as Unix nanoseconds since BSON dates only hold milliseconds.
type MongoActivityStore struct {
	coll *mongo.Collection

	// insertSeq orders inserts made within the same nanosecond.
	insertSeq atomic.Int64
}

// Ensure it implements ActivityStore.
var _ ActivityStore = (*MongoActivityStore)(nil)

type mongoActivityDoc struct {
	ID                      string `bson:"_id"`
	ActivityID              string `bson:"activity_id"`
	ActivityName            string `bson:"activity_name"`
	ActivityType            string `bson:"activity_type"`
	ProcessDefinitionID     string `bson:"proc_def_id"`
	ProcessDefinitionKey    string `bson:"proc_def_key"`
	ProcessInstanceID       string `bson:"proc_inst_id"`
	ExecutionID             string `bson:"execution_id"`
	TaskID                  string `bson:"task_id"`
	Assignee                string `bson:"assignee"`
	CalledProcessInstanceID string `bson:"called_proc_inst_id"`
	StartNanos              int64  `bson:"start_ns"`
	EndNanos                *int64 `bson:"end_ns"`
	DurationMillis          *int64 `bson:"duration_ms"`
	DeleteReason            string `bson:"delete_reason"`
	Finished                bool   `bson:"finished"`
	InsertedAt              int64  `bson:"inserted_at"`
	InsertSeq               int64  `bson:"insert_seq"`
	ClosedByJob             string `bson:"closed_by_job,omitempty"`
}

// NewMongoActivityStore creates a Mongo-backed store and its indexes.
// dbName defaults to "fluxhist" if empty, collName defaults to
// "activity_instances".
func NewMongoActivityStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoActivityStore, error) {
	if dbName == "" {
		dbName = "fluxhist"
	}
	if collName == "" {
		collName = "activity_instances"
	}

	s := &MongoActivityStore{
		coll: client.Database(dbName).Collection(collName),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("create mongo history indexes: %w", err)
	}
	return s, nil
}

func (s *MongoActivityStore) ensureIndexes(ctx context.Context) error {
	var models []mongo.IndexModel
	for _, field := range []string{
		"activity_id", "activity_name", "activity_type", "proc_def_id", "proc_def_key",
		"proc_inst_id", "execution_id", "task_id", "assignee", "called_proc_inst_id",
		"start_ns", "finished", "closed_by_job",
	} {
		models = append(models, mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}})
	}
	models = append(models, mongo.IndexModel{Keys: bson.D{
		{Key: "execution_id", Value: 1},
		{Key: "activity_id", Value: 1},
		{Key: "finished", Value: 1},
	}})
	_, err := s.coll.Indexes().CreateMany(ctx, models)
	return err
}

func toMongoDoc(inst *api.HistoricActivityInstance) mongoActivityDoc {
	doc := mongoActivityDoc{
		ID:                      inst.ID,
		ActivityID:              inst.ActivityID,
		ActivityName:            inst.ActivityName,
		ActivityType:            inst.ActivityType,
		ProcessDefinitionID:     inst.ProcessDefinitionID,
		ProcessDefinitionKey:    inst.ProcessDefinitionKey,
		ProcessInstanceID:       inst.ProcessInstanceID,
		ExecutionID:             inst.ExecutionID,
		TaskID:                  inst.TaskID,
		Assignee:                inst.Assignee,
		CalledProcessInstanceID: inst.CalledProcessInstanceID,
		StartNanos:              inst.StartTime.UnixNano(),
		DurationMillis:          inst.DurationInMillis,
		DeleteReason:            inst.DeleteReason,
		Finished:                inst.Finished(),
	}
	if inst.EndTime != nil {
		end := inst.EndTime.UnixNano()
		doc.EndNanos = &end
	}
	return doc
}

func (d *mongoActivityDoc) toInstance() *api.HistoricActivityInstance {
	inst := &api.HistoricActivityInstance{
		ID:                      d.ID,
		ActivityID:              d.ActivityID,
		ActivityName:            d.ActivityName,
		ActivityType:            d.ActivityType,
		ProcessDefinitionID:     d.ProcessDefinitionID,
		ProcessDefinitionKey:    d.ProcessDefinitionKey,
		ProcessInstanceID:       d.ProcessInstanceID,
		ExecutionID:             d.ExecutionID,
		TaskID:                  d.TaskID,
		Assignee:                d.Assignee,
		CalledProcessInstanceID: d.CalledProcessInstanceID,
		StartTime:               time.Unix(0, d.StartNanos).UTC(),
		DurationInMillis:        d.DurationMillis,
		DeleteReason:            d.DeleteReason,
	}
	if d.EndNanos != nil {
		end := time.Unix(0, *d.EndNanos).UTC()
		inst.EndTime = &end
	}
	return inst
}

func (s *MongoActivityStore) CreateOnStart(ctx context.Context, inst *api.HistoricActivityInstance) error {
	doc := toMongoDoc(inst)
	doc.InsertedAt = time.Now().UnixNano()
	doc.InsertSeq = s.insertSeq.Add(1)

	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return api.ErrDuplicateInstance
	}
	return err
}

func (s *MongoActivityStore) CompleteOnEnd(ctx context.Context, c Completion) (*api.HistoricActivityInstance, error) {
	var (
		doc mongoActivityDoc
		err error
	)
	if c.InstanceID == "" && c.JobID != "" {
		err = s.coll.FindOne(ctx, bson.M{"closed_by_job": c.JobID}).Decode(&doc)
		if err == nil {
			return doc.toInstance(), nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
	}
	if c.InstanceID != "" {
		err = s.coll.FindOne(ctx, bson.M{"_id": c.InstanceID}).Decode(&doc)
	} else {
		opts := options.FindOne().SetSort(bson.D{
			{Key: "start_ns", Value: -1},
			{Key: "inserted_at", Value: -1},
			{Key: "insert_seq", Value: -1},
		})
		err = s.coll.FindOne(ctx, bson.M{
			"execution_id": c.ExecutionID,
			"activity_id":  c.ActivityID,
			"finished":     false,
		}, opts).Decode(&doc)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, api.ErrCaptureMismatch
	}
	if err != nil {
		return nil, err
	}

	inst := doc.toInstance()
	if inst.Finished() {
		return inst, nil
	}

	inst.Complete(c.EndTime, c.DeleteReason)
	updated := toMongoDoc(inst)
	set := bson.M{
		"end_ns":        updated.EndNanos,
		"duration_ms":   updated.DurationMillis,
		"delete_reason": updated.DeleteReason,
		"finished":      true,
	}
	if c.JobID != "" {
		set["closed_by_job"] = c.JobID
	}
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": inst.ID, "finished": false},
		bson.M{"$set": set},
	)
	if err != nil {
		return nil, fmt.Errorf("complete activity instance %s: %w", inst.ID, err)
	}
	if res.MatchedCount == 1 {
		return inst, nil
	}

	// The row was completed between our read and write.
	if c.InstanceID != "" {
		return s.GetInstance(ctx, c.InstanceID)
	}
	return nil, api.ErrCaptureMismatch
}

func (s *MongoActivityStore) GetInstance(ctx context.Context, id string) (*api.HistoricActivityInstance, error) {
	var doc mongoActivityDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	return doc.toInstance(), nil
}

func mongoFilter(f InstanceFilter) bson.M {
	bfilter := bson.M{}
	add := func(field, value string) {
		if value != "" {
			bfilter[field] = value
		}
	}
	add("_id", f.ActivityInstanceID)
	add("activity_id", f.ActivityID)
	add("activity_type", f.ActivityType)
	add("activity_name", f.ActivityName)
	add("execution_id", f.ExecutionID)
	add("proc_inst_id", f.ProcessInstanceID)
	add("proc_def_id", f.ProcessDefinitionID)
	add("proc_def_key", f.ProcessDefinitionKey)
	add("task_id", f.TaskID)
	add("assignee", f.TaskAssignee)
	add("called_proc_inst_id", f.CalledProcessInstanceID)
	if f.Finished != nil {
		bfilter["finished"] = *f.Finished
	}
	return bfilter
}

var mongoSortFields = map[SortField]string{
	SortByID:                  "_id",
	SortByStartTime:           "start_ns",
	SortByEndTime:             "end_ns",
	SortByDuration:            "duration_ms",
	SortByExecutionID:         "execution_id",
	SortByProcessDefinitionID: "proc_def_id",
	SortByProcessInstanceID:   "proc_inst_id",
}

// mongoSort mirrors the SQL ordering: unfinished rows sort after finished
// ones ascending and before them descending.
func mongoSort(f InstanceFilter) bson.D {
	field, ok := mongoSortFields[f.SortBy]
	if !ok {
		return bson.D{{Key: "start_ns", Value: 1}, {Key: "_id", Value: 1}}
	}
	dir := 1
	if f.Descending {
		dir = -1
	}
	if f.SortBy == SortByID {
		return bson.D{{Key: "_id", Value: dir}}
	}
	var sort bson.D
	if f.SortBy == SortByEndTime || f.SortBy == SortByDuration {
		sort = append(sort, bson.E{Key: "finished", Value: -dir})
	}
	return append(sort, bson.E{Key: field, Value: dir}, bson.E{Key: "_id", Value: 1})
}

func (s *MongoActivityStore) FindInstances(ctx context.Context, f InstanceFilter) ([]*api.HistoricActivityInstance, error) {
	opts := options.Find().SetSort(mongoSort(f))
	if f.FirstResult > 0 {
		opts.SetSkip(int64(f.FirstResult))
	}
	if f.MaxResults > 0 {
		opts.SetLimit(int64(f.MaxResults))
	}

	cur, err := s.coll.Find(ctx, mongoFilter(f), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.HistoricActivityInstance
	for cur.Next(ctx) {
		var doc mongoActivityDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, doc.toInstance())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *MongoActivityStore) CountInstances(ctx context.Context, f InstanceFilter) (int64, error) {
	return s.coll.CountDocuments(ctx, mongoFilter(f))
}
