package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/fluxhist/pkg/api"
)

// RedisActivityStore is an ActivityStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>hai:<id>                  => gob-encoded storedInstance
//	<prefix>seq                       => insertion counter
//	<prefix>idx:all                   => SET of all instance IDs
//	<prefix>idx:<field>:<value>       => SET of instance IDs per predicate value
//	<prefix>idx:finished|unfinished   => SET of instance IDs per state
//	<prefix>open:<execution>/<act>    => SET of unfinished IDs per correlation key
//	<prefix>closedby:<job>            => id of the row a capture job completed
//
// Row writes use WATCH/MULTI so a row and its index entries change together.
type RedisActivityStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisActivityStore implements ActivityStore.
var _ ActivityStore = (*RedisActivityStore)(nil)

const redisCompleteRetries = 5

// NewRedisActivityStore creates a RedisActivityStore.
// prefix is optional but recommended (e.g. "fluxhist:").
func NewRedisActivityStore(client *redis.Client, prefix string) *RedisActivityStore {
	if prefix == "" {
		prefix = "fluxhist:"
	}
	return &RedisActivityStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisActivityStore) keyInstance(id string) string { return s.prefix + "hai:" + id }
func (s *RedisActivityStore) keySeq() string               { return s.prefix + "seq" }
func (s *RedisActivityStore) keyAll() string               { return s.prefix + "idx:all" }
func (s *RedisActivityStore) keyIndex(field, value string) string {
	return s.prefix + "idx:" + field + ":" + value
}
func (s *RedisActivityStore) keyState(finished bool) string {
	if finished {
		return s.prefix + "idx:finished"
	}
	return s.prefix + "idx:unfinished"
}
func (s *RedisActivityStore) keyClosedBy(jobID string) string {
	return s.prefix + "closedby:" + jobID
}
func (s *RedisActivityStore) keyOpen(executionID, activityID string) string {
	return s.prefix + "open:" + api.CorrelationKey{ExecutionID: executionID, ActivityID: activityID}.String()
}

// indexedFields maps index names to instance values. Empty values are not
// indexed.
func indexedFields(inst *api.HistoricActivityInstance) map[string]string {
	return map[string]string{
		"activity":       inst.ActivityID,
		"type":           inst.ActivityType,
		"name":           inst.ActivityName,
		"execution":      inst.ExecutionID,
		"procinst":       inst.ProcessInstanceID,
		"procdef":        inst.ProcessDefinitionID,
		"procdefkey":     inst.ProcessDefinitionKey,
		"task":           inst.TaskID,
		"assignee":       inst.Assignee,
		"calledprocinst": inst.CalledProcessInstanceID,
	}
}

// CreateOnStart checks for the row and writes it together with every index
// entry in one WATCH/MULTI transaction, so a failed write leaves nothing
// behind and a retry starts clean.
func (s *RedisActivityStore) CreateOnStart(ctx context.Context, inst *api.HistoricActivityInstance) error {
	seq, err := s.client.Incr(ctx, s.keySeq()).Result()
	if err != nil {
		return err
	}
	data, err := encodeInstance(inst, seq)
	if err != nil {
		return err
	}

	key := s.keyInstance(inst.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return api.ErrDuplicateInstance
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.keyAll(), inst.ID)
			for field, value := range indexedFields(inst) {
				if value != "" {
					pipe.SAdd(ctx, s.keyIndex(field, value), inst.ID)
				}
			}
			pipe.SAdd(ctx, s.keyState(inst.Finished()), inst.ID)
			if !inst.Finished() {
				pipe.SAdd(ctx, s.keyOpen(inst.ExecutionID, inst.ActivityID), inst.ID)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// Another writer created the row between WATCH and EXEC.
		return api.ErrDuplicateInstance
	}
	if err != nil && !errors.Is(err, api.ErrDuplicateInstance) {
		return fmt.Errorf("store activity instance %s: %w", inst.ID, err)
	}
	return err
}

func (s *RedisActivityStore) CompleteOnEnd(ctx context.Context, c Completion) (*api.HistoricActivityInstance, error) {
	for i := 0; i < redisCompleteRetries; i++ {
		id := c.InstanceID
		if id == "" && c.JobID != "" {
			closed, err := s.client.Get(ctx, s.keyClosedBy(c.JobID)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, err
			}
			if closed != "" {
				return s.GetInstance(ctx, closed)
			}
		}
		if id == "" {
			var err error
			id, err = s.latestOpen(ctx, c.ExecutionID, c.ActivityID)
			if err != nil {
				return nil, err
			}
		}

		var out *api.HistoricActivityInstance
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, s.keyInstance(id)).Bytes()
			if errors.Is(err, redis.Nil) {
				return api.ErrCaptureMismatch
			}
			if err != nil {
				return err
			}
			rec, err := decodeInstance(data)
			if err != nil {
				return err
			}
			inst := &rec.Instance
			if inst.Finished() {
				if c.InstanceID == "" {
					// Raced with another completion; pick again.
					return redis.TxFailedErr
				}
				out = inst
				return nil
			}

			inst.Complete(c.EndTime, c.DeleteReason)
			updated, err := encodeInstance(inst, rec.InsertSeq)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.keyInstance(id), updated, 0)
				pipe.SRem(ctx, s.keyState(false), id)
				pipe.SAdd(ctx, s.keyState(true), id)
				pipe.SRem(ctx, s.keyOpen(inst.ExecutionID, inst.ActivityID), id)
				if c.JobID != "" {
					pipe.Set(ctx, s.keyClosedBy(c.JobID), id, 0)
				}
				return nil
			})
			if err == nil {
				out = inst
			}
			return err
		}, s.keyInstance(id))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("complete activity instance: %w", redis.TxFailedErr)
}

// latestOpen returns the most recently started unfinished id for the key;
// equal start times are resolved by insertion order.
func (s *RedisActivityStore) latestOpen(ctx context.Context, executionID, activityID string) (string, error) {
	ids, err := s.client.SMembers(ctx, s.keyOpen(executionID, activityID)).Result()
	if err != nil {
		return "", err
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return "", err
	}

	var best *storedInstance
	for _, rec := range recs {
		if rec.Instance.Finished() {
			continue
		}
		if best == nil ||
			rec.Instance.StartTime.After(best.Instance.StartTime) ||
			(rec.Instance.StartTime.Equal(best.Instance.StartTime) && rec.InsertSeq > best.InsertSeq) {
			best = rec
		}
	}
	if best == nil {
		return "", api.ErrCaptureMismatch
	}
	return best.Instance.ID, nil
}

func (s *RedisActivityStore) GetInstance(ctx context.Context, id string) (*api.HistoricActivityInstance, error) {
	data, err := s.client.Get(ctx, s.keyInstance(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrInstanceNotFound
		}
		return nil, err
	}
	rec, err := decodeInstance(data)
	if err != nil {
		return nil, err
	}
	return &rec.Instance, nil
}

// candidateIDs intersects the index sets selected by f.
func (s *RedisActivityStore) candidateIDs(ctx context.Context, f InstanceFilter) ([]string, error) {
	sample := &api.HistoricActivityInstance{
		ActivityID:              f.ActivityID,
		ActivityType:            f.ActivityType,
		ActivityName:            f.ActivityName,
		ExecutionID:             f.ExecutionID,
		ProcessInstanceID:       f.ProcessInstanceID,
		ProcessDefinitionID:     f.ProcessDefinitionID,
		ProcessDefinitionKey:    f.ProcessDefinitionKey,
		TaskID:                  f.TaskID,
		Assignee:                f.TaskAssignee,
		CalledProcessInstanceID: f.CalledProcessInstanceID,
	}

	keys := []string{s.keyAll()}
	for field, value := range indexedFields(sample) {
		if value != "" {
			keys = append(keys, s.keyIndex(field, value))
		}
	}
	if f.Finished != nil {
		keys = append(keys, s.keyState(*f.Finished))
	}

	ids, err := s.client.SInter(ctx, keys...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if f.ActivityInstanceID != "" {
		for _, id := range ids {
			if id == f.ActivityInstanceID {
				return []string{id}, nil
			}
		}
		return nil, nil
	}
	return ids, nil
}

func (s *RedisActivityStore) load(ctx context.Context, ids []string) ([]*storedInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	out := make([]*storedInstance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		rec, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisActivityStore) FindInstances(ctx context.Context, f InstanceFilter) ([]*api.HistoricActivityInstance, error) {
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return nil, err
	}
	recs, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	rows := make([]*api.HistoricActivityInstance, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, &rec.Instance)
	}
	return selectInstances(rows, f), nil
}

func (s *RedisActivityStore) CountInstances(ctx context.Context, f InstanceFilter) (int64, error) {
	ids, err := s.candidateIDs(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}
