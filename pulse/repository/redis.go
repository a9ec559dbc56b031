package repository

import (
	"context"
	"encoding/json"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/pulsed/db"
	"github.com/teranos/pulsed/errors"
	"github.com/teranos/pulsed/pulse/job"
	"github.com/teranos/pulsed/pulse/stream"
)

const (
	redisBatchSize    = 200
	redisWatchRetries = 10
)

// RedisJobRepository stores each job as a JSON string under {prefix}:job:{id},
// indexed by a {prefix}:fire sorted set (score = pending fire time in ms)
// and one {prefix}:status:{status} set per status.
type RedisJobRepository struct {
	client redis.UniversalClient
	prefix string
	pub    stream.Publisher
	now    func() time.Time
}

// NewRedisJobRepository uses keys under prefix; pub may be nil
func NewRedisJobRepository(client redis.UniversalClient, prefix string, pub stream.Publisher) *RedisJobRepository {
	if pub == nil {
		pub = stream.Nop{}
	}
	return &RedisJobRepository{client: client, prefix: prefix, pub: pub, now: time.Now}
}

func (r *RedisJobRepository) jobKey(id string) string { return r.prefix + ":job:" + id }
func (r *RedisJobRepository) fireKey() string { return r.prefix + ":fire" }
func (r *RedisJobRepository) statusKey(s job.Status) string {
	return r.prefix + ":status:" + string(s)
}

func (r *RedisJobRepository) Get(ctx context.Context, id string) (*job.JobDetails, error) {
	j, err := r.get(ctx, r.client, id)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	return j, nil
}

// get returns nil, nil when the key does not exist
func (r *RedisJobRepository) get(ctx context.Context, c redis.Cmdable, id string) (*job.JobDetails, error) {
	data, err := c.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load job %s", id)
	}
	var j job.JobDetails
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, errors.Wrapf(err, "invalid stored job %s", id)
	}
	return &j, nil
}

func (r *RedisJobRepository) Exists(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.jobKey(id)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job %s", id)
	}
	return n > 0, nil
}

func (r *RedisJobRepository) Save(ctx context.Context, j *job.JobDetails) (*job.JobDetails, error) {
	if j == nil || j.ID == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	stored := stamp(j, r.now())
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return r.write(ctx, pipe, stored)
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to save job %s", stored.ID)
	}
	r.pub.PublishJobStatusChange(stored.Clone())
	return stored, nil
}

func (r *RedisJobRepository) SaveIf(ctx context.Context, j *job.JobDetails, expect Expect) (*job.JobDetails, error) {
	if j == nil || j.ID == "" {
		return nil, errors.NewInvalidRequestError("job id cannot be blank")
	}
	stored := stamp(j, r.now())
	var mismatch bool
	err := r.watch(ctx, stored.ID, func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx, stored.ID)
		if err != nil {
			return err
		}
		if mismatch = !expect.Matches(current); mismatch {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, stored)
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to save job %s", stored.ID)
	}
	if mismatch {
		return nil, errExpectation(stored.ID, expect)
	}
	r.pub.PublishJobStatusChange(stored.Clone())
	return stored, nil
}

// write queues the record and its index entries on pipe
func (r *RedisJobRepository) write(ctx context.Context, pipe redis.Pipeliner, j *job.JobDetails) error {
	data, err := json.Marshal(j)
	if err != nil {
		return errors.Wrapf(err, "failed to encode job %s", j.ID)
	}
	pipe.Set(ctx, r.jobKey(j.ID), data, 0)
	for _, s := range job.AllStatuses {
		if s != j.Status {
			pipe.SRem(ctx, r.statusKey(s), j.ID)
		}
	}
	pipe.SAdd(ctx, r.statusKey(j.Status), j.ID)
	if ft := j.FireTime(); ft != nil {
		pipe.ZAdd(ctx, r.fireKey(), redis.Z{Score: float64(ft.UnixMilli()), Member: j.ID})
	} else {
		pipe.ZRem(ctx, r.fireKey(), j.ID)
	}
	return nil
}

func (r *RedisJobRepository) Delete(ctx context.Context, id string) (*job.JobDetails, error) {
	var deleted *job.JobDetails
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx, id)
		if err != nil || current == nil {
			deleted = nil
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.jobKey(id))
			pipe.ZRem(ctx, r.fireKey(), id)
			for _, s := range job.AllStatuses {
				pipe.SRem(ctx, r.statusKey(s), id)
			}
			return nil
		})
		deleted = current
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to delete job %s", id)
	}
	if deleted == nil {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	r.pub.PublishJobStatusChange(deleted.Clone())
	return deleted, nil
}

func (r *RedisJobRepository) Merge(ctx context.Context, id string, patch *job.Patch) (*job.JobDetails, error) {
	if err := job.CheckPatchTarget(id, patch); err != nil {
		return nil, err
	}

	var merged *job.JobDetails
	err := r.watch(ctx, id, func(tx *redis.Tx) error {
		current, err := r.get(ctx, tx, id)
		if err != nil || current == nil {
			merged = nil
			return err
		}
		merged = job.ApplyPatch(current, patch)
		merged.LastUpdate = r.now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.write(ctx, pipe, merged)
		})
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to merge job %s", id)
	}
	if merged != nil {
		r.pub.PublishJobStatusChange(merged.Clone())
	}
	return merged, nil
}

// watch runs fn under WATCH on the job key, retrying lost races
func (r *RedisJobRepository) watch(ctx context.Context, id string, fn func(*redis.Tx) error) error {
	for range redisWatchRetries {
		err := r.client.Watch(ctx, fn, r.jobKey(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errors.Wrapf(errors.ErrConflict, "job %s kept changing during update", id)
}

func (r *RedisJobRepository) FindAll(ctx context.Context) iter.Seq2[*job.JobDetails, error] {
	return func(yield func(*job.JobDetails, error) bool) {
		var cursor uint64
		for {
			keys, next, err := r.client.Scan(ctx, cursor, r.jobKey("*"), redisBatchSize).Result()
			if err != nil {
				yield(nil, errors.Wrap(err, "failed to scan jobs"))
				return
			}
			jobs, err := r.mget(ctx, keys)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, j := range jobs {
				if !yield(j, nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

func (r *RedisJobRepository) FindByStatus(ctx context.Context, statuses ...job.Status) iter.Seq2[*job.JobDetails, error] {
	var keys []string
	for _, s := range statuses {
		ids, err := r.client.SMembers(ctx, r.statusKey(s)).Result()
		if err != nil {
			return yieldErr(errors.Wrapf(err, "failed to list %s jobs", s))
		}
		for _, id := range ids {
			keys = append(keys, r.jobKey(id))
		}
	}
	jobs, err := r.mget(ctx, keys)
	if err != nil {
		return yieldErr(err)
	}
	return yieldAll(filterStatus(jobs, statuses))
}

func (r *RedisJobRepository) FindByStatusBetweenDatesOrderByPriority(ctx context.Context, from, to time.Time, statuses ...job.Status) iter.Seq2[*job.JobDetails, error] {
	ids, err := r.client.ZRangeByScore(ctx, r.fireKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return yieldErr(errors.Wrap(err, "failed to range fire times"))
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	jobs, err := r.mget(ctx, keys)
	if err != nil {
		return yieldErr(err)
	}
	var out []*job.JobDetails
	for _, j := range jobs {
		if hasStatus(j.Status, statuses) && inWindow(j, from, to) {
			out = append(out, j)
		}
	}
	sortByPriority(out)
	return yieldAll(out)
}

// mget loads keys in batches, skipping keys deleted since they were listed
func (r *RedisJobRepository) mget(ctx context.Context, keys []string) ([]*job.JobDetails, error) {
	var out []*job.JobDetails
	for start := 0; start < len(keys); start += redisBatchSize {
		end := min(start+redisBatchSize, len(keys))
		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load jobs")
		}
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				continue
			}
			var j job.JobDetails
			if err := json.Unmarshal([]byte(s), &j); err != nil {
				return nil, errors.Wrapf(err, "invalid stored job at %s", keys[start+i])
			}
			out = append(out, &j)
		}
	}
	return out, nil
}

// filterStatus drops records whose status moved after the index was read
func filterStatus(jobs []*job.JobDetails, statuses []job.Status) []*job.JobDetails {
	out := jobs[:0]
	for _, j := range jobs {
		if hasStatus(j.Status, statuses) {
			out = append(out, j)
		}
	}
	return out
}

var (
	heartbeatScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'last_heartbeat', ARGV[2])
  return 1
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') == ARGV[1] then
  redis.call('HDEL', KEYS[1], 'token', 'owner', 'last_heartbeat')
  return 1
end
return 0`)
)

// RedisManagementRepository keeps the leadership record in the hash
// {prefix}:management:{id}. Token checks run server side in Lua.
type RedisManagementRepository struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisManagementRepository uses keys under prefix
func NewRedisManagementRepository(client redis.UniversalClient, prefix string) *RedisManagementRepository {
	return &RedisManagementRepository{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisManagementRepository) key(id string) string {
	return r.prefix + ":management:" + id
}

func (r *RedisManagementRepository) load(ctx context.Context, c redis.Cmdable, id string) (*ManagementInfo, error) {
	fields, err := c.HGetAll(ctx, r.key(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load management record %s", id)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	info := &ManagementInfo{ID: id, Token: fields["token"], Owner: fields["owner"]}
	if hb := fields["last_heartbeat"]; hb != "" {
		t, err := db.ParseTime(hb)
		if err != nil {
			return nil, err
		}
		info.LastHeartbeat = &t
	}
	return info, nil
}

func (r *RedisManagementRepository) store(ctx context.Context, pipe redis.Pipeliner, info *ManagementInfo) {
	key := r.key(info.ID)
	pipe.Del(ctx, key)
	fields := map[string]any{"id": info.ID}
	if info.Token != "" {
		fields["token"] = info.Token
	}
	if info.Owner != "" {
		fields["owner"] = info.Owner
	}
	if info.LastHeartbeat != nil {
		fields["last_heartbeat"] = db.FormatTime(*info.LastHeartbeat)
	}
	pipe.HSet(ctx, key, fields)
}

func (r *RedisManagementRepository) GetAndUpdate(ctx context.Context, id string, fn func(*ManagementInfo) *ManagementInfo) (*ManagementInfo, error) {
	if id == "" {
		return nil, errors.NewInvalidRequestError("management record id cannot be blank")
	}
	var result *ManagementInfo
	for range redisWatchRetries {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			next := fn(current.Clone())
			if next == nil {
				result = current
				return nil
			}
			stored := next.Clone()
			stored.ID = id
			if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				r.store(ctx, pipe, stored)
				return nil
			}); err != nil {
				return err
			}
			result = stored
			return nil
		}, r.key(id))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to update management record %s", id)
		}
		return result, nil
	}
	return nil, errors.Wrapf(errors.ErrConflict, "management record %s kept changing during update", id)
}

func (r *RedisManagementRepository) Set(ctx context.Context, info *ManagementInfo) (*ManagementInfo, error) {
	if info == nil || info.ID == "" {
		return nil, errors.NewInvalidRequestError("management record id cannot be blank")
	}
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		r.store(ctx, pipe, info)
		return nil
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to set management record %s", info.ID)
	}
	return info.Clone(), nil
}

func (r *RedisManagementRepository) Heartbeat(ctx context.Context, info *ManagementInfo) (*ManagementInfo, error) {
	if info == nil || info.Token == "" {
		return nil, nil
	}
	now := r.now()
	n, err := heartbeatScript.Run(ctx, r.client, []string{r.key(info.ID)}, info.Token, db.FormatTime(now)).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to heartbeat management record %s", info.ID)
	}
	if n == 0 {
		return nil, nil
	}
	out := info.Clone()
	out.LastHeartbeat = &now
	return out, nil
}

func (r *RedisManagementRepository) Release(ctx context.Context, info *ManagementInfo) (bool, error) {
	if info == nil || info.Token == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(info.ID)}, info.Token).Int()
	if err != nil {
		return false, errors.Wrapf(err, "failed to release management record %s", info.ID)
	}
	return n == 1, nil
}
