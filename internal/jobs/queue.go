package jobs

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	jobBucket       = "jobs"
	jobKeyBucket    = "job_keys"
	dueBucket       = "due"
	recurringBucket = "recurring"

	stampBytes = 8
)

// Job is one persisted deferred unit of work.
type Job struct {
	ID        string          `json:"id"`
	Task      string          `json:"task"`
	Key       string          `json:"key"`
	RunAt     time.Time       `json:"run_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	// Recurring is set on jobs materialized from a recurring schedule.
	Recurring bool `json:"recurring,omitempty"`
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return errors.New("job payload is empty")
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Task, err)
	}
	return nil
}

// Recurring is a persisted repeating schedule.
type Recurring struct {
	Task     string          `json:"task"`
	Key      string          `json:"key"`
	Interval time.Duration   `json:"interval"`
	NextRun  time.Time       `json:"next_run"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Queue is a bbolt-backed deferred job store. A job exists until it is
// claimed; at most one job per (task, key) is pending at any time.
type Queue struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens (or creates) the job database at path.
func Open(path string) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("jobs path is empty")
	}
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create jobs directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open jobs db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{jobBucket, jobKeyBucket, dueBucket, recurringBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init job buckets: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

// Close closes the job database.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// ScheduleOnce persists a job that fires once at or after runAt. It returns
// false without writing when a job with the same task and key is pending.
func (q *Queue) ScheduleOnce(ctx context.Context, task string, runAt time.Time, key string, payload any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if strings.TrimSpace(task) == "" || key == "" {
		return false, errors.New("task and key are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", task, err)
	}

	job := Job{
		ID:        uuid.NewString(),
		Task:      task,
		Key:       key,
		RunAt:     runAt.UTC(),
		Payload:   raw,
		CreatedAt: q.now().UTC(),
	}

	var scheduled bool
	err = q.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket([]byte(jobKeyBucket))
		if keys.Get(taskKey(task, key)) != nil {
			return nil
		}
		encoded, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := tx.Bucket([]byte(jobBucket)).Put([]byte(job.ID), encoded); err != nil {
			return err
		}
		if err := keys.Put(taskKey(task, key), []byte(job.ID)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(dueBucket)).Put(dueKey(job.RunAt, job.ID), []byte(job.ID)); err != nil {
			return err
		}
		scheduled = true
		return nil
	})
	return scheduled, err
}

// ScheduleRecurring registers a repeating schedule whose first run is due
// immediately. A second call for the same task and key only reports false;
// when it carries a different interval the stored schedule adopts it and its
// next run moves no later than one new interval from now.
func (q *Queue) ScheduleRecurring(ctx context.Context, task string, interval time.Duration, key string, payload any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if interval <= 0 {
		return false, fmt.Errorf("invalid interval %s for %s", interval, task)
	}
	if strings.TrimSpace(task) == "" || key == "" {
		return false, errors.New("task and key are required")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode %s payload: %w", task, err)
	}

	var scheduled bool
	err = q.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(recurringBucket))
		if existing := bucket.Get(taskKey(task, key)); existing != nil {
			var r Recurring
			if err := json.Unmarshal(existing, &r); err != nil {
				return fmt.Errorf("decode schedule %s/%s: %w", task, key, err)
			}
			if r.Interval == interval {
				return nil
			}
			r.Interval = interval
			if limit := q.now().UTC().Add(interval); r.NextRun.After(limit) {
				r.NextRun = limit
			}
			encoded, err := json.Marshal(r)
			if err != nil {
				return err
			}
			return bucket.Put(taskKey(task, key), encoded)
		}
		encoded, err := json.Marshal(Recurring{
			Task:     task,
			Key:      key,
			Interval: interval,
			NextRun:  q.now().UTC(),
			Payload:  raw,
		})
		if err != nil {
			return err
		}
		scheduled = true
		return bucket.Put(taskKey(task, key), encoded)
	})
	return scheduled, err
}

// IsScheduled reports whether a one-shot job or recurring schedule exists for task and key.
func (q *Queue) IsScheduled(ctx context.Context, task, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var found bool
	err := q.db.View(func(tx *bolt.Tx) error {
		k := taskKey(task, key)
		found = tx.Bucket([]byte(jobKeyBucket)).Get(k) != nil ||
			tx.Bucket([]byte(recurringBucket)).Get(k) != nil
		return nil
	})
	return found, err
}

// ClaimDue removes and returns up to limit jobs due at now, earliest first.
// Recurring schedules that are due produce one job each and move their next
// run forward past now. A claimed job is gone from the queue whatever its
// handler does with it.
func (q *Queue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var claimed []Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		recurring, err := claimRecurring(tx, now, limit)
		if err != nil {
			return err
		}
		claimed = append(claimed, recurring...)

		jobs := tx.Bucket([]byte(jobBucket))
		keys := tx.Bucket([]byte(jobKeyBucket))
		due := tx.Bucket([]byte(dueBucket))

		horizon := stampBytesOf(now)
		var consumed [][]byte
		c := due.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(claimed) >= limit {
				break
			}
			if bytes.Compare(k[:stampBytes], horizon) > 0 {
				break
			}
			consumed = append(consumed, append([]byte(nil), k...))

			raw := jobs.Get(v)
			if raw == nil {
				continue
			}
			var job Job
			if err := json.Unmarshal(raw, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", v, err)
			}
			if err := jobs.Delete(v); err != nil {
				return err
			}
			if err := keys.Delete(taskKey(job.Task, job.Key)); err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		for _, k := range consumed {
			if err := due.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func claimRecurring(tx *bolt.Tx, now time.Time, limit int) ([]Job, error) {
	bucket := tx.Bucket([]byte(recurringBucket))
	var (
		out     []Job
		updates = map[string][]byte{}
	)
	err := bucket.ForEach(func(k, v []byte) error {
		if limit > 0 && len(out) >= limit {
			return nil
		}
		var r Recurring
		if err := json.Unmarshal(v, &r); err != nil {
			return fmt.Errorf("decode recurring %s: %w", k, err)
		}
		if r.NextRun.After(now) {
			return nil
		}
		out = append(out, Job{
			ID:        uuid.NewString(),
			Task:      r.Task,
			Key:       r.Key,
			RunAt:     r.NextRun,
			Payload:   r.Payload,
			CreatedAt: now.UTC(),
			Recurring: true,
		})
		// missed runs collapse into a single one.
		for !r.NextRun.After(now) {
			r.NextRun = r.NextRun.Add(r.Interval)
		}
		encoded, err := json.Marshal(r)
		if err != nil {
			return err
		}
		updates[string(k)] = encoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	for k, v := range updates {
		if err := bucket.Put([]byte(k), v); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Pending lists one-shot jobs still waiting, ordered by run time.
func (q *Queue) Pending(ctx context.Context) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Job
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(jobBucket)).ForEach(func(_, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			out = append(out, job)
			return nil
		})
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out, err
}

// RecurringSchedules lists the registered recurring schedules.
func (q *Queue) RecurringSchedules(ctx context.Context) ([]Recurring, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Recurring
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(recurringBucket)).ForEach(func(_, v []byte) error {
			var r Recurring
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func taskKey(task, key string) []byte {
	return []byte(task + "\x00" + key)
}

func stampBytesOf(t time.Time) []byte {
	buf := make([]byte, stampBytes)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func dueKey(runAt time.Time, id string) []byte {
	return append(stampBytesOf(runAt), id...)
}
