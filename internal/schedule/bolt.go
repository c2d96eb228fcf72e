package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var scheduleBucket = []byte("scheduled_purges")

type boltRegistry struct {
	db *bolt.DB
}

// NewBolt opens (or creates) a bolt-backed registry at path so pending tasks
// survive restarts of a single-replica coordinator.
func NewBolt(path string) (Registry, error) {
	if path == "" {
		return nil, errors.New("schedule: bolt path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("schedule: open bolt database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(scheduleBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("schedule: create bolt bucket: %w", err)
	}
	return &boltRegistry{db: db}, nil
}

func (r *boltRegistry) Add(_ context.Context, item string, fireAt time.Time) (bool, error) {
	created := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(scheduleBucket)
		if bucket.Get([]byte(item)) != nil {
			return nil
		}
		payload, err := json.Marshal(Task{Item: item, FireAt: fireAt.UTC()})
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		if err := bucket.Put([]byte(item), payload); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("schedule: bolt add: %w", err)
	}
	return created, nil
}

func (r *boltRegistry) Pending(_ context.Context, item string) (bool, error) {
	pending := false
	err := r.db.View(func(tx *bolt.Tx) error {
		pending = tx.Bucket(scheduleBucket).Get([]byte(item)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("schedule: bolt pending: %w", err)
	}
	return pending, nil
}

func (r *boltRegistry) Remove(_ context.Context, item string) (bool, error) {
	removed := false
	err := r.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(scheduleBucket)
		if bucket.Get([]byte(item)) == nil {
			return nil
		}
		if err := bucket.Delete([]byte(item)); err != nil {
			return err
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("schedule: bolt remove: %w", err)
	}
	return removed, nil
}

func (r *boltRegistry) Due(_ context.Context, now time.Time) ([]Task, error) {
	var due []Task
	err := r.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(scheduleBucket).Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var task Task
			if err := json.Unmarshal(value, &task); err != nil {
				// An unreadable entry would stay pending forever and block
				// the item from ever rescheduling; drop it.
				if err := cursor.Delete(); err != nil {
					return err
				}
				continue
			}
			if task.FireAt.After(now) {
				continue
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
			due = append(due, task)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schedule: bolt due: %w", err)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].Item < due[j].Item
		}
		return due[i].FireAt.Before(due[j].FireAt)
	})
	return due, nil
}

func (r *boltRegistry) Len(context.Context) (int64, error) {
	var pending int64
	err := r.db.View(func(tx *bolt.Tx) error {
		pending = int64(tx.Bucket(scheduleBucket).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("schedule: bolt len: %w", err)
	}
	return pending, nil
}

func (r *boltRegistry) Close(context.Context) error {
	return r.db.Close()
}
