// Package queue is the Redis list based job queue shared by the API and the worker.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key is the Redis list holding pending jobs.
const Key = "jobs"

const TypeSendEmail = "send_email"

type Job struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EmailJob asks the worker to render Template with Data and mail it to To.
type EmailJob struct {
	To       string         `json:"to"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data"`
}

func EnqueueEmail(ctx context.Context, rdb *redis.Client, e EmailJob) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b, err := json.Marshal(Job{Type: TypeSendEmail, Data: data})
	if err != nil {
		return err
	}
	return rdb.LPush(ctx, Key, b).Err()
}

// Next blocks up to timeout for a job. It returns redis.Nil when none arrived.
func Next(ctx context.Context, rdb *redis.Client, timeout time.Duration) (Job, error) {
	res, err := rdb.BRPop(ctx, timeout, Key).Result()
	if err != nil {
		return Job{}, err
	}
	var j Job
	if err := json.Unmarshal([]byte(res[1]), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}
