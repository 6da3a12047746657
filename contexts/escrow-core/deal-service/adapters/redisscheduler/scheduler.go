package redisscheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"meridian/contexts/escrow-core/deal-service/domain/entities"
	domainerrors "meridian/contexts/escrow-core/deal-service/domain/errors"
	"meridian/contexts/escrow-core/deal-service/ports"
)

const (
	dueSetKey    = "deal:release:due"
	jobKeyPrefix = "deal:release:job:"
	jobRetention = 45 * 24 * time.Hour
)

// Connect initializes a Redis client from URL or host:port input.
// Supporting both formats keeps local/dev and container config paths simple.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, fmt.Errorf("parse redis url: %w", parseErr)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Scheduler stores release jobs in a Redis sorted set scored by the next
// attempt time, with the job body in a companion key. One member per
// milestone id, so rescheduling replaces rather than duplicates.
type Scheduler struct {
	client *redis.Client
}

func NewScheduler(client *redis.Client) *Scheduler {
	return &Scheduler{client: client}
}

type jobPayload struct {
	MilestoneID   string    `json:"milestone_id"`
	DealID        string    `json:"deal_id"`
	FireAt        time.Time `json:"fire_at"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
}

func (s *Scheduler) Schedule(ctx context.Context, job entities.ReleaseJob) error {
	milestoneID := strings.TrimSpace(job.MilestoneID)
	if milestoneID == "" {
		return domainerrors.ErrInvalidInput
	}
	if job.NextAttemptAt.IsZero() {
		job.NextAttemptAt = job.FireAt
	}
	payload, err := json.Marshal(jobPayload{
		MilestoneID:   milestoneID,
		DealID:        strings.TrimSpace(job.DealID),
		FireAt:        job.FireAt.UTC(),
		Attempts:      job.Attempts,
		NextAttemptAt: job.NextAttemptAt.UTC(),
		CreatedAt:     job.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+milestoneID, payload, jobRetention)
	pipe.ZAdd(ctx, dueSetKey, redis.Z{
		Score:  float64(job.NextAttemptAt.UTC().Unix()),
		Member: milestoneID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Scheduler) Cancel(ctx context.Context, milestoneID string) error {
	milestoneID = strings.TrimSpace(milestoneID)
	if milestoneID == "" {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, dueSetKey, milestoneID)
	pipe.Del(ctx, jobKeyPrefix+milestoneID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Scheduler) DueJobs(ctx context.Context, now time.Time, limit int) ([]entities.ReleaseJob, error) {
	if limit <= 0 {
		limit = 100
	}
	members, err := s.client.ZRangeByScore(ctx, dueSetKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]entities.ReleaseJob, 0, len(members))
	for _, milestoneID := range members {
		raw, err := s.client.Get(ctx, jobKeyPrefix+milestoneID).Bytes()
		if err != nil {
			if err == redis.Nil {
				// Body expired out from under the index; drop the orphan.
				s.client.ZRem(ctx, dueSetKey, milestoneID)
				continue
			}
			return nil, err
		}
		var payload jobPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.client.ZRem(ctx, dueSetKey, milestoneID)
			continue
		}
		jobs = append(jobs, entities.ReleaseJob{
			MilestoneID:   payload.MilestoneID,
			DealID:        payload.DealID,
			FireAt:        payload.FireAt.UTC(),
			Attempts:      payload.Attempts,
			NextAttemptAt: payload.NextAttemptAt.UTC(),
			CreatedAt:     payload.CreatedAt.UTC(),
		})
	}
	return jobs, nil
}

func (s *Scheduler) Reschedule(ctx context.Context, milestoneID string, nextAt time.Time, attempts int) error {
	milestoneID = strings.TrimSpace(milestoneID)
	raw, err := s.client.Get(ctx, jobKeyPrefix+milestoneID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	var payload jobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return err
	}
	payload.Attempts = attempts
	payload.NextAttemptAt = nextAt.UTC()
	updated, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, jobKeyPrefix+milestoneID, updated, jobRetention)
	pipe.ZAdd(ctx, dueSetKey, redis.Z{
		Score:  float64(nextAt.UTC().Unix()),
		Member: milestoneID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

var _ ports.ReleaseScheduler = (*Scheduler)(nil)
