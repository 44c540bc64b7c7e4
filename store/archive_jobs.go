package store

import (
	"context"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/redis/go-redis/v9"
)

// ArchiveJobRecorder tracks archive exports while they stream.
type ArchiveJobRecorder interface {
	Start(ctx context.Context, job *models.ArchiveJob) error
	Progress(ctx context.Context, jobID string, written int, bytes int64) error
	Finish(ctx context.Context, res models.ArchiveResult, message string) error
}

func archiveJobKey(jobID string) string {
	return "archive:job:" + jobID
}

type RedisArchiveJobs struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisArchiveJobs(client *redis.Client, ttl time.Duration) *RedisArchiveJobs {
	return &RedisArchiveJobs{client: client, ttl: ttl}
}

func (r *RedisArchiveJobs) Name() string {
	return "ArchiveJobs[redis]"
}

func (r *RedisArchiveJobs) IsReady(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisArchiveJobs) Start(ctx context.Context, job *models.ArchiveJob) error {
	key := archiveJobKey(job.JobId)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]interface{}{
			"owner_id":    job.OwnerId,
			"status":      string(models.ArchiveStreaming),
			"progress":    0,
			"bytes":       0,
			"total_files": job.TotalFiles,
			"total_size":  job.TotalSize,
			"started_at":  time.Now().UTC().Format(time.RFC3339),
		})
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

func (r *RedisArchiveJobs) Progress(ctx context.Context, jobID string, written int, bytes int64) error {
	return r.client.HSet(ctx, archiveJobKey(jobID), "progress", written, "bytes", bytes).Err()
}

func (r *RedisArchiveJobs) Finish(ctx context.Context, res models.ArchiveResult, message string) error {
	key := archiveJobKey(res.JobId)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]interface{}{
			"status":      string(res.Status),
			"progress":    res.Written,
			"skipped":     res.Skipped,
			"corrupt":     strings.Join(res.Corrupt, ","),
			"bytes":       res.BytesWritten,
			"message":     message,
			"finished_at": time.Now().UTC().Format(time.RFC3339),
		})
		p.Expire(ctx, key, r.ttl)
		return nil
	})
	return err
}

// Status returns the recorded hash of a job, empty when unknown or expired.
func (r *RedisArchiveJobs) Status(ctx context.Context, jobID string) (map[string]string, error) {
	return r.client.HGetAll(ctx, archiveJobKey(jobID)).Result()
}

// NullArchiveJobs is used when Redis is disabled.
type NullArchiveJobs struct{}

func (NullArchiveJobs) Start(context.Context, *models.ArchiveJob) error            { return nil }
func (NullArchiveJobs) Progress(context.Context, string, int, int64) error         { return nil }
func (NullArchiveJobs) Finish(context.Context, models.ArchiveResult, string) error { return nil }
