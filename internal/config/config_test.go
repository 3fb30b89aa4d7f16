package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASK_RETENTION", "")
	t.Setenv("EXECUTOR_CONFIRM_TIMEOUT", "")
	cfg := Load()
	assert.Equal(t, 1000, cfg.TaskRetention)
	assert.Equal(t, "file", cfg.TaskStoreDriver)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TASK_RETENTION", "25")
	t.Setenv("PUSH_RELAY", "redis")
	t.Setenv("EXECUTOR_CONFIRM_TIMEOUT", "0s")
	t.Setenv("IMAGE_S3_PATH_STYLE", "true")
	t.Setenv("REDIS_DB", "not-a-number")
	cfg := Load()
	assert.Equal(t, 25, cfg.TaskRetention)
	assert.Equal(t, "redis", cfg.PushRelay)
	assert.Equal(t, time.Duration(0), cfg.ConfirmTimeout)
	assert.True(t, cfg.ImageS3PathStyle)
	assert.Equal(t, 0, cfg.RedisDB)
}
