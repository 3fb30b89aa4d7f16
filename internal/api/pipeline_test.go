package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-task-pipeline/internal/channel"
	"catalog-task-pipeline/internal/executor"
	"catalog-task-pipeline/internal/models"
)

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPipelineEndToEnd(t *testing.T) {
	fx := newFixture(t)
	log := quietLogger()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records := executor.NewStoreClient(fx.srv.URL, nil)
	exec, err := executor.New(
		executor.NewCatalogClient(fx.srv.URL, nil).Dispatchers(),
		records,
		log,
		executor.WithConfirmTimeout(5*time.Second),
		executor.WithLocalState(executor.NewLocalState(t.TempDir())),
	)
	require.NoError(t, err)
	defer exec.Close()

	ch := channel.New(channel.Config{
		URL:            "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws",
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	}, exec, log, channel.WithOnConnect(func(ctx context.Context) { _ = exec.Sync(ctx) }))
	ch.Start(ctx)
	defer ch.Close()
	pollUntil(t, 5*time.Second, ch.Connected)

	first, err := exec.Enqueue(models.KindCreateBrand, models.Payload{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, exec.Wait(ctx))

	got, ok := exec.Get(first.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusSuccess, got.Status)
	assert.JSONEq(t, `"acme"`, mustField(t, got.Result, "id"))

	second, err := exec.Enqueue(models.KindCreateBrand, models.Payload{Name: "Acme"})
	require.NoError(t, err)
	require.NoError(t, exec.Wait(ctx))

	got, ok = exec.Get(second.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusError, got.Status)
	assert.Equal(t, "Brand name already exists.", got.Error)

	pollUntil(t, 5*time.Second, func() bool {
		list, err := fx.store.List(ctx)
		if err != nil || len(list) != 2 {
			return false
		}
		return list[0].Status.Terminal() && list[1].Status.Terminal()
	})
	stats, err := records.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Success)
	assert.Equal(t, 1, stats.Error)
}
