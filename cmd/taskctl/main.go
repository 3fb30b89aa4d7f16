// Command taskctl queues catalog tasks from the command line and follows them
// to completion over the push channel.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"catalog-task-pipeline/internal/channel"
	"catalog-task-pipeline/internal/config"
	"catalog-task-pipeline/internal/executor"
	"catalog-task-pipeline/internal/models"
)

const usage = `usage: taskctl <command> [flags]

commands:
  enqueue <kind> key=value...   queue a task and wait for it to settle
  sync                          reconcile local tasks with the server
  list [-remote]                print tasks, newest first
  stats [-remote]               print task counts by status
  clear [-remote]               drop finished tasks

kinds: create-brand, create-category, create-purpose, create-product, update-product-name
keys:  name, newName, productId, categoryId, brandId, purposeId, image (file path)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()
	log := cfg.Logger()
	log.SetOutput(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "enqueue":
		err = runEnqueue(ctx, cfg, log, args)
	case "sync":
		err = runSync(ctx, cfg, log)
	case "list", "stats", "clear":
		err = runInspect(ctx, cfg, log, cmd, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Error(cmd + " failed")
		os.Exit(1)
	}
}

func newExecutor(cfg config.Config, log logrus.FieldLogger) (*executor.Executor, *executor.StoreClient, error) {
	records := executor.NewStoreClient(cfg.APIURL, nil)
	exec, err := executor.New(
		executor.NewCatalogClient(cfg.APIURL, nil).Dispatchers(),
		records,
		log,
		executor.WithConfirmTimeout(cfg.ConfirmTimeout),
		executor.WithLocalState(executor.NewLocalState(cfg.ClientStateDir)),
	)
	if err != nil {
		return nil, nil, err
	}
	return exec, records, nil
}

func runEnqueue(ctx context.Context, cfg config.Config, log logrus.FieldLogger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("enqueue needs a kind")
	}
	kind := models.Kind(args[0])
	payload, err := parsePayload(args[1:])
	if err != nil {
		return err
	}
	exec, _, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}
	defer exec.Close()

	ch := channel.New(channel.Config{
		URL:            cfg.WSURL,
		BackoffInitial: cfg.ChannelBackoffInitial,
		BackoffMax:     cfg.ChannelBackoffMax,
		PingInterval:   cfg.ChannelPingInterval,
	}, exec, log, channel.WithOnConnect(func(ctx context.Context) {
		if err := exec.Sync(ctx); err != nil {
			log.WithError(err).Warn("sync after connect failed")
		}
	}))
	ch.Start(ctx)
	defer ch.Close()
	waitConnected(ctx, ch, 5*time.Second)
	if !ch.Connected() {
		log.WithField("url", cfg.WSURL).Warn("push channel not connected, results may arrive late")
	}

	rec, err := exec.Enqueue(kind, payload)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"task_id": rec.ID, "type": rec.Type}).Info("task queued")
	if err := exec.Wait(ctx); err != nil {
		return err
	}
	final, _ := exec.Get(rec.ID)
	return printJSON(final)
}

func runSync(ctx context.Context, cfg config.Config, log logrus.FieldLogger) error {
	exec, _, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}
	defer exec.Close()
	if err := exec.Sync(ctx); err != nil {
		return err
	}
	return printJSON(exec.Stats())
}

func runInspect(ctx context.Context, cfg config.Config, log logrus.FieldLogger, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	remote := fs.Bool("remote", false, "read the server task store instead of local state")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *remote {
		records := executor.NewStoreClient(cfg.APIURL, nil)
		switch cmd {
		case "list":
			list, err := records.ListRecords(ctx)
			if err != nil {
				return err
			}
			return printJSON(list)
		case "stats":
			st, err := records.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		default:
			remaining, err := records.ClearCompleted(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"remaining": remaining})
		}
	}

	exec, _, err := newExecutor(cfg, log)
	if err != nil {
		return err
	}
	defer exec.Close()
	switch cmd {
	case "list":
		return printJSON(exec.Tasks())
	case "stats":
		return printJSON(exec.Stats())
	default:
		return printJSON(map[string]int{"remaining": exec.ClearCompleted()})
	}
}

func parsePayload(pairs []string) (models.Payload, error) {
	var p models.Payload
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return p, fmt.Errorf("expected key=value, got %q", pair)
		}
		switch key {
		case "name":
			p.Name = value
		case "newName":
			p.NewName = value
		case "productId":
			p.ProductID = value
		case "categoryId":
			p.CategoryID = value
		case "brandId":
			p.BrandID = value
		case "purposeId":
			p.PurposeID = value
		case "image":
			p.ImageFile = value
		default:
			return p, fmt.Errorf("unknown payload key %q", key)
		}
	}
	return p, nil
}

func waitConnected(ctx context.Context, ch *channel.Channel, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for !ch.Connected() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
