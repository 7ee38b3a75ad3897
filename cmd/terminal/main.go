package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"possync/internal/config"
	"possync/internal/discovery"
	"possync/internal/model"
	"possync/internal/protocol"
	"possync/internal/storage"
	"possync/internal/syncengine"
	"possync/pkg/log"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	deviceID := flag.String("device", "", "device identifier (generated if empty)")
	userID := flag.String("user", "", "operator user id")
	userName := flag.String("user-name", "", "operator display name")
	hubAddr := flag.String("hub", "", "relay address, skips discovery when set")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := log.Init(log.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxAge:     cfg.Log.MaxAge,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		log.WithError(err).Fatal("Failed to open device storage")
	}
	defer store.Close()

	dev := *deviceID
	if dev == "" {
		dev = loadOrCreateDeviceID(store)
	}

	engine, err := syncengine.New(syncengine.Identity{
		DeviceID: dev,
		TenantID: cfg.Hub.TenantID,
		StoreID:  cfg.Hub.StoreID,
		UserID:   *userID,
		UserName: *userName,
	}, store, &protocol.NetDialer{}, syncengine.Config{
		Policy: syncengine.ExponentialBackoff{
			Base:        cfg.Sync.BackoffBase,
			Max:         cfg.Sync.BackoffMax,
			MaxAttempts: cfg.Sync.MaxAttempts,
		},
		RequestTimeout: cfg.Sync.RequestTimeout,
		DedupTTL:       cfg.Sync.DedupTTL,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to create sync engine")
	}
	defer engine.Close()

	logEvents := func(action string) syncengine.Handler {
		return func(events []model.Event) {
			for i := range events {
				log.WithFields(map[string]interface{}{
					"event_id":     events[i].EventID,
					"aggregate_id": events[i].AggregateID,
					"device_id":    events[i].Clock.DeviceID,
					"lamport":      events[i].Clock.Lamport,
				}).Info(action)
			}
		}
	}
	defer engine.Subscribe(syncengine.CategoryOrderCreated, logEvents("Order created"))()
	defer engine.Subscribe(syncengine.CategoryOrderUpdated, logEvents("Order updated"))()

	addr := *hubAddr
	if addr == "" {
		addr = findHub(cfg, store)
	}
	if addr == "" {
		log.Warn("No hub reachable, starting offline; events will queue until a hub appears")
	} else {
		if err := engine.Connect(context.Background(), addr); err != nil {
			log.WithError(err).Warn("Initial connect failed")
		}
	}

	log.WithFields(map[string]interface{}{
		"device_id": dev,
		"tenant_id": cfg.Hub.TenantID,
		"store_id":  cfg.Hub.StoreID,
		"state":     engine.State().String(),
	}).Info("Terminal started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down terminal...")
	engine.Disconnect()
	log.Info("Terminal exited")
}

// findHub picks a relay address: the last known hub is probed first, then the
// LAN is scanned. A hub serving a different store is skipped.
func findHub(cfg *config.Config, store *storage.Store) string {
	dcfg := discovery.Config{
		Ports:           cfg.Discovery.Ports,
		ExtraHosts:      cfg.Discovery.ExtraHosts,
		ProbeTimeout:    cfg.Discovery.ProbeTimeout,
		MaxCandidates:   cfg.Discovery.MaxCandidates,
		Workers:         cfg.Discovery.Workers,
		ProbesPerSecond: cfg.Discovery.ProbesPerSecond,
	}
	if raw, ok, err := store.Get(storage.KeyLastHub); err == nil && ok {
		if host, _, err := net.SplitHostPort(string(raw)); err == nil {
			dcfg.ExtraHosts = append([]string{host}, dcfg.ExtraHosts...)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hubs, err := discovery.Discover(ctx, dcfg)
	if err != nil {
		if !errors.Is(err, discovery.ErrNoHubFound) {
			log.WithError(err).Warn("Hub discovery failed")
		}
		return ""
	}
	for _, h := range hubs {
		if h.TenantID != cfg.Hub.TenantID || h.StoreID != cfg.Hub.StoreID {
			continue
		}
		if h.RelayPort == 0 {
			continue
		}
		return h.RelayAddr()
	}
	return ""
}

// loadOrCreateDeviceID keeps the device identity stable across restarts so
// the clock and event attribution stay consistent.
func loadOrCreateDeviceID(store *storage.Store) string {
	const key = "device_id"
	if raw, ok, err := store.Get(key); err == nil && ok {
		return string(raw)
	}
	id := uuid.NewString()
	if err := store.Put(key, []byte(id)); err != nil {
		log.WithError(err).Warn("Failed to persist device id")
	}
	return id
}
