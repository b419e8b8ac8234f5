package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"hazardwatch/internal/api"
	"hazardwatch/internal/config"
	"hazardwatch/internal/domain/entities"
	"hazardwatch/internal/metrics"
	"hazardwatch/internal/realtime"
	"hazardwatch/internal/repository"
	"hazardwatch/internal/repository/badger"
	"hazardwatch/internal/repository/memory"
	"hazardwatch/internal/services"
	"hazardwatch/internal/state"
)

const lockSweepInterval = time.Minute

// client wires every component of a running client together.
type client struct {
	cfg    *config.Config
	logger *logrus.Logger

	kv      repository.KVStore
	store   *state.Store
	tokens  *state.Tokens
	metrics *metrics.Metrics
	api     *api.Client
	channel *realtime.Channel
	cache   *memory.IncidentCache
	locks   *memory.LockManager
	queries *services.QueryRegistry

	feed          *services.FeedService
	mutations     *services.MutationService
	reports       *services.ReportService
	location      *services.LocationService
	session       *services.SessionService
	notifications *services.NotificationService
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func openStore(cfg config.StorageConfig, logger logrus.FieldLogger) (repository.KVStore, error) {
	if cfg.InMemory || cfg.Path == "" {
		return memory.NewKVStore(), nil
	}
	bcfg := badger.DefaultConfig(cfg.Path)
	bcfg.SyncWrites = cfg.SyncWrites
	bcfg.Logger = logger
	kv, err := badger.Open(bcfg)
	if err != nil {
		return nil, err
	}
	return kv, nil
}

// newClient loads the configuration and builds the client. The caller must
// Close it.
func newClient(cCtx *cli.Context) (*client, error) {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := cCtx.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	ctx := cCtx.Context
	kv, err := openStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	c := &client{cfg: cfg, logger: logger, kv: kv}

	c.store = state.NewStore(kv)
	c.tokens, err = state.LoadTokens(ctx, c.store, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}
	c.metrics = metrics.New()

	c.api, err = api.NewClient(cfg.API, c.tokens, logger, api.WithMetrics(c.metrics))
	if err != nil {
		kv.Close()
		return nil, err
	}
	c.channel = realtime.NewChannel(cfg.Realtime, logger,
		realtime.WithTokens(c.tokens),
		realtime.WithMetrics(c.metrics),
	)

	c.cache, err = memory.OpenIncidentCache(ctx, memory.CacheOptions{
		Store:          c.store,
		IndexPrecision: cfg.Feed.IndexPrecision,
		Logger:         logger,
	})
	if err != nil {
		kv.Close()
		return nil, err
	}
	c.locks = memory.NewLockManager(lockSweepInterval)
	c.queries = services.NewQueryRegistry(c.api, c.cache, 0, logger)

	c.feed = services.NewFeedService(c.api, c.channel, c.cache, c.queries, cfg.Feed, logger, c.metrics)
	c.mutations = services.NewMutationService(c.api, c.cache, c.queries, c.locks, logger, c.metrics)
	c.location = services.NewLocationService(services.StaticLocator{Coordinate: coordinateFlags(cCtx)}, c.store, logger)
	c.reports = services.NewReportService(c.api, c.cache, c.store, c.location, cfg.Feed, logger)
	c.session = services.NewSessionService(c.api, c.store, c.tokens, logger)
	c.notifications = services.NewNotificationService(c.store, c.cache, c.feed.IsWatched, logger)
	return c, nil
}

// Close stops background work and closes the store. Background detail
// refetches are waited for so their results reach the snapshot.
func (c *client) Close() {
	c.channel.Disconnect()
	c.queries.Wait()
	c.queries.Close()
	c.locks.Stop()
	if err := c.kv.Close(); err != nil {
		c.logger.WithError(err).Warn("failed to close store")
	}
}

// withClient adapts a command action that needs a wired client.
func withClient(action func(cCtx *cli.Context, c *client) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		c, err := newClient(cCtx)
		if err != nil {
			return err
		}
		defer c.Close()
		return action(cCtx, c)
	}
}

var coordinateCliFlags = []cli.Flag{
	&cli.Float64Flag{Name: "lat", Usage: "Latitude of the location to use"},
	&cli.Float64Flag{Name: "lon", Usage: "Longitude of the location to use"},
}

func coordinateFlags(cCtx *cli.Context) *entities.Coordinate {
	if !cCtx.IsSet("lat") || !cCtx.IsSet("lon") {
		return nil
	}
	c := entities.NewCoordinate(cCtx.Float64("lat"), cCtx.Float64("lon"))
	return &c
}

// center picks the map center: the location flags, then the saved viewport,
// then the last known location.
func (c *client) center(ctx context.Context, cCtx *cli.Context) (entities.Region, error) {
	if coord := coordinateFlags(cCtx); coord != nil {
		if _, err := c.location.Current(ctx); err != nil {
			return entities.Region{}, err
		}
		return entities.Region{Center: *coord}, nil
	}
	if r, ok := c.cache.Region(); ok {
		return r, nil
	}
	coord, err := c.location.Resolve(ctx, true)
	if err != nil {
		return entities.Region{}, fmt.Errorf("no location known, pass --lat and --lon: %w", err)
	}
	return entities.Region{Center: coord}, nil
}

// ensureCached loads incident id into the cache so mutations can layer on
// it.
func (c *client) ensureCached(ctx context.Context, id string) error {
	if _, ok := c.cache.Get(id); ok {
		return nil
	}
	_, err := c.queries.Detail(ctx, id)
	return err
}

func printJSON(cCtx *cli.Context, v any) error {
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
