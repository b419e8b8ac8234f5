package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"hazardwatch/internal/inspect"
	"hazardwatch/internal/inspect/handlers"
	"hazardwatch/internal/realtime"
	"hazardwatch/internal/services"
)

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Follow incidents around a location in real time",
	Flags: append([]cli.Flag{
		&cli.StringSliceFlag{Name: "incident", Usage: "Also follow these incident ids"},
		&cli.BoolFlag{Name: "inspect", Usage: "Serve the local inspector"},
	}, coordinateCliFlags...),
	Action: withClient(watch),
}

func watch(cCtx *cli.Context, c *client) error {
	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := c.logger.WithField("command", "watch")

	if err := c.notifications.Load(ctx); err != nil {
		return err
	}
	c.feed.Register(c.channel)
	c.notifications.Register(c.channel)
	c.notifications.OnNotice(func(n services.Notice) {
		fmt.Fprintf(cCtx.App.Writer, "[%s] %s: %s\n", n.IncidentID, n.Title, n.Body)
	})
	c.channel.OnStateChange(func(s realtime.State) {
		logger.WithField("state", s.String()).Info("realtime state changed")
	})

	region, err := c.center(ctx, cCtx)
	if err != nil {
		return err
	}
	if err := c.channel.Connect(ctx); err != nil {
		logger.WithError(err).Warn("realtime connect failed, retrying in the background")
	}
	if err := c.feed.SetViewport(ctx, region); err != nil {
		return userError(err)
	}
	for _, id := range cCtx.StringSlice("incident") {
		if err := c.feed.WatchIncident(id); err != nil {
			return userError(err)
		}
	}
	logger.WithField("visible", len(c.feed.Visible())).Info("watching")

	g, gctx := errgroup.WithContext(ctx)
	if cCtx.Bool("inspect") || c.cfg.Inspect.Enabled {
		router := inspect.NewRouter(
			handlers.NewIncidentHandler(c.cache, c.feed),
			handlers.NewRealtimeHandler(c.channel, c.feed),
			c.metrics.Registry,
			c.cfg.Inspect.Token,
		)
		engine := inspect.NewEngine(router, c.logger)
		g.Go(func() error {
			return inspect.Serve(gctx, c.cfg.Inspect, engine, c.logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		c.channel.Disconnect()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}
