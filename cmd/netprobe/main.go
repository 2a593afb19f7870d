// Package main provides netprobe, a client that connects to a gateway,
// creates or joins a room and reports latency, bandwidth and the mirrored
// entity count until interrupted.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playnet/internal/client"
	"github.com/cory-johannsen/playnet/internal/config"
	"github.com/cory-johannsen/playnet/internal/observability"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8080/websocket", "gateway websocket URL")
	codec := flag.String("codec", "json", "envelope codec: json or msgpack")
	levelID := flag.String("level", "L1", "level to create a room from")
	roomID := flag.Uint64("room", 0, "join this room instead of creating one")
	interval := flag.Duration("interval", 2*time.Second, "report interval")
	duration := flag.Duration("duration", 0, "stop after this long; 0 = until interrupted")
	logLevel := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"}, "netprobe")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := client.Dial(dialCtx, *url, client.Options{Codec: *codec, Logger: logger})
	cancel()
	if err != nil {
		logger.Fatal("connecting", zap.String("url", *url), zap.Error(err))
	}
	defer c.Close()
	logger.Info("connected",
		zap.String("user_id", c.UserID()),
		zap.Int("templates", len(c.Templates())),
	)

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	var r *client.Room
	if *roomID != 0 {
		r, err = c.JoinRoom(callCtx, *roomID)
	} else {
		r, err = c.CreateRoom(callCtx, *levelID)
	}
	cancel()
	if err != nil {
		logger.Fatal("entering room", zap.Error(err))
	}
	logger.Info("entered room", zap.Uint64("room_id", r.ID()), zap.Uint64("player_id", r.Player().ID()))

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping")
			return
		case <-c.Done():
			logger.Warn("gateway closed the connection")
			return
		case <-ticker.C:
			logger.Info("probe",
				zap.Uint64("room_id", r.ID()),
				zap.Duration("latency", c.Latency()),
				zap.Int64("bytes_in_per_sec", c.BandwidthIn()),
				zap.Int64("bytes_out_per_sec", c.BandwidthOut()),
				zap.Int("entities", len(r.Entities())),
			)
		}
	}
}
