package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yoockh/cogload/config"
	"github.com/yoockh/cogload/internal/forwarder"
	"github.com/yoockh/cogload/internal/logger"
)

func main() {
	path := flag.String("config", "relay.yaml", "path to the relay YAML config")
	flag.Parse()

	_ = godotenv.Load()
	log := logger.New()

	cfg, err := config.LoadRelay(*path)
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	log.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("relay exited")
	}
	log.Info("relay stopped")
}

func run(ctx context.Context, cfg *config.Relay, log *logrus.Logger) error {
	src, err := newSource(cfg.Source)
	if err != nil {
		return err
	}
	defer src.Close()

	fwd, err := forwarder.New(cfg.Forwarder, src, log)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"url":      cfg.Forwarder.URL,
		"user_id":  cfg.Forwarder.UserID,
		"source":   cfg.Source.Kind,
		"channels": cfg.Source.Channels,
		"rate":     cfg.Source.Rate,
	}).Info("relay starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Run returns once the source is drained, so stop the stats loop too
		defer cancel()
		return fwd.Run(gctx)
	})
	g.Go(func() error {
		t := time.NewTicker(cfg.StatsInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				logStats(log, fwd.Stats())
				return nil
			case <-t.C:
				logStats(log, fwd.Stats())
			}
		}
	})
	return g.Wait()
}

func newSource(c config.RelaySource) (forwarder.Source, error) {
	if c.Kind == "udp" {
		return forwarder.NewUDPSource(c.Addr)
	}
	var opts []forwarder.SyntheticOption
	if c.Limit > 0 {
		opts = append(opts, forwarder.WithLimit(c.Limit))
	}
	return forwarder.NewSyntheticSource(c.Rate, c.Channels, opts...), nil
}

func logStats(log *logrus.Logger, st forwarder.Stats) {
	log.WithFields(logrus.Fields{
		"connected":   st.Connected,
		"session_id":  st.SessionID,
		"read":        st.Read,
		"sent":        st.Sent,
		"acked_seq":   st.Acked,
		"buffered":    st.Buffered,
		"dropped":     st.Dropped,
		"reconnects":  st.Reconnects,
		"rejected":    st.Rejected,
		"source_errs": st.SourceErrors,
	}).Info("relay stats")
}
