// Package server wires the ingress listener, the HTTP query surface and
// the periodic control loop around the detection engine.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/banhammer/banhammer/config"
	"github.com/banhammer/banhammer/database"
	"github.com/banhammer/banhammer/detection"
	"github.com/banhammer/banhammer/logger"
	"github.com/banhammer/banhammer/notifier"
	"github.com/banhammer/banhammer/panel"
	"github.com/banhammer/banhammer/tracker"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	sweepInterval      = 5 * time.Second
	cleanupInterval    = 30 * time.Second
	purgeInterval      = 60 * time.Second
	statsLogInterval   = 60 * time.Second
	httpShutdownWindow = 5 * time.Second
)

// Server owns every long-running component.
type Server struct {
	cfg       *config.Config
	engine    *detection.Engine
	directory *panel.Directory
	tcp       *TCPServer
	api       *API
	banList   *database.BanList
}

func New(cfg *config.Config) (*Server, error) {
	trk := tracker.NewTracker(
		time.Duration(cfg.Detection.ConcurrentWindow)*time.Second,
		time.Duration(cfg.Detection.DataRetention)*time.Second,
	)

	directory := panel.NewDirectory(
		cfg.Env.PanelURL,
		cfg.Env.PanelToken,
		time.Duration(cfg.Detection.PanelReloadInterval)*time.Second,
	)

	zlog := logger.GetLogger()

	var sink detection.Sink = detection.NullSink{}
	var banList *database.BanList
	if cfg.Env.DatabasePath != "" {
		var err error
		banList, err = database.NewBanList(cfg.Env.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("unable to open ban list database: %w", err)
		}
		sink = database.NewSink(banList)
	} else {
		zlog.Warn().Msg("DATABASE_PATH is not set, ban list persistence is disabled")
	}

	var notify detection.Notifier = detection.NullNotifier{}
	if cfg.Env.TelegramBotToken != "" && cfg.Env.TelegramChatID != "" {
		notify = notifier.NewTelegram(
			cfg.Env.TelegramBotToken,
			cfg.Env.TelegramChatID,
			time.Duration(cfg.Notification.Interval)*time.Second,
		)
	} else {
		zlog.Warn().Msg("telegram is not configured, notifications are disabled")
	}

	if cfg.Env.APIToken == "" {
		zlog.Warn().Msg("API_TOKEN is not set, the query API is unauthenticated")
	}

	engine := detection.NewEngine(cfg, trk, directory, sink, notify)
	tcp := NewTCPServer(engine)
	api := NewAPI(cfg, engine, tcp, banList)

	return &Server{
		cfg:       cfg,
		engine:    engine,
		directory: directory,
		tcp:       tcp,
		api:       api,
		banList:   banList,
	}, nil
}

// Run starts all components and blocks until the context is canceled or a
// component fails.
func (s *Server) Run(ctx context.Context) error {
	zlog := logger.GetLogger()

	// the first directory load is best effort: detection simply skips
	// users until limits are known
	if _, err := s.directory.Load(ctx); err != nil {
		zlog.Err(err).Msg("initial panel load failed, retrying on the reload interval")
	}

	group, ctx := errgroup.WithContext(ctx)

	tcpAddr := fmt.Sprintf("%s:%d", s.cfg.Env.TCPHost, s.cfg.Env.TCPPort)
	group.Go(func() error {
		return s.tcp.Run(ctx, tcpAddr)
	})

	apiAddr := fmt.Sprintf("%s:%d", s.cfg.Env.APIHost, s.cfg.Env.APIPort)
	httpServer := &http.Server{
		Addr:              apiAddr,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group.Go(func() error {
		zlog.Info().Str("addr", apiAddr).Msg("query API started")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownWindow)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		return s.controlLoop(ctx)
	})

	err := group.Wait()

	if s.banList != nil {
		if closeErr := s.banList.Close(); closeErr != nil {
			zlog.Err(closeErr).Msg("failed to close ban list database")
		}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// controlLoop drives the periodic work: sweeps, tracker cleanup, panel
// reloads, ban-list TTL purges and a stats heartbeat.
func (s *Server) controlLoop(ctx context.Context) error {
	zlog := logger.GetLogger()
	printer := message.NewPrinter(language.English)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	var sinceCleanup, sincePurge, sinceStats time.Duration

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.engine.Sweep(now)

			sinceCleanup += sweepInterval
			if sinceCleanup >= cleanupInterval {
				sinceCleanup = 0
				if removed := s.engine.Cleanup(); removed > 0 {
					zlog.Debug().Int("removed", removed).Msg("purged idle users")
				}
			}

			if s.directory.NeedsReload() {
				if _, err := s.directory.Load(ctx); err != nil {
					zlog.Err(err).Msg("panel reload failed")
				}
			}

			sincePurge += sweepInterval
			if sincePurge >= purgeInterval {
				sincePurge = 0
				if s.banList != nil && s.cfg.Notification.BanlistTTL > 0 {
					ttl := time.Duration(s.cfg.Notification.BanlistTTL) * time.Second
					if _, err := s.banList.Purge(ttl); err != nil {
						zlog.Err(err).Msg("ban list purge failed")
					}
				}
			}

			sinceStats += sweepInterval
			if sinceStats >= statsLogInterval {
				sinceStats = 0
				stats := s.engine.Stats(s.tcp.ConnectedNodes())
				zlog.Info().
					Str("requests", printer.Sprintf("%d", stats.TotalRequests)).
					Str("blocked", printer.Sprintf("%d", stats.TotalBlocked)).
					Int("users", stats.TotalUsers).
					Int("violators", stats.ViolatorsCount).
					Int("nodes", len(stats.ConnectedNodes)).
					Msg("ingest heartbeat")
			}
		}
	}
}
