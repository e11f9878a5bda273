package app

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/fieldshare/internal/config"
	"github.com/antoniostano/fieldshare/internal/httpapi"
	"github.com/antoniostano/fieldshare/internal/location"
	"github.com/antoniostano/fieldshare/internal/observability"
	"github.com/antoniostano/fieldshare/internal/policy"
	"github.com/antoniostano/fieldshare/internal/sharing"
	"github.com/antoniostano/fieldshare/internal/uplink"
)

type SourceInfo struct {
	Kind   string
	Detail string
}

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Manager *sharing.Manager
	Source  location.Source
	Metrics *observability.Metrics
	// SourceInfo describes which position source was selected.
	SourceInfo SourceInfo
}

// Build wires the daemon's components from cfg.
func Build(_ context.Context, cfg config.Config, logger *logrus.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logrus.NewEntry(logger)
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	source, info, err := resolveSource(cfg, log)
	if err != nil {
		return nil, err
	}

	precision := policy.CoarseLocation
	if cfg.LogPreciseLocation {
		precision = policy.PreciseLocation
	}

	checkToken(cfg.BookingAPIToken, log)

	client := uplink.New(uplink.Config{
		BaseURL:   cfg.BookingAPIBaseURL,
		Token:     cfg.BookingAPIToken,
		Timeout:   cfg.UplinkTimeout,
		Precision: precision,
		Logger:    log,
		Metrics:   metrics,
	})

	notices := httpapi.NewNoticeHub()
	manager := sharing.NewManager(sharing.Config{
		Source:   source,
		Uplink:   client,
		Notifier: sharing.Notifiers{sharing.LogNotifier{Log: log.WithField("component", "notice")}, notices},
		Options: location.Options{
			HighAccuracy: cfg.WatchHighAccuracy,
			Timeout:      cfg.WatchTimeout,
			MaximumAge:   cfg.WatchMaximumAge,
		},
		SendTimeout: cfg.UplinkTimeout,
		Precision:   precision,
		Logger:      log,
		Metrics:     metrics,
	})

	api := httpapi.New(cfg, manager, source, notices, metrics, log)

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Manager:    manager,
		Source:     source,
		Metrics:    metrics,
		SourceInfo: info,
	}, nil
}
