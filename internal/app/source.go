package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/fieldshare/internal/config"
	"github.com/antoniostano/fieldshare/internal/location"
	"github.com/antoniostano/fieldshare/internal/uplink"
)

// resolveSource picks the position source for LOCATION_SOURCE. A nil source
// means the device has no location capability.
func resolveSource(cfg config.Config, log *logrus.Entry) (location.Source, SourceInfo, error) {
	useReplay := func() (location.Source, SourceInfo, error) {
		r, err := location.LoadReplay(cfg.ReplayPath, cfg.ReplayInterval, log)
		if err != nil {
			return nil, SourceInfo{}, fmt.Errorf("replay source init failed: %w", err)
		}
		return r, SourceInfo{Kind: "replay", Detail: cfg.ReplayPath}, nil
	}
	useGPSD := func() (location.Source, SourceInfo, error) {
		g := location.NewGPSD(location.GPSDConfig{Addr: cfg.GPSDAddr, Logger: log})
		return g, SourceInfo{Kind: "gpsd", Detail: cfg.GPSDAddr}, nil
	}

	switch cfg.LocationSource {
	case "replay":
		return useReplay()
	case "gpsd":
		return useGPSD()
	case "none":
		return nil, SourceInfo{Kind: "none", Detail: "location disabled"}, nil
	case "auto", "":
		if cfg.ReplayPath != "" {
			return useReplay()
		}
		if cfg.GPSDAddr != "" {
			return useGPSD()
		}
		return nil, SourceInfo{Kind: "none", Detail: "no replay track or gpsd address configured"}, nil
	default:
		return nil, SourceInfo{}, fmt.Errorf("invalid LOCATION_SOURCE: %q (expected auto|gpsd|replay|none)", cfg.LocationSource)
	}
}

// checkToken warns about a bearer token that is expired or close to it. Opaque
// tokens are accepted silently.
func checkToken(token string, log *logrus.Entry) {
	if token == "" {
		log.Warn("BOOKING_API_TOKEN is empty; booking API calls will be unauthenticated")
		return
	}
	exp, err := uplink.TokenExpiry(token)
	switch {
	case errors.Is(err, uplink.ErrNoExpiry):
		return
	case err != nil:
		log.WithError(err).Debug("booking API token is not a JWT")
		return
	}
	remaining := time.Until(exp)
	entry := log.WithField("expires_at", exp.UTC().Format(time.RFC3339))
	switch {
	case remaining <= 0:
		entry.Warn("booking API token has expired")
	case remaining < 24*time.Hour:
		entry.WithField("remaining", remaining.Round(time.Minute).String()).Warn("booking API token expires soon")
	default:
		entry.Debug("booking API token valid")
	}
}
