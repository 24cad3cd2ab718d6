package engine

import (
	"context"

	"github.com/conneroisu/stencil/internal/build"
	"github.com/conneroisu/stencil/internal/config"
	"github.com/conneroisu/stencil/internal/logging"
	"github.com/conneroisu/stencil/internal/snapshot"
)

// OptionsFromConfig translates a loaded configuration into engine options.
// An unreadable bundle manifest is logged and leaves debug bundles empty.
func OptionsFromConfig(cfg *config.Config, logger logging.Logger) (Options, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	codec, err := snapshot.CodecFor(cfg.Cache.Format)
	if err != nil {
		return Options{}, err
	}

	compilerOpts := build.DefaultOptions()
	compilerOpts.SharedSegment = cfg.Views.SharedSegment
	compilerOpts.FragmentMarker = cfg.Views.FragmentMarker
	compilerOpts.Debug = cfg.Render.Debug
	compilerOpts.ResourceRoot = cfg.Render.ResourceRoot
	compilerOpts.HelperBundles = cfg.Render.HelperBundles
	compilerOpts.WellFormedCheck = cfg.Render.WellFormedCheck
	compilerOpts.Minify = cfg.Render.Minify

	if cfg.Render.BundleManifest != "" {
		manifest, err := build.LoadManifest(cfg.Render.BundleManifest)
		if err != nil {
			logger.Warn(context.Background(), err, "bundle manifest unavailable",
				"path", cfg.Render.BundleManifest)
		} else {
			compilerOpts.Bundles = manifest
		}
	}

	return Options{
		Roots:      cfg.Views.Roots,
		Extensions: cfg.Views.Extensions,
		Compiler:   compilerOpts,
		Codec:      codec,
		Retry: RetryPolicy{
			Interval:    cfg.Watch.RetryInterval,
			MaxInterval: cfg.Watch.RetryMaxInterval,
			Limit:       cfg.Watch.RetryLimit,
		},
		Logger: logger,
	}, nil
}

// NewFromConfig creates an engine for cfg.
func NewFromConfig(cfg *config.Config, logger logging.Logger) (*Engine, error) {
	opts, err := OptionsFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(opts)
}
