package chmux

import (
	"github.com/chmux/chmux/internal/xlog"
)

// WithFileLogging returns a copy of cfg with Logger built from xcfg,
// routing structured diagnostics through a rotating file instead of the
// zap.NewNop() default (or stderr, if xcfg.File is empty).
func WithFileLogging(cfg Config, xcfg xlog.Config) (Config, error) {
	logger, err := xlog.New(xcfg)
	if err != nil {
		return cfg, err
	}
	cfg.Logger = logger
	return cfg, nil
}
