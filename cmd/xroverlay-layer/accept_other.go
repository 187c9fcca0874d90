//go:build !windows

package main

import (
	"context"
	"log/slog"

	"github.com/dcrane/xroverlay/internal/config"
	"github.com/dcrane/xroverlay/internal/negotiate"
	"github.com/dcrane/xroverlay/internal/xrerr"
)

func runAcceptLoop(ctx context.Context, mgr *negotiate.Manager, cfg *config.Config, logger *slog.Logger) error {
	return xrerr.ErrUnsupportedPlatform
}
