//go:build windows

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dcrane/xroverlay/internal/config"
	"github.com/dcrane/xroverlay/internal/negotiate"
)

func runAcceptLoop(ctx context.Context, mgr *negotiate.Manager, cfg *config.Config, logger *slog.Logger) error {
	acceptor, err := negotiate.NewSharedAcceptor(uint32(cfg.IPC.RegionSize))
	if err != nil {
		return fmt.Errorf("create negotiation objects: %w", err)
	}
	defer acceptor.Close()

	logger.Info("accepting overlay connections",
		slog.String("negotiation", negotiate.NegotiationName),
	)

	return mgr.Run(ctx, acceptor)
}
