package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/face-relay/internal/config"
	"github.com/example/face-relay/internal/fingerprint"
	"github.com/example/face-relay/internal/logging"
)

// Version is the application version.
const Version = "0.1.0"

type app struct {
	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "face-relay",
		Short:        "Relays face registrations to the registration backend",
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, envLoaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			if !envLoaded {
				logger.Debug("no .env file found, using process environment")
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "extract <image-file>",
		Short: "Print the fingerprint of a local image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.extract(cmd, args[0])
		},
	})

	return root
}

func (a *app) serve(cmd *cobra.Command) error {
	if err := runServer(cmd.Context(), a.cfg, a.logger); err != nil {
		a.logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

type extractOutput struct {
	File        string                  `json:"file"`
	Format      string                  `json:"format"`
	Extractor   string                  `json:"extractor"`
	Strategy    string                  `json:"strategy"`
	Dimension   int                     `json:"dimension"`
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
}

func (a *app) extract(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	format, err := fingerprint.Sniff(data)
	if err != nil {
		return err
	}

	extractor, err := fingerprint.New(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("init fingerprint extractor: %w", err)
	}
	if closer, ok := extractor.(io.Closer); ok {
		defer closer.Close()
	}

	fp, err := extractor.Extract(cmd.Context(), data)
	if errors.Is(err, fingerprint.ErrNoFace) {
		return fmt.Errorf("%s: %w", path, err)
	}
	if err != nil {
		return fmt.Errorf("extract fingerprint: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(extractOutput{
		File:        path,
		Format:      format,
		Extractor:   fingerprint.Backend,
		Strategy:    a.cfg.FingerprintStrategy,
		Dimension:   len(fp),
		Fingerprint: fp,
	})
}
