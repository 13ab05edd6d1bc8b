package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"emotion-server/pkg/audiomodel"
	"emotion-server/pkg/config"
	"emotion-server/pkg/errors"
	"emotion-server/pkg/textmodel"
	"emotion-server/pkg/version"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// overrides holds command-line values that take precedence over the environment
type overrides struct {
	port      int
	logLevel  string
	logFormat string
	model     string
	threshold float64
}

func (o *overrides) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.port, "port", 0, "HTTP port (overrides the *_HTTP_PORT variable)")
	cmd.Flags().StringVar(&o.model, "model", "", "model weights path (overrides *_MODEL_PATH)")
	cmd.Flags().Float64Var(&o.threshold, "threshold", 0, "confidence threshold below which the label becomes neutral")
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config, modality string) error {
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if flags.Changed("threshold") && !(o.threshold >= 0 && o.threshold <= 1) {
		return errors.NewInvalidInput(fmt.Sprintf("threshold must be within [0, 1], got %v", o.threshold))
	}
	if flags.Changed("port") && (o.port <= 0 || o.port > 65535) {
		return errors.NewInvalidInput(fmt.Sprintf("invalid port %d", o.port))
	}

	switch modality {
	case textmodel.Modality:
		if flags.Changed("port") {
			cfg.Text.Port = o.port
		}
		if flags.Changed("model") {
			cfg.Text.ModelPath = o.model
		}
		if flags.Changed("threshold") {
			cfg.Text.Threshold = o.threshold
		}
	case audiomodel.Modality:
		if flags.Changed("port") {
			cfg.Audio.Port = o.port
		}
		if flags.Changed("model") {
			cfg.Audio.ModelPath = o.model
		}
		if flags.Changed("threshold") {
			cfg.Audio.Threshold = o.threshold
		}
	}
	return nil
}

func newRootCommand(logger *logrus.Logger) *cobra.Command {
	opts := &overrides{}

	root := &cobra.Command{
		Use:           "emotiond",
		Short:         "Text and audio emotion classification services",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format, json or text (overrides LOG_FORMAT)")

	root.AddCommand(
		newServeCommand(logger, opts, textmodel.Modality, "Serve the text emotion API"),
		newServeCommand(logger, opts, audiomodel.Modality, "Serve the audio emotion API"),
		newClassifyCommand(logger, opts),
	)
	return root
}

func newServeCommand(logger *logrus.Logger, opts *overrides, modality, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   modality,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, logger, opts, modality)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, logger, cfg, modality)
		},
	}
	opts.register(cmd)
	return cmd
}

func newClassifyCommand(logger *logrus.Logger, opts *overrides) *cobra.Command {
	classify := &cobra.Command{
		Use:   "classify",
		Short: "Classify one input offline and print the prediction as JSON",
	}

	text := &cobra.Command{
		Use:   "text TEXT",
		Short: "Classify a text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger, opts, textmodel.Modality)
			if err != nil {
				return err
			}
			svc, err := textmodel.LoadService(logger, cfg.Text)
			if err != nil {
				return err
			}
			prediction, err := svc.Predict(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), prediction)
		},
	}
	opts.register(text)

	audio := &cobra.Command{
		Use:   "audio FILE",
		Short: "Classify an audio file (.wav, .mp3 or .ogg)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, logger, opts, audiomodel.Modality)
			if err != nil {
				return err
			}
			svc, err := audiomodel.LoadService(logger, cfg.Audio)
			if err != nil {
				return err
			}
			prediction, err := svc.PredictFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), prediction)
		},
	}
	opts.register(audio)

	classify.AddCommand(text, audio)
	return classify
}

func loadConfig(cmd *cobra.Command, logger *logrus.Logger, opts *overrides, modality string) (*config.Config, error) {
	cfg, err := config.Load(logger)
	if err != nil {
		return nil, err
	}
	if err := opts.apply(cmd, cfg, modality); err != nil {
		return nil, err
	}
	if err := cfg.ApplyLogging(logger); err != nil {
		return nil, err
	}
	return cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
