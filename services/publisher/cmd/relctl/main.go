package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"relpub/pkg/bus"
	"relpub/pkg/db"
	"relpub/pkg/metrics"
	gos3 "relpub/pkg/s3"
	"relpub/pkg/telemetry"
	"relpub/services/publisher"
)

const serviceName = "relctl"

var version = "dev"

// reportedError marks an error that has already been logged.
type reportedError struct{ err error }

func (e reportedError) Error() string { return e.err.Error() }
func (e reportedError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err, os.Stderr))
}

// exitCode maps a command error to the process status: 0 on success, 1 otherwise.
func exitCode(err error, stderr io.Writer) int {
	if err == nil {
		return 0
	}
	var reported reportedError
	if !errors.As(err, &reported) {
		fmt.Fprintf(stderr, "error: %v\n", err)
	}
	return 1
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relctl",
		Short:         "Create, upload and publish product releases",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newPublishCommand())
	cmd.AddCommand(newHistoryCommand())
	cmd.AddCommand(newWatchCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newPublishCommand() *cobra.Command {
	var (
		manifest  string
		relVer    string
		channel   string
		name      string
		tag       string
		artifacts []string
		platform  string
		arch      string
		checksum  bool
		sign      bool
		metaOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Create a release, upload its artifacts and publish it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			plan, err := buildPlan(cmd, manifest, relVer, channel, name, tag, artifacts, platform, arch, metaOnly)
			if err != nil {
				return err
			}

			cfg, err := publisher.LoadConfig()
			if err != nil {
				return err
			}

			shutdown, logger, err := telemetry.Init(ctx, serviceName, telemetry.LogOptions{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			})
			if err != nil {
				return err
			}
			defer flushTelemetry(shutdown, logger)

			return runPublish(ctx, cfg, *plan, logger, checksum, sign)
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "f", "", "Release manifest (YAML) describing the release and its artifacts")
	cmd.Flags().StringVar(&relVer, "version", "", "Release version, e.g. 1.0.0")
	cmd.Flags().StringVar(&channel, "channel", "stable", "Release channel")
	cmd.Flags().StringVar(&name, "name", "", "Optional release name")
	cmd.Flags().StringVar(&tag, "tag", "", "Optional release tag")
	cmd.Flags().StringArrayVar(&artifacts, "artifact", nil, "Artifact to upload as path[:filetype]; repeatable, uploaded in order")
	cmd.Flags().StringVar(&platform, "platform", "", "Artifact platform (default: host OS and release)")
	cmd.Flags().StringVar(&arch, "arch", "", "Artifact architecture (default: host machine)")
	cmd.Flags().BoolVar(&checksum, "checksum", false, "Send the SHA-256 of each artifact")
	cmd.Flags().BoolVar(&sign, "sign", false, "Sign each artifact digest with AGE_SECRET_KEY")
	cmd.Flags().BoolVar(&metaOnly, "metadata-only", false, "Register artifacts without uploading their content")
	return cmd
}

func buildPlan(cmd *cobra.Command, manifest, relVer, channel, name, tag string, artifacts []string, platform, arch string, metaOnly bool) (*publisher.Plan, error) {
	var plan *publisher.Plan
	if manifest != "" {
		loaded, err := publisher.LoadPlan(manifest)
		if err != nil {
			return nil, err
		}
		plan = loaded
	} else {
		plan = &publisher.Plan{}
	}

	if cmd.Flags().Changed("version") || plan.Release.Version == "" {
		plan.Release.Version = relVer
	}
	if cmd.Flags().Changed("channel") || plan.Release.Channel == "" {
		plan.Release.Channel = channel
	}
	if name != "" {
		plan.Release.Name = &name
	}
	if tag != "" {
		plan.Release.Tag = &tag
	}

	for _, raw := range artifacts {
		src, err := publisher.ParseArtifactFlag(raw)
		if err != nil {
			return nil, err
		}
		plan.Artifacts = append(plan.Artifacts, src)
	}
	for i := range plan.Artifacts {
		if platform != "" && plan.Artifacts[i].Platform == "" {
			plan.Artifacts[i].Platform = platform
		}
		if arch != "" && plan.Artifacts[i].Arch == "" {
			plan.Artifacts[i].Arch = arch
		}
		if metaOnly {
			plan.Artifacts[i].MetadataOnly = true
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func runPublish(ctx context.Context, cfg publisher.Config, plan publisher.Plan, logger *logrus.Logger, checksum, sign bool) error {
	clientOpts := []publisher.Option{
		publisher.WithLogger(logger),
		publisher.WithTransport(telemetry.Transport(nil)),
	}
	if gos3.Configured() {
		s3Client, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		clientOpts = append(clientOpts, publisher.WithObjectStore(s3Client))
	}

	client, err := publisher.NewClient(cfg, clientOpts...)
	if err != nil {
		return err
	}

	recorder := metrics.New()
	wfOpts := []publisher.WorkflowOption{
		publisher.WithWorkflowLogger(logger),
		publisher.WithMetrics(recorder),
	}
	if checksum {
		wfOpts = append(wfOpts, publisher.WithChecksums())
	}
	if sign {
		signer, err := publisher.NewSignerFromEnv()
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"recipient":  signer.Recipient(),
			"public_key": signer.PublicKeyBase64(),
		}).Info("signing artifacts")
		wfOpts = append(wfOpts, publisher.WithSigner(signer))
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(publisher.EventStream, publisher.EventSubjects); err != nil {
			return fmt.Errorf("ensure event stream: %w", err)
		}
		wfOpts = append(wfOpts, publisher.WithEvents(b))
	}

	if cfg.DatabaseURL != "" {
		ledger, closeLedger, err := openLedger(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer closeLedger()
		wfOpts = append(wfOpts, publisher.WithLedger(ledger))
	}

	_, runErr := publisher.NewWorkflow(client, wfOpts...).Run(ctx, plan)

	if cfg.PushgatewayURL != "" {
		if err := recorder.Push(ctx, cfg.PushgatewayURL, plan.Release.Version); err != nil {
			logger.WithError(err).Warn("push metrics")
		}
	}

	if runErr != nil {
		logger.WithContext(ctx).Error(publisher.Describe(runErr))
		return reportedError{err: runErr}
	}
	return nil
}

func openLedger(ctx context.Context, dsn string) (*publisher.GormLedger, func(), error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	ledger, err := publisher.NewLedger(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return ledger, pool.Close, nil
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List releases recorded in the local ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := publisher.ReadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is required")
			}

			ledger, closeLedger, err := openLedger(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer closeLedger()

			entries, err := ledger.History(ctx, limit)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of releases to list")
	return cmd
}

func printHistory(out io.Writer, entries []publisher.HistoryEntry) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELEASE\tVERSION\tCHANNEL\tSTATUS\tARTIFACTS\tCREATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.RemoteID, e.Version, e.Channel, e.Status, e.Artifacts, e.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newWatchCommand() *cobra.Command {
	var durable string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print release events from NATS until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cfg, err := publisher.ReadConfig()
			if err != nil {
				return err
			}
			if cfg.NATSURL == "" {
				return errors.New("NATS_URL is required")
			}

			b, err := bus.New(cfg.NATSURL)
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer b.Close()
			if err := b.EnsureStream(publisher.EventStream, publisher.EventSubjects); err != nil {
				return fmt.Errorf("ensure event stream: %w", err)
			}

			out := cmd.OutOrStdout()
			sub, err := b.Subscribe(ctx, publisher.EventSubjects, durable, func(_ context.Context, subject string, data []byte) error {
				_, err := fmt.Fprintf(out, "%s %s\n", subject, data)
				return err
			})
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&durable, "durable", "relctl-watch", "Durable consumer name")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relctl %s\n", version)
		},
	}
}

func flushTelemetry(shutdown func(context.Context) error, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.WithError(err).Warn("telemetry shutdown")
	}
}
