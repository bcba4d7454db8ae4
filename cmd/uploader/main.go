package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chunkdrop/backend/internal/client"
	"github.com/chunkdrop/backend/internal/logging"
	"github.com/docker/go-units"
	"github.com/urfave/cli/v2"
)

var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "chunkdrop",
		Usage:   "Resumable chunked uploads to a ChunkDrop server",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML client config",
				EnvVars: []string{"CHUNKDROP_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Server base URL, overrides the config file",
				EnvVars: []string{"CHUNKDROP_SERVER"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "warn",
				Usage: "debug, info, warn or error",
			},
		},
		Commands: []*cli.Command{uploadCmd},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var uploadCmd = &cli.Command{
	Name:      "upload",
	Usage:     "Upload a file, resuming any earlier partial upload of it",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "chunk-size",
			Usage: "Chunk size, e.g. 5MB or 8MiB",
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "Chunks in flight at once",
		},
		&cli.IntFlag{
			Name:  "attempts",
			Usage: "Attempts per chunk before giving up on it",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "Only print the final result",
		},
	},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.Exit("upload needs exactly one file argument", 2)
		}
		filePath := ctx.Args().First()

		cfg, err := client.LoadConfig(ctx.String("config"))
		if err != nil {
			return err
		}
		if v := ctx.String("server"); v != "" {
			cfg.ServerURL = v
		}
		if v := ctx.String("chunk-size"); v != "" {
			cfg.ChunkSize = v
		}
		if v := ctx.Int("concurrency"); v > 0 {
			cfg.Concurrency = v
		}
		if v := ctx.Int("attempts"); v > 0 {
			cfg.MaxAttempts = v
		}
		cfg.Normalize()

		log, err := logging.NewConsole(ctx.String("log-level"))
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		transport, err := client.NewHTTPTransport(cfg, log.Named("http"))
		if err != nil {
			return err
		}
		opts, err := client.OptionsFromConfig(cfg)
		if err != nil {
			return err
		}
		opts.Logger = log.Named("upload")

		f, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer f.Close()
		fi, err := f.Stat()
		if err != nil {
			return err
		}

		out := os.Stdout
		if !ctx.Bool("quiet") {
			p := &progressPrinter{w: out, chunkSize: opts.ChunkSize}
			opts.OnProgress = p.print
		}

		fmt.Fprintf(out, "Uploading %s (%s) to %s in %s chunks\n",
			filepath.Base(filePath), units.HumanSize(float64(fi.Size())), cfg.ServerURL, units.BytesSize(float64(opts.ChunkSize)))

		sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := client.NewUploader(transport, opts).Upload(sigCtx, filepath.Base(filePath), f, fi.Size())
		fmt.Fprintln(out)
		report(out, res)
		if err != nil {
			return cli.Exit(err.Error(), exitCode(err))
		}
		return nil
	},
}

func report(w io.Writer, res *client.Result) {
	switch res.Outcome {
	case client.OutcomeCompleted:
		fmt.Fprintf(w, "Upload completed. sha256 %s\n", res.Hash)
		if res.IsZip() {
			fmt.Fprintf(w, "ZIP uploaded and verified: %d top-level entries\n", len(res.Files))
			for _, name := range res.Files {
				fmt.Fprintf(w, "  %s\n", name)
			}
		} else {
			fmt.Fprintln(w, "File uploaded, but it is not a valid ZIP so no entries were listed.")
		}
	case client.OutcomeAlreadyFinalized:
		fmt.Fprintf(w, "Upload already completed. sha256 %s\n", res.Hash)
	case client.OutcomeFinalizeInProgress:
		fmt.Fprintln(w, "All chunks are on the server and finalization is already running.")
	case client.OutcomeServerUnreachable:
		fmt.Fprintln(w, "Server unreachable. Check your connection and try again; the upload will resume.")
	case client.OutcomeChunksFailed:
		fmt.Fprintf(w, "%d chunk(s) failed. Run the same command again to resume.\n", len(res.Failures))
		for _, f := range res.Failures {
			fmt.Fprintf(w, "  chunk %d: %s error after %d attempt(s): %v\n", f.Index, f.Kind, f.Attempts, f.Err)
		}
	case client.OutcomeInitRejected:
		fmt.Fprintln(w, "The server rejected the upload.")
	case client.OutcomeFinalizeFailed:
		fmt.Fprintln(w, "Unexpected error during finalization.")
	}
}

func exitCode(err error) int {
	if errors.Is(err, client.ErrServerUnreachable) {
		return 3
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

// progressPrinter redraws a single status line and, every few updates, the chunk grid.
type progressPrinter struct {
	w         io.Writer
	chunkSize int64
	last      time.Time
}

func (p *progressPrinter) print(s client.Snapshot) {
	now := time.Now()
	finished := s.Done+s.Failed == s.Total
	if !finished && now.Sub(p.last) < 200*time.Millisecond {
		return
	}
	p.last = now

	eta := "--"
	if s.ETAKnown {
		eta = s.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(p.w, "\r%5.1f%%  %d/%d chunks  %s/s  ETA %s  ",
		s.Percent(), s.Done, s.Total, units.HumanSize(s.Speed), eta)

	if finished && s.Total > 0 {
		fmt.Fprintf(p.w, "\n%s\n%s", client.RenderGrid(s.States), client.GridLegend)
	}
}
