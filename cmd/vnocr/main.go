// Command vnocr runs the OCR pipeline and the text cleaner from a shell.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/toricodesthings/vn-ocr-service/internal/app"
	"github.com/toricodesthings/vn-ocr-service/internal/config"
	"github.com/toricodesthings/vn-ocr-service/internal/intake"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/report"
	"github.com/toricodesthings/vn-ocr-service/internal/stream"
)

const usage = `usage: vnocr <command> [flags]

commands:
  process [-session id] [-clean] <file.pdf>   OCR a PDF, resuming if the session exists
  status <session>                            print session progress as JSON
  clean [-report out.xlsx] [file]             clean text from file or stdin
  sweep [-max-age 168h]                       remove expired sessions
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cfg, err := config.LoadWithFile()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(stderr, "config:", err)
		return 1
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	switch args[0] {
	case "process":
		err = runProcess(ctx, cfg, args[1:], stdout, stderr)
	case "status":
		err = runStatus(ctx, cfg, args[1:], stdout)
	case "clean":
		err = runClean(cfg, args[1:], stdin, stdout)
	case "sweep":
		err = runSweep(ctx, cfg, args[1:], stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		return 2
	}
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func runProcess(ctx context.Context, cfg config.Config, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sessionID := fs.String("session", "", "session id (default: new uuid)")
	clean := fs.Bool("clean", cfg.CleanPages, "run the text cleaner on every page")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("process needs exactly one PDF path")
	}
	path, err := filepath.Abs(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := intake.Check(path); err != nil {
		return err
	}
	if *sessionID == "" {
		*sessionID = uuid.New().String()
	}
	cfg.CleanPages = *clean

	a, err := app.Build(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	res, err := a.Pipeline.Process(ctx, stream.Session{
		ID:           *sessionID,
		DocumentPath: path,
		DocumentName: filepath.Base(path),
		OnProgress: func(p stream.Progress) {
			fmt.Fprintf(stderr, "\rpage %d/%d (%.1f%%) eta %s   ", p.Page, p.TotalPages, p.Percentage, p.ETA.Round(time.Second))
		},
	})
	fmt.Fprintln(stderr)
	if err != nil {
		var perr *stream.Error
		if errors.As(err, &perr) && perr.Kind == stream.KindCanceled {
			fmt.Fprintf(stdout, "canceled; resume with: vnocr process -session %s %s\n", *sessionID, path)
		}
		return err
	}

	switch {
	case res.AlreadyComplete:
		fmt.Fprintf(stdout, "session %s was already complete\n", res.SessionID)
	case res.Resumed():
		fmt.Fprintf(stdout, "session %s resumed from page %d, %d pages processed in %s\n",
			res.SessionID, res.ResumedFrom, res.PagesProcessed, res.Duration.Round(time.Millisecond))
	default:
		fmt.Fprintf(stdout, "session %s: %d pages processed in %s\n",
			res.SessionID, res.PagesProcessed, res.Duration.Round(time.Millisecond))
	}
	if res.OCRFailures > 0 {
		fmt.Fprintf(stdout, "%d pages could not be recognized\n", res.OCRFailures)
	}
	fmt.Fprintln(stdout, "output:", a.Outputs.Path(res.SessionID))
	return nil
}

func runStatus(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("status needs a session id")
	}
	a, err := app.Build(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	st, err := a.Sessions.Status(ctx, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func runClean(cfg config.Config, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("clean", flag.ContinueOnError)
	reportPath := fs.String("report", "", "write the correction audit workbook to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := stdin
	if fs.NArg() > 0 {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	res := app.NewCorrector(cfg).Clean(string(raw))
	if _, err := io.WriteString(stdout, res.Cleaned+"\n"); err != nil {
		return err
	}
	if *reportPath == "" {
		return nil
	}
	f, err := os.Create(*reportPath)
	if err != nil {
		return err
	}
	if err := report.Write(f, res); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func runSweep(ctx context.Context, cfg config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	maxAge := fs.Duration("max-age", cfg.RetentionPeriod, "remove sessions idle for longer than this")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := app.Build(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	st := a.Sessions.SweepExpired(ctx, *maxAge)
	fmt.Fprintf(stdout, "removed %d checkpoints, %d outputs and %d temp files\n", st.CheckpointsRemoved, st.OutputsRemoved, st.TempFilesRemoved)
	if len(st.Errors) > 0 {
		return fmt.Errorf("%d sessions could not be removed: %s", len(st.Errors), st.Errors[0])
	}
	return nil
}
