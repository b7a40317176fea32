package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tasker-run/tasker/internal/alert"
	"github.com/tasker-run/tasker/internal/crc"
	"github.com/tasker-run/tasker/internal/engine"
	"github.com/tasker-run/tasker/internal/hostprobe"
	"github.com/tasker-run/tasker/internal/jsonoutput"
	"github.com/tasker-run/tasker/internal/logsink"
	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/recovery"
	"github.com/tasker-run/tasker/internal/taskfile"
)

// cliOptions is the full flag surface. File-defined arguments (leading
// "--flag" lines in the task file) fill any flag the command line left
// untouched; explicit command-line flags always win.
type cliOptions struct {
	execute            bool
	validateOnly       bool
	skipHostValidation bool
	skipSecurity       bool
	autoRecovery       bool
	debug              bool
	logLevel           string
	project            string
	outputJSON         string
	startFrom          int
	fireAndForget      bool
	showPlan           bool
	acceptRecovery     bool
}

func run() int {
	opts := &cliOptions{}
	exitCode := 0

	root := &cobra.Command{
		Use:           "tasker <task-file>",
		Short:         "Validate and execute a declarative task workflow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			exitCode = execute(cmd, args[0], opts)
			return nil
		},
	}

	flags := root.Flags()
	flags.BoolVarP(&opts.execute, "run", "r", false, "execute the workflow (default is validate-only)")
	flags.BoolVar(&opts.validateOnly, "validate-only", false, "validate the task file and exit")
	flags.BoolVar(&opts.skipHostValidation, "skip-host-validation", false, "skip the L4 host reachability probe")
	flags.BoolVar(&opts.skipSecurity, "skip-security-validation", false, "skip the L3 security layer entirely")
	flags.BoolVar(&opts.autoRecovery, "auto-recovery", false, "persist recovery snapshots and resume from them")
	flags.BoolVarP(&opts.debug, "debug", "d", false, "shorthand for --log-level=debug")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error, off")
	flags.StringVarP(&opts.project, "project", "p", "", "project name for the append-only summary file")
	flags.StringVar(&opts.outputJSON, "output-json", "", "write the JSON output document to PATH")
	flags.Lookup("output-json").NoOptDefVal = "auto"
	flags.IntVar(&opts.startFrom, "start-from", -1, "position the initial cursor on this task id")
	flags.BoolVar(&opts.fireAndForget, "fire-and-forget", false, "detach children from the invoking terminal")
	flags.BoolVar(&opts.showPlan, "show-plan", false, "print the validated execution structure and exit")
	flags.BoolVarP(&opts.acceptRecovery, "yes", "y", false, "accept saved recovery values without prompting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return engine.ExitGeneralFailure
	}
	return exitCode
}

func execute(cmd *cobra.Command, taskFilePath string, opts *cliOptions) int {
	tasks, globals, fileArgs, diags, err := taskfile.Parse(taskFilePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return engine.ExitGeneralFailure
	}
	applyFileArgs(cmd, fileArgs)

	if tasks == nil || tasks.Len() == 0 {
		printFindings(diags)
		fmt.Fprintf(os.Stderr, "no tasks found in %s\n", taskFilePath)
		return engine.ExitNoTasks
	}

	valOpts := taskfile.DefaultValidateOptions()
	valOpts.Merge(taskfile.ValidateOptions{
		SkipHostValidation:     opts.skipHostValidation,
		SkipSecurityValidation: opts.skipSecurity,
		HostProbeFatal:         !opts.skipHostValidation,
	})
	prober := hostprobe.New()
	diags.Merge(taskfile.Validate(tasks, globals, valOpts, prober, prober))
	printFindings(diags)
	if diags.HasErrors() {
		return engine.ExitValidationFailure
	}

	if opts.showPlan {
		fmt.Print(engine.Plan(tasks))
		return engine.ExitOK
	}
	if opts.validateOnly || !opts.execute {
		return engine.ExitOK
	}

	return executeWorkflow(taskFilePath, tasks, globals, opts)
}

func executeWorkflow(taskFilePath string, tasks *model.TaskList, globals model.GlobalVariables, opts *cliOptions) int {
	runID := uuid.New().String()
	startedAt := time.Now()
	logDir := logDirectory()

	logPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log",
		strings.TrimSuffix(filepath.Base(taskFilePath), filepath.Ext(taskFilePath)),
		startedAt.Format("20060102_150405")))
	observer, closeLogs := buildObservers(logPath, opts)
	defer closeLogs()

	cfg := engine.DefaultConfig()
	cfg.Merge(engine.Config{
		RunID:         runID,
		TaskFilePath:  taskFilePath,
		Observer:      observer,
		FireAndForget: opts.fireAndForget,
	})
	if opts.startFrom >= 0 {
		cfg.StartFrom = opts.startFrom
		cfg.HasStartFrom = true
	}

	var preload []recovery.TaskRecord
	if opts.autoRecovery {
		store, err := recovery.NewDiskStore(filepath.Join(logDir, "recovery"))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return engine.ExitGeneralFailure
		}
		cfg.Recovery = store
		preload = resumeFromSnapshot(store, taskFilePath, &cfg, opts)
	}

	eng, err := engine.New(tasks, globals, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	if len(preload) > 0 {
		eng.Preload(preload)
	}
	defer eng.Cleanup()

	if opts.fireAndForget {
		// The driver itself must also survive the terminal going away,
		// not just its children.
		crc.IgnoreHangup()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	stopSignals := watchSignals(cancel)
	defer stopSignals()

	outcome, runErr := eng.Run(ctx)
	finishedAt := time.Now()
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
	}

	writeOutputs(taskFilePath, runID, startedAt, finishedAt, eng, globals, outcome, opts, logDir)

	if runErr != nil {
		fireAlert(taskFilePath, runID, outcome, runErr, logPath, opts.project)
	}
	return outcome.ExitCode
}

// resumeFromSnapshot loads a prior crashed run's snapshot for the same
// task file, if one exists. -y accepts its saved cursor and completed
// results; without -y a found snapshot is reported and ignored.
func resumeFromSnapshot(store recovery.Store, taskFilePath string, cfg *engine.Config, opts *cliOptions) []recovery.TaskRecord {
	snap, err := store.Load(taskFilePath)
	if err != nil {
		return nil
	}
	if !opts.acceptRecovery {
		fmt.Fprintf(os.Stderr, "recovery snapshot found for %s (run %s); pass -y to resume from it\n",
			taskFilePath, snap.RunID)
		return nil
	}
	if snap.HasNext && !cfg.HasStartFrom {
		cfg.StartFrom = snap.NextTaskID
		cfg.HasStartFrom = true
	}
	fmt.Fprintf(os.Stderr, "resuming from recovery snapshot: %d completed task(s), cursor at %d\n",
		len(snap.Completed), snap.NextTaskID)
	return snap.Completed
}

// watchSignals cancels the workflow context with a CancellationError on
// the first SIGINT/SIGTERM, so the engine exits 130/143 after orderly
// child teardown. A second signal is a hard escalation: exit
// immediately, no extra grace.
func watchSignals(cancel context.CancelCauseFunc) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-sigCh
		if !ok {
			return
		}
		ce := &engine.CancellationError{Signal: sig}
		cancel(ce)
		if _, ok := <-sigCh; ok {
			os.Exit(ce.ExitCode())
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// buildObservers assembles the run's observer fan-out: a console sink
// resolved by name from the observability registry ("slog" at the
// configured level, or "noop" for --log-level=off) plus the per-run log
// file sink.
func buildObservers(logPath string, opts *cliOptions) (observability.Observer, func()) {
	level := slog.LevelInfo
	consoleName := "slog"
	switch {
	case opts.debug || strings.EqualFold(opts.logLevel, "debug"):
		level = slog.LevelDebug
	case strings.EqualFold(opts.logLevel, "warn"):
		level = slog.LevelWarn
	case strings.EqualFold(opts.logLevel, "error"):
		level = slog.LevelError
	case strings.EqualFold(opts.logLevel, "off"):
		consoleName = "noop"
	}
	observability.RegisterObserver("slog", observability.NewSlogObserver(
		slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))))
	consoleObs, err := observability.GetObserver(consoleName)
	if err != nil {
		consoleObs = observability.NoOpObserver{}
	}

	fileObs, err := logsink.NewFileObserver(logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot open log file %s: %v\n", logPath, err)
		return consoleObs, func() {}
	}
	return observability.NewMultiObserver(consoleObs, fileObs), func() { fileObs.Close() }
}

func writeOutputs(taskFilePath, runID string, startedAt, finishedAt time.Time, eng *engine.Engine, globals model.GlobalVariables, outcome engine.Outcome, opts *cliOptions, logDir string) {
	if opts.outputJSON != "" {
		path := opts.outputJSON
		if path == "auto" {
			outDir := filepath.Join(logDir, "output")
			os.MkdirAll(outDir, 0o755)
			path = filepath.Join(outDir, fmt.Sprintf("%s_%s.json",
				strings.TrimSuffix(filepath.Base(taskFilePath), filepath.Ext(taskFilePath)),
				startedAt.Format("20060102_150405")))
		}
		doc := jsonoutput.Build(jsonoutput.WorkflowMetadata{
			RunID:           runID,
			TaskFile:        taskFilePath,
			StartedAt:       startedAt.Format(time.RFC3339),
			FinishedAt:      finishedAt.Format(time.RFC3339),
			DurationSeconds: finishedAt.Sub(startedAt).Seconds(),
		}, eng.Skipped(), eng.Results(), eng.Order(), globals)
		if err := jsonoutput.Write(path, doc); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}

	if opts.project != "" {
		projDir := filepath.Join(logDir, "project")
		os.MkdirAll(projDir, 0o755)
		summary := logsink.NewProjectSummaryObserver(filepath.Join(projDir, opts.project+".summary"))
		succeeded, failed := 0, 0
		for _, r := range eng.Results() {
			if r.Success {
				succeeded++
			} else {
				failed++
			}
		}
		if err := summary.AppendSummary(logsink.ProjectSummaryRow{
			RunID:           runID,
			TaskFile:        taskFilePath,
			StartedAt:       startedAt.Format(time.RFC3339),
			DurationSeconds: finishedAt.Sub(startedAt).Seconds(),
			TotalTasks:      len(eng.Order()),
			Succeeded:       succeeded,
			Failed:          failed,
			OverallSuccess:  outcome.ExitCode == engine.ExitOK || outcome.ExitCode == engine.ExitNeverContinue,
		}); err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
}

// fireAlert runs the configured alert hook (TASKER_ALERT_SCRIPT) on
// terminal workflow failure. Its exit code never influences ours.
func fireAlert(taskFilePath, runID string, outcome engine.Outcome, runErr error, logPath, project string) {
	script := os.Getenv("TASKER_ALERT_SCRIPT")
	if script == "" {
		return
	}
	alertCtx := alert.Context{
		RunID:        runID,
		TaskFile:     taskFilePath,
		ExitCode:     outcome.ExitCode,
		ErrorMessage: runErr.Error(),
		LogPath:      logPath,
		Project:      project,
	}
	if outcome.HasFailedTask {
		alertCtx.FailedTaskID = outcome.FailedTaskID
	}
	if err := alert.Fire(context.Background(), script, alertCtx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: alert hook: %v\n", err)
	}
}

// applyFileArgs fills flags the command line did not set from the task
// file's leading "--flag" lines. Explicit command-line flags win.
func applyFileArgs(cmd *cobra.Command, fileArgs []taskfile.FileArg) {
	for _, fa := range fileArgs {
		name := strings.TrimPrefix(fa.Name, "--")
		flag := cmd.Flags().Lookup(name)
		if flag == nil || flag.Changed {
			continue
		}
		value := fa.Value
		if !fa.HasValue {
			value = "true"
		}
		cmd.Flags().Set(name, value)
	}
}

func printFindings(diags *taskfile.Diagnostics) {
	if diags == nil {
		return
	}
	for _, f := range diags.Findings {
		fmt.Fprintln(os.Stderr, f.String())
	}
}

func logDirectory() string {
	if dir := os.Getenv("TASKER_LOG_DIR"); dir != "" {
		os.MkdirAll(dir, 0o755)
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".tasker", "logs")
	os.MkdirAll(dir, 0o755)
	return dir
}

func exitCodeFor(err error) int {
	var ec engine.ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return engine.ExitGeneralFailure
}
