// Command rewind operates on evaluation traces stored in a filesystem
// directory: normalize legacy traces into canonical artifacts, list and
// inspect stored artifacts, compare two artifacts, replay a recorded trace,
// and run assertion suites.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"

	"goa.design/clue/log"

	"goa.design/rewind/eval/artifact"
	fsstore "goa.design/rewind/eval/artifact/fs"
	"goa.design/rewind/eval/compare"
	"goa.design/rewind/eval/normalize"
	"goa.design/rewind/eval/replay"
	"goa.design/rewind/eval/suite"
	"goa.design/rewind/telemetry"
)

const version = "0.1.0"

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "normalize":
		err = cmdNormalize(ctx, os.Args[2:])
	case "list":
		err = cmdList(ctx, os.Args[2:])
	case "show":
		err = cmdShow(ctx, os.Args[2:])
	case "compare":
		err = cmdCompare(ctx, os.Args[2:])
	case "replay":
		err = cmdReplay(ctx, os.Args[2:])
	case "suite":
		err = cmdSuite(ctx, os.Args[2:])
	case "version":
		fmt.Println("rewind", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: rewind <command> [flags]

commands:
  normalize  convert a legacy trace file into a stored artifact
  list       list stored artifacts
  show       print one stored artifact
  compare    diff two stored artifacts
  replay     replay a stored trace against its own recording
  suite      run an assertion suite manifest against stored artifacts
  version    print the version`)
}

func openStore(dir string) (*fsstore.Store, error) {
	if dir == "" {
		dir = fsstore.DefaultDir
	}
	return fsstore.New(dir)
}

func cmdNormalize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("normalize", flag.ExitOnError)
	dir := fs.String("dir", fsstore.DefaultDir, "artifact store directory")
	in := fs.String("in", "", "legacy trace JSON file (required)")
	env := fs.String("env", "local", "environment name stamped on the artifact")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("normalize: -in is required")
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("read %s: %w", *in, err)
	}
	var trace normalize.LegacyTrace
	if err := json.Unmarshal(data, &trace); err != nil {
		return fmt.Errorf("parse %s: %w", *in, err)
	}

	n := normalize.New(normalize.Options{Environment: artifact.Environment{
		Environment:      *env,
		FrameworkVersion: version,
		RuntimeVersion:   runtime.Version(),
		Platform:         runtime.GOOS + "/" + runtime.GOARCH,
	}})
	a, err := n.Legacy(&trace, normalize.Extras{})
	if err != nil {
		return err
	}

	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	id, err := store.Save(ctx, a)
	if err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "artifact stored"}, log.KV{K: "trace_id", V: id})
	fmt.Println(id)
	return nil
}

func cmdList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	dir := fs.String("dir", fsstore.DefaultDir, "artifact store directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	summaries, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		status := "ok"
		if s.HasError {
			status = "error"
		}
		fmt.Printf("%s  run=%s env=%s steps=%d tools=%d %s\n",
			s.TraceID, s.RunID, s.Environment, s.Steps, s.ToolCalls, status)
	}
	return nil
}

func cmdShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	dir := fs.String("dir", fsstore.DefaultDir, "artifact store directory")
	trace := fs.String("trace", "", "trace id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *trace == "" {
		return fmt.Errorf("show: -trace is required")
	}
	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	a, err := store.Get(ctx, *trace)
	if err != nil {
		return err
	}
	out, err := artifact.MarshalCanonicalIndent(a)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func cmdCompare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	dir := fs.String("dir", fsstore.DefaultDir, "artifact store directory")
	baseline := fs.String("baseline", "", "baseline trace id (required)")
	candidate := fs.String("candidate", "", "candidate trace id (required)")
	ignore := fs.String("ignore", "", "comma-separated extra field names to ignore")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *baseline == "" || *candidate == "" {
		return fmt.Errorf("compare: -baseline and -candidate are required")
	}
	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	exp, err := store.Get(ctx, *baseline)
	if err != nil {
		return err
	}
	act, err := store.Get(ctx, *candidate)
	if err != nil {
		return err
	}

	var opts compare.Options
	if *ignore != "" {
		opts.IgnoreFields = strings.Split(*ignore, ",")
	}
	res, err := compare.Compare(exp, act, opts)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !res.Passed {
		return fmt.Errorf("artifacts differ: %d of %d checks failed",
			res.Scorecard.Failed, res.Scorecard.TotalChecks)
	}
	return nil
}

func cmdReplay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dir := fs.String("dir", fsstore.DefaultDir, "artifact store directory")
	trace := fs.String("trace", "", "trace id (required)")
	mode := fs.String("mode", string(replay.ModeRetry), "replay mode: retry, skip, or restart")
	step := fs.Int("step", -1, "checkpoint step (-1 selects the latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *trace == "" {
		return fmt.Errorf("replay: -trace is required")
	}
	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	orch, err := replay.New(store, replay.WithLogger(telemetry.NewClueLogger()))
	if err != nil {
		return err
	}

	opts := replay.Options{Mode: replay.Mode(*mode), Resume: selfResume}
	if *step >= 0 {
		opts.CheckpointStep = step
	}
	res, err := orch.Replay(ctx, *trace, opts)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// selfResume re-drives the recorded tool calls against their own recording
// and returns the recorded response. It verifies that the stored trace is
// internally consistent: every replayable call must be servable from the
// artifact itself.
func selfResume(ctx context.Context, s *replay.Session) (json.RawMessage, error) {
	pending, err := s.PendingCalls()
	if err != nil {
		return nil, err
	}
	for _, call := range pending {
		if _, err := s.Call(ctx, call.ToolID, call.Args); err != nil {
			// Recorded failures replay as failures; they are part of a
			// consistent recording, not a divergence.
			var rec *replay.RecordedError
			if errors.As(err, &rec) {
				continue
			}
			return nil, err
		}
	}
	return json.Marshal(map[string]any{"content": s.RecordedResponse()})
}

func cmdSuite(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("suite", flag.ExitOnError)
	dir := fs.String("dir", fsstore.DefaultDir, "artifact store directory")
	manifestPath := fs.String("manifest", "", "suite manifest file, JSON or YAML (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *manifestPath == "" {
		return fmt.Errorf("suite: -manifest is required")
	}
	data, err := os.ReadFile(*manifestPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", *manifestPath, err)
	}
	manifest, err := suite.ParseManifest(data)
	if err != nil {
		return err
	}
	store, err := openStore(*dir)
	if err != nil {
		return err
	}
	orch, err := replay.New(store)
	if err != nil {
		return err
	}

	// Case inputs name stored trace ids: the executor loads the artifact
	// instead of driving a live run.
	runner, err := suite.NewRunner(suite.RunnerOptions{
		Store:    store,
		Replayer: orch,
		Resume:   selfResume,
		Logger:   telemetry.NewClueLogger(),
		Execute: func(ctx context.Context, c suite.Case) (*suite.Outcome, error) {
			if c.Input == "" {
				return nil, fmt.Errorf("case %s: input must name a stored trace id", c.Name)
			}
			a, err := store.Get(ctx, c.Input)
			if err != nil {
				return nil, err
			}
			return &suite.Outcome{Artifact: a}, nil
		},
	})
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx, manifest)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if report.Totals.Failed > 0 {
		return fmt.Errorf("suite %s: %d of %d cases failed",
			report.Suite, report.Totals.Failed, report.Totals.Cases)
	}
	return nil
}
