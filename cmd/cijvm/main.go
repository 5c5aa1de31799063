// Command cijvm loads a compiled bytecode file and either runs it
// through the JIT (jit/engine) or the tree-walking interpreter
// (interp), matching the driver's CLI contract (spec §6): exit code is
// the user program's own return value, 2 on a usage error, 1 on a
// load error.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/fsnotify/fsnotify"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"nikand.dev/go/cli"

	"github.com/dlaxar/cijvm/bytecode"
	"github.com/dlaxar/cijvm/interp"
	"github.com/dlaxar/cijvm/jit/engine"
)

const version = "0.1.0"

// logTopics are the topic names --log-<topic> accepts (spec §6); the
// enabled ones are passed to tlog.SetVerbosity, and "all" enables every
// one of them. The compiler and allocator do not tag their tlog calls
// with these topics.
var logTopics = []string{
	"lir", "llog", "lrange", "llines", "rlog", "rhints", "rsplit",
	"machine", "alloc", "address", "compile", "result",
}

// runOpts collects the flags shared by the jit/interpreter subcommands'
// Action.
type runOpts struct {
	dump     bool
	compress bool
	watch    bool
}

func main() {
	jitCmd := &cli.Command{
		Name:   "jit",
		Action: runAction(runJIT),
		Args:   cli.Args{},
	}

	interpCmd := &cli.Command{
		Name:   "interpreter",
		Action: runAction(runInterp),
		Args:   cli.Args{},
	}

	replCmd := &cli.Command{
		Name:   "repl",
		Action: runREPL,
		Args:   cli.Args{},
	}

	versionCmd := &cli.Command{
		Name: "version",
		Action: func(c *cli.Command) error {
			fmt.Println(version)

			return nil
		},
	}

	app := &cli.Command{
		Name:        "cijvm",
		Description: "cijvm loads and runs compiled stack-machine bytecode",
		Commands: []*cli.Command{
			jitCmd,
			interpCmd,
			replCmd,
			versionCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

// runAction wraps one of runJIT/runInterp with the shared flag
// parsing, logging setup, and exit-code translation every subcommand
// needs. nikand.dev/go/cli's own Flag type has no usage anywhere in
// this codebase's corpus to ground against, so -d/--log/--log-<topic>
// are parsed by hand with the standard flag package operating on the
// subcommand's raw trailing args (c.Args, the same field the teacher's
// own cli usage ranges over directly) rather than guessing at an
// unverified third-party Flag API.
func runAction(run func(prog *bytecode.Program, opts runOpts) (int64, error)) func(*cli.Command) error {
	return func(c *cli.Command) error {
		fs := flag.NewFlagSet(c.Name, flag.ContinueOnError)

		dump := fs.Bool("d", false, "dump each compiled function to function_<name>_<runid>.dump")
		compress := fs.Bool("z", false, "lz4-compress -d's dump output")
		watch := fs.Bool("w", false, "re-run whenever FILE changes on disk")
		logFile := fs.String("log", "", "log output file, or - for stdout")

		topicFlags := make(map[string]*bool, len(logTopics)+1)
		topicFlags["all"] = fs.Bool("log-all", false, "enable every logging topic")

		for _, t := range logTopics {
			topicFlags[t] = fs.Bool("log-"+t, false, "enable the "+t+" logging topic")
		}

		if err := fs.Parse([]string(c.Args)); err != nil {
			return usageErr(err)
		}

		if fs.NArg() != 1 {
			return usageErr(errors.New("expected exactly one FILE argument, got %d", fs.NArg()))
		}

		configureLogging(*logFile, topicFlags)

		path := fs.Arg(0)
		opts := runOpts{dump: *dump, compress: *compress, watch: *watch}

		ret, err := loadAndRun(path, run, opts)
		if err != nil {
			return loadErr(err)
		}

		fmt.Printf("returned %d\n", ret)

		if !opts.watch {
			os.Exit(int(ret))
		}

		return watchAndRerun(path, run, opts)
	}
}

// loadAndRun reads path, loads and statically analyzes the bytecode,
// and runs it through run (runJIT or runInterp). Split out of runAction
// so -w's watch loop (below) can call it again on every file-change
// event without re-parsing flags.
func loadAndRun(path string, run func(prog *bytecode.Program, opts runOpts) (int64, error), opts runOpts) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "read %v", path)
	}

	prog, err := bytecode.Load(data)
	if err != nil {
		return 0, errors.Wrap(err, "load %v", path)
	}

	if err := bytecode.InferTypes(prog); err != nil {
		return 0, errors.Wrap(err, "infer types")
	}

	for _, fn := range prog.Funcs {
		fn.LinkPredecessors()
	}

	ret, err := run(prog, opts)
	if err != nil {
		return 0, errors.Wrap(err, "run")
	}

	return ret, nil
}

// watchAndRerun implements -w: block on fsnotify write events for path
// and re-run the program each time it changes, forever, until the
// watcher itself fails.
func watchAndRerun(path string, run func(prog *bytecode.Program, opts runOpts) (int64, error), opts runOpts) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "new watcher")
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return errors.Wrap(err, "watch %v", path)
	}

	base := filepath.Base(path)

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			if filepath.Base(ev.Name) != base || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			ret, err := loadAndRun(path, run, opts)
			if err != nil {
				tlog.Printw("watch: run failed", "err", err)

				continue
			}

			fmt.Printf("returned %d\n", ret)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}

			tlog.Printw("watch: watcher error", "err", err)
		}
	}
}

func runJIT(prog *bytecode.Program, opts runOpts) (int64, error) {
	e, err := engine.New(prog, engine.Options{Dump: opts.dump, CompressDumps: opts.compress})
	if err != nil {
		return 0, errors.Wrap(err, "new engine")
	}
	defer e.Close()

	return e.Run()
}

func runInterp(prog *bytecode.Program, _ runOpts) (int64, error) {
	in, err := interp.New(prog)
	if err != nil {
		return 0, errors.Wrap(err, "new interp")
	}
	defer in.Close()

	return in.Run()
}

// runREPL implements the "repl" subcommand: an interactive loop that
// reads a bytecode file path per line and interprets it, printing its
// return value, until EOF/Ctrl-D.
func runREPL(c *cli.Command) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "cijvm> ",
		HistoryFile:       ".cijvm-history.tmp",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.Wrap(err, "new readline")
	}
	defer l.Close()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "readline")
		}

		path := line
		if path == "" {
			continue
		}

		ret, err := loadAndRun(path, runInterp, runOpts{})
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)

			continue
		}

		fmt.Printf("returned %d\n", ret)
	}
}

// configureLogging wires --log's destination and the --log-<topic>
// flags into tlog's package-level writer/filter, the same tlog global
// state every tlog.Printw call in the codebase already reads from.
func configureLogging(logFile string, topics map[string]*bool) {
	var w io.Writer = os.Stderr

	switch logFile {
	case "":
		// keep stderr
	case "-":
		w = os.Stdout
	default:
		f, err := os.Create(logFile)
		if err != nil {
			tlog.Printw("open log file failed, logging to stderr", "err", err)

			break
		}

		w = f
	}

	tlog.DefaultLogger = tlog.New(w)

	if *topics["all"] {
		tlog.SetVerbosity("all")

		return
	}

	var enabled string

	for _, t := range logTopics {
		if *topics[t] {
			if enabled != "" {
				enabled += ","
			}

			enabled += t
		}
	}

	if enabled != "" {
		tlog.SetVerbosity(enabled)
	}
}

// usageErr/loadErr distinguish the two non-program exit codes the spec
// calls for (2 and 1) from the user program's own return value. main's
// cli.RunAndExit prints the error and the process exits 1 by default
// on any non-nil Action error; the usage case additionally prints its
// own message and forces exit 2 directly since cli has no separate
// usage-error exit code of its own to select.
func usageErr(err error) error {
	fmt.Fprintln(os.Stderr, "usage:", err)
	os.Exit(2)

	return err
}

func loadErr(err error) error {
	fmt.Fprintln(os.Stderr, "load:", err)
	os.Exit(1)

	return err
}
