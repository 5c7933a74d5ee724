// regmig is an interactive console around the migration engine: load a
// profile, bring up the in-process dev node, bootstrap or apply world
// diffs, inspect manifests and run history, and watch committed operations
// as they land.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chainforge/regmig"
	"github.com/chainforge/regmig/devnode"
	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/journal"
	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("profile"),
	readline.PcItem("dev"),

	readline.PcItem("bootstrap"),
	readline.PcItem("plan"),
	readline.PcItem("apply"),
	readline.PcItem("upload"),

	readline.PcItem("manifest"),
	readline.PcItem("journal"),
	readline.PcItem("watch"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// REPL per se.
type REPL struct {
	log utils.Logger
	rl  *readline.Instance
	jr  *journal.Journal

	profile  *regmig.Profile
	node     *devnode.Node
	session  remote.Session
	hose     toyqueue.FeedCloser
	lastDiff *diff.WorldDiff
	manifest *diff.Manifest
}

func (repl *REPL) Open(journalDir string) (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ", //"\033[31m◌\033[0m ",
		HistoryFile:     ".regmig_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	repl.jr, err = journal.Open(journalDir)
	if err != nil {
		_ = repl.rl.Close()
		return
	}
	_ = prometheus.Register(repl.jr.Collector())
	return
}

func (repl *REPL) Close() error {
	if repl.hose != nil {
		_ = repl.hose.Close()
		repl.hose = nil
	}
	if repl.jr != nil {
		_ = repl.jr.Close()
		repl.jr = nil
	}
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

func (repl *REPL) REPL() (err error) {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}

	line = strings.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	cmd, arg := line, ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd, arg = line[:ws], strings.TrimSpace(line[ws:])
	}

	switch cmd {
	case "help":
		repl.CommandHelp()
	// ----- environment -----
	case "profile":
		err = repl.CommandProfile(arg)
	case "dev":
		err = repl.CommandDev(arg)
	// ----- migration -----
	case "bootstrap":
		err = repl.CommandBootstrap(arg)
	case "plan":
		err = repl.CommandPlan(arg)
	case "apply":
		err = repl.CommandApply(arg)
	case "upload":
		err = repl.CommandUpload(arg)
	// ----- inspection -----
	case "manifest":
		err = repl.CommandManifest(arg)
	case "journal":
		err = repl.CommandJournal(arg)
	case "watch":
		err = repl.CommandWatch(arg)
	case "exit", "quit":
		return io.EOF
	default:
		_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
	}
	return
}

func main() {
	journalDir := ".regmig_journal"
	if len(os.Args) > 1 {
		journalDir = os.Args[1]
	}

	repl := REPL{log: utils.NewDefaultLogger(slog.LevelInfo)}
	err := repl.Open(journalDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}

	for err != io.EOF {
		if err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "%s\n", err.Error())
			err = nil
		}
		err = repl.REPL()
	}
	_ = repl.Close()
}
