package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

const shellPrompt = "webpilot> "

var errNoSession = errors.New("no session selected (use 'new' or 'use <id>')")

// newShellCmd creates and configures the interactive `shell` command.
func newShellCmd(deps dependencies) *cobra.Command {
	var quiet bool

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Manage several sessions interactively",
		Long: `Starts a prompt over a session manager. Sessions run concurrently in the background;
state changes are announced as they happen unless --quiet is set. Type 'help' for commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()

			comps, err := initializeComponents(ctx, cfg, deps, logger)
			defer comps.Shutdown()
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}

			sh := newShell(comps.Manager, comps.Store, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
			if !quiet {
				stop := sh.announce(comps.Bus)
				defer stop()
			}
			return sh.run(ctx)
		},
	}
	shellCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not announce session state changes.")
	return shellCmd
}

// shellCommand is one verb of the REPL.
type shellCommand struct {
	usage string
	help  string
	run   func(sh *shell, ctx context.Context, arg string) error
}

var shellCommands = map[string]shellCommand{
	"new":     {"new [url]", "create a session and select it, optionally opening url", (*shell).cmdNew},
	"use":     {"use <id>", "select a session", (*shell).cmdUse},
	"open":    {"open <url>", "load url in the selected session", (*shell).cmdOpen},
	"start":   {"start <role> | <goal>", "start the loop of the selected session", (*shell).cmdStart},
	"stop":    {"stop", "stop the selected session after its current step", (*shell).cmdStop},
	"approve": {"approve", "execute the pending decision", (*shell).cmdApprove},
	"reject":  {"reject [reason]", "discard the pending decision and stop", (*shell).cmdReject},
	"close":   {"close [id]", "close a session (default: the selected one)", (*shell).cmdClose},
	"list":    {"list", "list open sessions", (*shell).cmdList},
	"history": {"history [id]", "print a session's history", (*shell).cmdHistory},
	"clear":   {"clear", "clear the selected session's history", (*shell).cmdClear},
	"capture": {"capture", "save a screenshot of the selected session", (*shell).cmdCapture},
	"export":  {"export <file>", "write the selected session to a .json or .yaml file", (*shell).cmdExport},
	"import":  {"import <file>", "open a session from an exported file", (*shell).cmdImport},
	"load":    {"load <stored-id>", "open a session from the session store", (*shell).cmdLoad},
	"help":    {"help", "show this list", nil},
	"quit":    {"quit", "close every session and leave", nil},
}

// shell is the REPL state. Output is shared with the announcer goroutine.
type shell struct {
	mgr    *agent.SessionManager
	store  store.Store
	in     io.Reader
	logger *zap.Logger

	outMu sync.Mutex
	out   io.Writer

	lines   <-chan string
	current string
}

func newShell(mgr *agent.SessionManager, st store.Store, in io.Reader, out io.Writer, logger *zap.Logger) *shell {
	return &shell{mgr: mgr, store: st, in: in, out: out, logger: logger.Named("shell")}
}

func (sh *shell) printf(format string, args ...interface{}) {
	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	fmt.Fprintf(sh.out, format, args...)
}

// run reads commands until quit, EOF or ctx cancellation.
func (sh *shell) run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	sh.lines = readLines(sh.in, done)

	sh.printf("webpilot %s. Type 'help' for commands.\n", Version)
	for {
		sh.printf(shellPrompt)
		select {
		case <-ctx.Done():
			sh.printf("\n")
			return nil
		case line, ok := <-sh.lines:
			if !ok {
				sh.printf("\n")
				return nil
			}
			if quit := sh.execute(ctx, line); quit {
				return nil
			}
		}
	}
}

// execute runs one input line and reports whether the shell should exit.
func (sh *shell) execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "quit", "exit":
		return sh.confirmQuit(ctx)
	case "help", "?":
		sh.printHelp()
		return false
	}
	c, ok := shellCommands[name]
	if !ok || c.run == nil {
		sh.printf("unknown command %q (try 'help')\n", name)
		return false
	}
	if err := c.run(sh, ctx, arg); err != nil {
		sh.printf("error: %v\n", err)
	}
	return false
}

func (sh *shell) confirmQuit(ctx context.Context) bool {
	if !sh.mgr.AnyRunning() {
		return true
	}
	sh.printf("Sessions are still running. Quit anyway? [y/N]: ")
	select {
	case <-ctx.Done():
		return true
	case line, ok := <-sh.lines:
		return !ok || isYes(line)
	}
}

// announce prints state changes and screenshots until the returned stop is called.
func (sh *shell) announce(bus *agent.EventBus) (stop func()) {
	ch, unsubscribe := bus.Subscribe(agent.EventStateChanged, agent.EventCaptureTaken)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for ev := range ch {
			switch p := ev.Payload.(type) {
			case agent.StateChange:
				sh.printf("\n[%s] %s -> %s\n", shortID(ev.SessionID), p.From, p.To)
				if p.To == agent.StateAwaitingApproval {
					if s, err := sh.mgr.Get(ev.SessionID); err == nil {
						if a, ok := s.CurrentAction(); ok {
							sh.printf("[%s] pending: %s\n", shortID(ev.SessionID), a.Summary())
						}
					}
				}
			case string:
				sh.printf("\n[%s] screenshot %s\n", shortID(ev.SessionID), p)
			}
		}
	}()
	return func() {
		unsubscribe()
		<-finished
	}
}

func (sh *shell) session() (*agent.ExecutionSession, error) {
	if sh.current == "" {
		return nil, errNoSession
	}
	return sh.mgr.Get(sh.current)
}

// resolveID accepts a full id or a unique prefix of an open session.
func (sh *shell) resolveID(arg string) (string, error) {
	if arg == "" {
		if sh.current == "" {
			return "", errNoSession
		}
		return sh.current, nil
	}
	var matches []string
	for _, info := range sh.mgr.List() {
		if info.ID == arg {
			return arg, nil
		}
		if strings.HasPrefix(info.ID, arg) {
			matches = append(matches, info.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", agent.ErrSessionNotFound, arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous", arg)
	}
}

// -- Commands --

func (sh *shell) cmdNew(ctx context.Context, arg string) error {
	id, err := sh.mgr.Create(ctx)
	if err != nil {
		return err
	}
	sh.current = id
	sh.printf("Created session %s\n", id)
	if arg == "" {
		return nil
	}
	return sh.cmdOpen(ctx, arg)
}

func (sh *shell) cmdUse(_ context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: use <id>")
	}
	id, err := sh.resolveID(arg)
	if err != nil {
		return err
	}
	sh.current = id
	sh.printf("Selected session %s\n", id)
	return nil
}

func (sh *shell) cmdOpen(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: open <url>")
	}
	s, err := sh.session()
	if err != nil {
		return err
	}
	if err := s.Navigate(ctx, arg); err != nil {
		return err
	}
	sh.printf("Loaded %s\n", s.TargetURL())
	return nil
}

func (sh *shell) cmdStart(_ context.Context, arg string) error {
	role, goal, ok := strings.Cut(arg, "|")
	if !ok {
		return errors.New("usage: start <role> | <goal>")
	}
	if sh.current == "" {
		return errNoSession
	}
	return sh.mgr.Start(sh.current, role, goal)
}

func (sh *shell) cmdStop(_ context.Context, _ string) error {
	if sh.current == "" {
		return errNoSession
	}
	return sh.mgr.Stop(sh.current)
}

func (sh *shell) cmdApprove(_ context.Context, _ string) error {
	s, err := sh.session()
	if err != nil {
		return err
	}
	return s.Approve()
}

func (sh *shell) cmdReject(_ context.Context, arg string) error {
	s, err := sh.session()
	if err != nil {
		return err
	}
	return s.Reject(arg)
}

func (sh *shell) cmdClose(ctx context.Context, arg string) error {
	id, err := sh.resolveID(arg)
	if err != nil {
		return err
	}
	if err := sh.mgr.Close(ctx, id); err != nil {
		return err
	}
	if id == sh.current {
		sh.current = ""
	}
	sh.printf("Closed session %s\n", id)
	return nil
}

func (sh *shell) cmdList(_ context.Context, _ string) error {
	infos := sh.mgr.List()
	if len(infos) == 0 {
		sh.printf("No open sessions.\n")
		return nil
	}

	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tSTATE\tENTRIES\tURL\tGOAL")
	for _, info := range infos {
		marker := " "
		if info.ID == sh.current {
			marker = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", marker, info.ID, info.State, info.Entries, dash(info.TargetURL), dash(info.Goal))
	}
	return w.Flush()
}

func (sh *shell) cmdHistory(_ context.Context, arg string) error {
	id, err := sh.resolveID(arg)
	if err != nil {
		return err
	}
	s, err := sh.mgr.Get(id)
	if err != nil {
		return err
	}
	entries := s.History()
	if len(entries) == 0 {
		sh.printf("History is empty.\n")
		return nil
	}
	for _, e := range entries {
		sh.printf("%s\n", formatEntry(e))
	}
	return nil
}

func (sh *shell) cmdClear(_ context.Context, _ string) error {
	s, err := sh.session()
	if err != nil {
		return err
	}
	if err := s.ClearHistory(); err != nil {
		return err
	}
	sh.printf("History cleared.\n")
	return nil
}

func (sh *shell) cmdCapture(ctx context.Context, _ string) error {
	s, err := sh.session()
	if err != nil {
		return err
	}
	path, err := s.Capture(ctx)
	if err != nil {
		return err
	}
	sh.printf("Saved %s\n", path)
	return nil
}

func (sh *shell) cmdExport(_ context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: export <file>")
	}
	if sh.current == "" {
		return errNoSession
	}
	rec, err := sh.mgr.Export(sh.current)
	if err != nil {
		return err
	}
	if err := store.WriteRecordFile(arg, rec); err != nil {
		return err
	}
	sh.printf("Exported %d entries to %s\n", len(rec.History), arg)
	return nil
}

func (sh *shell) cmdImport(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: import <file>")
	}
	rec, err := store.ReadRecordFile(arg)
	if err != nil {
		return err
	}
	return sh.importRecord(ctx, rec)
}

func (sh *shell) cmdLoad(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: load <stored-id>")
	}
	rec, err := sh.store.LoadSession(ctx, arg)
	if err != nil {
		return err
	}
	return sh.importRecord(ctx, rec)
}

func (sh *shell) importRecord(ctx context.Context, rec agent.Record) error {
	id, err := sh.mgr.Import(ctx, rec)
	if id == "" {
		return err
	}
	sh.current = id
	sh.printf("Imported session %s with %d entries\n", id, len(rec.History))
	if err != nil {
		sh.printf("warning: %v\n", err)
	}
	return nil
}

func (sh *shell) printHelp() {
	names := make([]string, 0, len(shellCommands))
	for name := range shellCommands {
		names = append(names, name)
	}
	sort.Strings(names)

	sh.outMu.Lock()
	defer sh.outMu.Unlock()
	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		c := shellCommands[name]
		fmt.Fprintf(w, "  %s\t%s\n", c.usage, c.help)
	}
	_ = w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
