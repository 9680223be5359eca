package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

// runOptions carries the flags of the run command.
type runOptions struct {
	url           string
	role          string
	goal          string
	importPath    string
	exportPath    string
	approve       bool
	headless      bool
	maxIterations int
}

func (o *runOptions) validate() error {
	if o.maxIterations < 0 {
		return errors.New("--max-iterations must not be negative")
	}
	if o.importPath != "" {
		return nil
	}
	var missing []string
	for _, f := range []struct{ name, value string }{{"--url", o.url}, {"--role", o.role}, {"--goal", o.goal}} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required flags without --import: %s", strings.Join(missing, ", "))
	}
	return nil
}

// newRunCmd creates and configures the `run` command.
func newRunCmd(deps dependencies) *cobra.Command {
	opts := &runOptions{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one session until the agent stops",
		Long: `Opens a browser tab on --url and lets the agent pursue --goal in the persona of --role.
Every history entry is printed as it is recorded. With --approve each decision waits for a
y/N answer on stdin before it is executed. Ctrl+C stops the session after the current step.`,
		Example: `  webpilot run --url example.com --role "a shopper" --goal "add the cheapest mug to the cart"
  webpilot run --import session.yaml --export session.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("headless") {
				cfg.SetBrowserHeadless(opts.headless)
			}
			if f.Changed("approve") {
				cfg.SetAgentRequireApproval(opts.approve)
			}
			if f.Changed("max-iterations") {
				cfg.SetAgentMaxIterations(opts.maxIterations)
			}

			return runSession(ctx, cfg, deps, opts, cmd.InOrStdin(), cmd.OutOrStdout(), observability.GetLogger())
		},
	}

	f := runCmd.Flags()
	f.StringVarP(&opts.url, "url", "u", "", "Page to open before the loop starts.")
	f.StringVarP(&opts.role, "role", "r", "", "Persona the agent acts as.")
	f.StringVarP(&opts.goal, "goal", "g", "", "What the agent should achieve.")
	f.StringVar(&opts.importPath, "import", "", "Resume from an exported record (.json, .yaml).")
	f.StringVarP(&opts.exportPath, "export", "o", "", "Write the session record here when the run ends.")
	f.BoolVar(&opts.approve, "approve", false, "Ask for confirmation before each action. (Overrides config/env)")
	f.BoolVar(&opts.headless, "headless", true, "Run the browser without a window. (Overrides config/env)")
	f.IntVar(&opts.maxIterations, "max-iterations", 0, "Stop after this many iterations, 0 for no limit. (Overrides config/env)")
	return runCmd
}

// runSession drives a single session to completion. Separated from the command for tests.
func runSession(ctx context.Context, cfg config.Interface, deps dependencies, opts *runOptions, in io.Reader, out io.Writer, logger *zap.Logger) error {
	comps, err := initializeComponents(ctx, cfg, deps, logger)
	defer comps.Shutdown()
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}

	// Subscribe before the session exists so its navigation entry is printed too.
	eventCh, unsubscribe := comps.Bus.Subscribe(agent.EventHistoryAppended, agent.EventStateChanged, agent.EventCaptureTaken)
	defer unsubscribe()

	id, role, goal, err := prepareSession(ctx, comps.Manager, opts, logger)
	if err != nil {
		return err
	}
	sess, err := comps.Manager.Get(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s\n", id)

	reporter := &runReporter{session: sess, out: out, logger: logger}
	if cfg.Agent().RequireApproval {
		stopReading := make(chan struct{})
		defer close(stopReading)
		reporter.answers = readLines(in, stopReading)
	}
	var g errgroup.Group
	g.Go(func() error { return reporter.consume(eventCh) })

	startErr := comps.Manager.Start(id, role, goal)
	var waitErr error
	if startErr == nil {
		waitErr = waitSession(ctx, sess, logger)
	}
	// Closing the subscription ends the reporter once it has drained the buffer.
	unsubscribe()
	_ = g.Wait()
	if startErr != nil {
		return fmt.Errorf("failed to start session: %w", startErr)
	}

	if opts.exportPath != "" {
		if err := store.WriteRecordFile(opts.exportPath, sess.Export()); err != nil {
			return err
		}
		fmt.Fprintf(out, "Session record written to %s\n", opts.exportPath)
	}

	fmt.Fprintln(out, summarize(sess))
	return waitErr
}

// prepareSession creates or imports the session and returns its id with the role and goal to start it with.
func prepareSession(ctx context.Context, mgr *agent.SessionManager, opts *runOptions, logger *zap.Logger) (id, role, goal string, err error) {
	role, goal = opts.role, opts.goal

	if opts.importPath != "" {
		rec, err := store.ReadRecordFile(opts.importPath)
		if err != nil {
			return "", "", "", err
		}
		id, err = mgr.Import(ctx, rec)
		if err != nil {
			if id == "" {
				return "", "", "", fmt.Errorf("failed to import %s: %w", opts.importPath, err)
			}
			logger.Warn("Continuing with the restored history; the recorded page could not be re-opened.", zap.Error(err))
		}
		if strings.TrimSpace(role) == "" {
			role = rec.Role
		}
		if strings.TrimSpace(goal) == "" {
			goal = rec.Goal
		}
		if opts.url == "" {
			return id, role, goal, nil
		}
	} else {
		id, err = mgr.Create(ctx)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to create session: %w", err)
		}
	}

	sess, err := mgr.Get(id)
	if err != nil {
		return "", "", "", err
	}
	if err := sess.Navigate(ctx, opts.url); err != nil {
		return "", "", "", fmt.Errorf("failed to open %s: %w", opts.url, err)
	}
	return id, role, goal, nil
}

// waitSession blocks until the loop ends. An interrupt stops the session and waits for the
// in-flight step before returning context.Canceled.
func waitSession(ctx context.Context, sess *agent.ExecutionSession, logger *zap.Logger) error {
	if err := sess.Wait(ctx); err == nil {
		return nil
	}
	logger.Info("Interrupt received, stopping session.", zap.String("session_id", sess.ID()))
	sess.Stop()

	graceCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sess.Wait(graceCtx); err != nil {
		logger.Warn("Session did not stop within the grace period.", zap.Error(err))
	}
	return context.Canceled
}

// runReporter prints session events and answers approval requests from stdin.
type runReporter struct {
	session *agent.ExecutionSession
	out     io.Writer
	logger  *zap.Logger
	// answers is nil unless approval mode is on.
	answers <-chan string
}

func (r *runReporter) consume(eventCh <-chan agent.Event) error {
	var pending <-chan string
	answers := r.answers

	for {
		select {
		case ev, ok := <-eventCh:
			if !ok {
				return nil
			}
			switch ev.Type {
			case agent.EventHistoryAppended:
				if e, ok := ev.Payload.(agent.HistoryEntry); ok {
					fmt.Fprintln(r.out, formatEntry(e))
				}
			case agent.EventCaptureTaken:
				fmt.Fprintf(r.out, "           screenshot %v\n", ev.Payload)
			case agent.EventStateChanged:
				sc, ok := ev.Payload.(agent.StateChange)
				if !ok {
					continue
				}
				if sc.To != agent.StateAwaitingApproval {
					pending = nil
					continue
				}
				if answers == nil {
					r.resolve(false, "no operator input")
					continue
				}
				r.prompt()
				pending = answers
			}

		case line, ok := <-pending:
			pending = nil
			if !ok {
				answers = nil
				r.resolve(false, "no operator input")
				continue
			}
			if isYes(line) {
				r.resolve(true, "")
			} else {
				r.resolve(false, "")
			}
		}
	}
}

func (r *runReporter) prompt() {
	if a, ok := r.session.CurrentAction(); ok {
		fmt.Fprintf(r.out, "Pending: %s\n", a.Summary())
	}
	fmt.Fprint(r.out, "Approve? [y/N]: ")
}

func (r *runReporter) resolve(approve bool, reason string) {
	var err error
	if approve {
		err = r.session.Approve()
	} else {
		err = r.session.Reject(reason)
	}
	if err != nil {
		r.logger.Debug("Approval answer ignored.", zap.Error(err))
	}
}

// readLines feeds the lines of in to the returned channel and closes it at EOF or
// once done is closed.
func readLines(in io.Reader, done <-chan struct{}) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case ch <- scanner.Text():
			case <-done:
				return
			}
		}
	}()
	return ch
}

func isYes(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// formatEntry renders a history entry as one line.
func formatEntry(e agent.HistoryEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s", e.Timestamp.Local().Format("15:04:05"), e.Type)
	if e.Status != "" {
		fmt.Fprintf(&b, " [%s]", e.Status)
	}
	b.WriteString(" ")
	b.WriteString(e.Message)
	return b.String()
}

// summarize describes how a finished session ended.
func summarize(sess *agent.ExecutionSession) string {
	history := sess.History()
	if len(history) == 0 {
		return fmt.Sprintf("Session %s is %s with an empty history.", sess.ID(), sess.State())
	}
	last := history[len(history)-1]
	return fmt.Sprintf("Session %s is %s after %d entries. Last: %s", sess.ID(), sess.State(), len(history), last.Message)
}
