package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hpcloud/tail"
	"github.com/spf13/cobra"
)

// newLogsCmd creates the `logs` command, which prints or follows the rotated log file.
func newLogsCmd() *cobra.Command {
	var (
		follow bool
		lines  int
		file   string
	)

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if file == "" {
				cfg, err := getConfigFromContext(ctx)
				if err != nil {
					return err
				}
				file = cfg.Logger().LogFile
			}
			if file == "" {
				return errors.New("no log file configured (logger.log_file)")
			}
			return tailLog(ctx, file, lines, follow, cmd.OutOrStdout())
		},
	}

	logsCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing lines as they are written, across rotations.")
	logsCmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of trailing lines to print first.")
	logsCmd.Flags().StringVar(&file, "file", "", "Log file to read (default: logger.log_file).")
	return logsCmd
}

// tailLog prints the last n lines of path and, when follow is set, every line written after
// them until ctx is done.
func tailLog(ctx context.Context, path string, n int, follow bool, out io.Writer) error {
	offset, err := lastLinesOffset(path, n)
	if err != nil {
		return fmt.Errorf("failed to read log file: %w", err)
	}

	t, err := tail.TailFile(path, tail.Config{
		Follow:    follow,
		ReOpen:    follow,
		// The inotify watcher is process-wide and never exits, polling has no such goroutine.
		Poll:      true,
		MustExist: true,
		Location:  &tail.SeekInfo{Offset: offset, Whence: io.SeekStart},
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail log file: %w", err)
	}
	// Tail.Cleanup is not called: it starts the shared inotify watcher even when polling.
	defer func() { _ = t.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-t.Lines:
			if !ok {
				return nil
			}
			if line.Err != nil {
				return line.Err
			}
			fmt.Fprintln(out, line.Text)
		}
	}
}

// lastLinesOffset returns the byte offset at which the last n lines of path begin.
func lastLinesOffset(path string, n int) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if n <= 0 {
		return size, nil
	}

	const chunkSize = 4096
	buf := make([]byte, chunkSize)
	newlines := 0
	for pos := size; pos > 0; {
		readSize := int64(chunkSize)
		if pos < readSize {
			readSize = pos
		}
		pos -= readSize
		if _, err := f.ReadAt(buf[:readSize], pos); err != nil {
			return 0, err
		}
		for i := readSize - 1; i >= 0; i-- {
			// The final newline ends the last line; it does not start another.
			if buf[i] != '\n' || pos+i == size-1 {
				continue
			}
			newlines++
			if newlines == n {
				return pos + i + 1, nil
			}
		}
	}
	return 0, nil
}
