package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/pipeline"
)

func newProcessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "process <crash-id>",
		Short: "Processes one crash immediately, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := crash.ParseID(args[0])
			if err != nil {
				return err
			}
			run, err := appInstance.Process(cmd.Context(), id)
			if run != nil {
				printRun(cmd.OutOrStdout(), run)
			}
			if err != nil {
				return fmt.Errorf("process %s: %w", id, err)
			}
			return nil
		},
	}
}

func newReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <crash-id>...",
		Short: "Queues crashes to be processed again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			msgIDs, err := appInstance.Reprocess(cmd.Context(), ids)
			for i, msgID := range msgIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tqueued\t%s\n", ids[i], msgID)
			}
			if err != nil {
				return fmt.Errorf("reprocess: %w", err)
			}
			return nil
		},
	}
}

func newShowCmd() *cobra.Command {
	var withDump bool
	cmd := &cobra.Command{
		Use:   "show <crash-id>",
		Short: "Prints a stored processed crash as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := crash.ParseID(args[0])
			if err != nil {
				return err
			}
			processed, err := appInstance.Show(cmd.Context(), id)
			if err != nil {
				if errors.Is(err, crash.ErrObjectNotFound) {
					return fmt.Errorf("crash %s has not been processed", id)
				}
				return fmt.Errorf("show %s: %w", id, err)
			}
			if !withDump {
				processed = processed.Clone()
				delete(processed, crash.FieldJSONDump)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(processed); err != nil {
				return fmt.Errorf("encode processed crash: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withDump, "with-dump", false, "include the full stack walk")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var (
		annotationsPath string
		dumpPaths       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "submit <crash-id>",
		Short: "Stores a raw crash and queues it for processing",
		Long: `Writes the annotations and dumps of a raw crash to the artifact store and
queues its id. Intended for local testing; production crashes arrive from the
collector.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			id, err := crash.ParseID(args[0])
			if err != nil {
				return err
			}
			annotations, err := readAnnotations(annotationsPath)
			if err != nil {
				return err
			}
			dumps := make(map[string]io.Reader, len(dumpPaths))
			for name, path := range dumpPaths {
				f, err := os.Open(path) // #nosec G304 -- operator-supplied path.
				if err != nil {
					return fmt.Errorf("open dump %s: %w", name, err)
				}
				defer f.Close()
				dumps[name] = f
			}
			msgID, err := appInstance.Submit(cmd.Context(), id, annotations, dumps)
			if err != nil {
				return fmt.Errorf("submit %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tqueued\t%s\n", id, msgID)
			return nil
		},
	}
	cmd.Flags().StringVar(&annotationsPath, "annotations", "", "JSON file of string annotations")
	cmd.Flags().StringToStringVar(&dumpPaths, "dump", nil, "dump name=path, repeatable")
	return cmd
}

func readAnnotations(path string) (map[string]string, error) {
	if path == "" {
		return map[string]string{}, nil
	}
	body, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path.
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	var annotations map[string]string
	if err := json.Unmarshal(body, &annotations); err != nil {
		return nil, fmt.Errorf("decode annotations: %w", err)
	}
	return annotations, nil
}

func parseIDs(args []string) ([]crash.ID, error) {
	ids := make([]crash.ID, 0, len(args))
	for _, arg := range args {
		id, err := crash.ParseID(strings.TrimSpace(arg))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printRun(w io.Writer, run *pipeline.Run) {
	fmt.Fprintf(w, "crash %s run %s: %s", run.CrashID, run.ID, run.Status)
	if run.Stage != "" {
		fmt.Fprintf(w, " at %s", run.Stage)
	}
	fmt.Fprintf(w, " (%s)\n", run.Completed.Sub(run.Started).Round(time.Millisecond))
	for _, o := range run.Outcomes {
		line := fmt.Sprintf("  %-16s %-8s %s", o.Rule, o.Status, o.Elapsed.Round(time.Microsecond))
		if o.Message != "" {
			line += "  " + o.Message
		}
		fmt.Fprintln(w, line)
	}
	causes := run.Report.Causes()
	targets := make([]string, 0, len(causes))
	for target := range causes {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		fmt.Fprintf(w, "  %s write failed: %s\n", target, causes[target])
	}
	if run.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", run.Err)
	}
}
