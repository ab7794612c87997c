package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/crossdisc/internal/gateway"
	"github.com/kalambet/crossdisc/internal/search"
)

// --- classify ---

var classifyCmd = &cobra.Command{
	Use:   "classify <concept>",
	Short: "List the disciplines a concept belongs to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return runClassify(cmd.Context(), a, cmd.OutOrStdout(), strings.Join(args, " "))
	},
}

func runClassify(ctx context.Context, a *app, w io.Writer, concept string) error {
	res, err := a.gw.Classify(ctx, a.classifyRequest(concept))
	if err != nil {
		return fmt.Errorf("classifying %q: %w", concept, err)
	}

	return render(w, res, func(w io.Writer) {
		fmt.Fprintf(w, "%s  primary: %s\n\n", bold(res.Concept), res.PrimaryDiscipline)
		for _, d := range res.Disciplines {
			mark := " "
			if d.IsDefaultSelected {
				mark = green("*")
			}
			fmt.Fprintf(w, "%s %-16s %.2f  %s\n", mark, d.Name, d.RelevanceScore, d.Reason)
		}
		for _, s := range res.SuggestedAdditions {
			fmt.Fprintf(w, "%s %-16s       %s\n", yellow("+"), s.Name, s.Reason)
		}
	})
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <concept>",
	Short: "Run a cross-disciplinary search and wait for its results",
	Long: `Run a cross-disciplinary search and wait for its results.

Without --discipline the concept is classified first and the default
disciplines are searched. Ctrl-C cancels the task on the server.

Examples:
  crossdisc search 熵
  crossdisc search 熵 --discipline 物理学 --discipline 信息论`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		disciplines, _ := cmd.Flags().GetStringSlice("discipline")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st := search.NewStore(a.gw, a.cfg.Search.PollInterval)
		if a.history != nil {
			st.SetRecorder(a.history)
		}
		return runSearch(ctx, a, st, cmd.OutOrStdout(), strings.Join(args, " "), disciplines)
	},
}

func init() {
	searchCmd.Flags().StringSlice("discipline", nil, "discipline to search (repeatable); skips classification")
}

func runSearch(ctx context.Context, a *app, st *search.Store, w io.Writer, concept string, disciplines []string) error {
	if len(disciplines) > 0 {
		st.SetConcept(concept)
		for _, d := range disciplines {
			st.AddDisciplineName(strings.TrimSpace(d))
		}
	} else {
		printStep("Classifying %s...", concept)
		if _, err := st.Classify(ctx, a.classifyRequest(concept)); err != nil {
			return err
		}
		st.SelectDefaults()
	}
	printStatus("Disciplines", "%s", strings.Join(st.DisciplineNames(), ", "))

	res, err := st.RunFullSearch(ctx, a.searchConfig(), func(obs gateway.Observation) {
		fmt.Fprintf(os.Stderr, "\r  %s %5.1f%%  %-14s found %d, validated %d",
			cyan("⟳"), percent(obs.Progress.Overall), obs.Progress.CurrentStage,
			obs.PartialResults.TotalChunksFound, obs.PartialResults.ValidatedChunks)
	})
	fmt.Fprintln(os.Stderr)

	if err != nil {
		if ctx.Err() != nil && st.Snapshot().IsSearchInProgress() {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if cerr := st.Cancel(cctx); cerr != nil {
				printWarning("could not cancel task %s: %v", st.Snapshot().Task.TaskID, cerr)
			} else {
				printWarning("Search cancelled (task %s)", st.Snapshot().Task.TaskID)
			}
			return nil
		}
		var te *search.TerminalError
		if errors.As(err, &te) {
			return fmt.Errorf("search %s: task %s", te.Status, te.TaskID)
		}
		return err
	}

	printSuccess("Search completed (task %s)", res.TaskID)
	return renderResults(w, res)
}

// --- results ---

var resultsCmd = &cobra.Command{
	Use:   "results <task-id>",
	Short: "Show results of a finished search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		opts := gateway.ResultOptions{}
		opts.Page, _ = cmd.Flags().GetInt("page")
		opts.PageSize, _ = cmd.Flags().GetInt("page-size")
		opts.Discipline, _ = cmd.Flags().GetString("discipline")
		if cmd.Flags().Changed("min-relevance") {
			v, _ := cmd.Flags().GetFloat64("min-relevance")
			opts.MinRelevance = &v
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return runResults(cmd.Context(), a, cmd.OutOrStdout(), args[0], opts, all)
	},
}

func init() {
	resultsCmd.Flags().Bool("all", false, "fetch every page")
	resultsCmd.Flags().Int("page", 1, "page number")
	resultsCmd.Flags().Int("page-size", 20, "results per page (max 100)")
	resultsCmd.Flags().String("discipline", "", "only results from this discipline")
	resultsCmd.Flags().Float64("min-relevance", 0, "minimum relevance score (0-1)")
}

func runResults(ctx context.Context, a *app, w io.Writer, taskID string, opts gateway.ResultOptions, all bool) error {
	if all {
		chunks, err := gateway.CollectChunks(ctx, a.gw, taskID, opts)
		if err != nil {
			return fmt.Errorf("fetching results: %w", err)
		}
		return render(w, chunks, func(w io.Writer) { writeChunks(w, chunks, 0) })
	}

	res, err := a.gw.GetResults(ctx, taskID, opts)
	if err != nil {
		return fmt.Errorf("fetching results: %w", err)
	}
	return renderResults(w, res)
}

func renderResults(w io.Writer, res gateway.Results) error {
	return render(w, res, func(w io.Writer) {
		s := res.Summary
		fmt.Fprintf(w, "%s  %d chunks from %d disciplines, average relevance %.2f\n",
			bold(res.Concept), s.TotalChunks, s.DisciplinesCovered, s.AverageRelevance)
		p := res.Pagination
		offset := 0
		if p.Page > 0 && p.PageSize > 0 {
			offset = (p.Page - 1) * p.PageSize
		}
		writeChunks(w, res.Chunks, offset)
		if p.TotalPages > 1 {
			fmt.Fprintf(w, "\npage %d of %d\n", p.Page, p.TotalPages)
		}
	})
}

func writeChunks(w io.Writer, chunks []gateway.Chunk, offset int) {
	if len(chunks) == 0 {
		fmt.Fprintln(w, "No results found.")
		return
	}
	for i, c := range chunks {
		title := c.Source.Title
		if title == "" {
			title = c.Source.URL
		}
		fmt.Fprintf(w, "\n%s [%s, relevance %.2f]\n", bold(fmt.Sprintf("%d. %s", offset+i+1, title)), c.Discipline, c.RelevanceScore)
		if c.Source.URL != "" {
			fmt.Fprintf(w, "   %s\n", cyan(c.Source.URL))
		}
		fmt.Fprintf(w, "   %s\n", truncate(htmlToText(c.Content), 500))
	}
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running search",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.gw.Cancel(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancelling %s: %w", args[0], err)
		}
		printSuccess("Task %s %s", res.TaskID, res.Status)
		return nil
	},
}
