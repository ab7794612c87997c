package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/crossdisc/internal/config"
	"github.com/kalambet/crossdisc/internal/storage"
)

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show or purge locally recorded searches and answers",
}

var historySearchesCmd = &cobra.Command{
	Use:   "searches",
	Short: "List recent searches",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		st, err := openHistory()
		if err != nil {
			return err
		}
		defer st.Close()
		return runHistorySearches(st, cmd.OutOrStdout(), limit)
	},
}

var historyExchangesCmd = &cobra.Command{
	Use:   "exchanges",
	Short: "List recent questions and answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		st, err := openHistory()
		if err != nil {
			return err
		}
		defer st.Close()
		return runHistoryExchanges(st, cmd.OutOrStdout(), limit)
	},
}

var historyPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all recorded history",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return errors.New("refusing to purge without --confirm")
		}
		st, err := openHistory()
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Purge(); err != nil {
			return fmt.Errorf("purging history: %w", err)
		}
		printSuccess("History purged")
		return nil
	},
}

func init() {
	historySearchesCmd.Flags().Int("limit", 20, "number of entries")
	historyExchangesCmd.Flags().Int("limit", 20, "number of entries")
	historyPurgeCmd.Flags().Bool("confirm", false, "confirm deletion")
	historyCmd.AddCommand(historySearchesCmd, historyExchangesCmd, historyPurgeCmd)
}

func openHistory() (*storage.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	st, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return st, nil
}

type searchEntry struct {
	TaskID          string   `json:"task_id" yaml:"task_id"`
	Concept         string   `json:"concept" yaml:"concept"`
	Disciplines     []string `json:"disciplines" yaml:"disciplines"`
	Status          string   `json:"status" yaml:"status"`
	TotalChunks     int      `json:"total_chunks" yaml:"total_chunks"`
	ValidatedChunks int      `json:"validated_chunks" yaml:"validated_chunks"`
	Error           string   `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt       string   `json:"created_at" yaml:"created_at"`
}

func runHistorySearches(st *storage.Store, w io.Writer, limit int) error {
	recs, err := st.RecentSearches(limit)
	if err != nil {
		return fmt.Errorf("listing searches: %w", err)
	}

	entries := make([]searchEntry, 0, len(recs))
	for _, r := range recs {
		var names []string
		if r.Disciplines != "" {
			if err := json.Unmarshal([]byte(r.Disciplines), &names); err != nil {
				names = []string{r.Disciplines}
			}
		}
		entries = append(entries, searchEntry{
			TaskID:          r.TaskID,
			Concept:         r.Concept,
			Disciplines:     names,
			Status:          r.Status,
			TotalChunks:     r.TotalChunks,
			ValidatedChunks: r.ValidatedChunks,
			Error:           r.Error,
			CreatedAt:       r.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}

	return render(w, entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "No searches recorded.")
			return
		}
		for _, e := range entries {
			status := e.Status
			switch status {
			case "completed":
				status = green(status)
			case "failed":
				status = red(status)
			default:
				status = yellow(status)
			}
			fmt.Fprintf(w, "%s  %-10s %s  %s  %d chunks  %s\n",
				e.CreatedAt, status, bold(e.Concept), strings.Join(e.Disciplines, ", "), e.TotalChunks, cyan(e.TaskID))
		}
	})
}

func runHistoryExchanges(st *storage.Store, w io.Writer, limit int) error {
	exs, err := st.RecentExchanges(limit)
	if err != nil {
		return fmt.Errorf("listing exchanges: %w", err)
	}

	return render(w, exs, func(w io.Writer) {
		if len(exs) == 0 {
			fmt.Fprintln(w, "No exchanges recorded.")
			return
		}
		for _, e := range exs {
			about := e.Concept
			if e.Source != "" && e.Target != "" {
				about = fmt.Sprintf("%s (%s → %s)", e.Concept, e.Source, e.Target)
			} else if e.Source != "" {
				about = fmt.Sprintf("%s (%s)", e.Concept, e.Source)
			}
			fmt.Fprintf(w, "\n%s  %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04"), bold(about))
			fmt.Fprintf(w, "  Q: %s\n", e.Question)
			fmt.Fprintf(w, "  A: %s\n", truncate(e.Answer, 200))
		}
	})
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return runConfigShow(cfg, cmd.OutOrStdout())
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a key to the config file",
	Long:  "Write a key to the config file.\n\nKeys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("%s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}

func runConfigShow(cfg config.Config, w io.Writer) error {
	keys := config.ShowAll(cfg)
	return render(w, keys, func(w io.Writer) {
		fmt.Fprintf(w, "%s %s\n\n", bold("Config file:"), config.ConfigPath())
		for _, k := range keys {
			fmt.Fprintf(w, "  %-36s %s\n", k.Key, k.Value)
		}
	})
}
