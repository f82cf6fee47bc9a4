// Command anchor is the CLI host for the context engine: the same engine
// the server embeds, driven one operation at a time.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	anchor "github.com/RSBalchII/Anchor"
	"github.com/RSBalchII/Anchor/llm"
)

var (
	flagConfig  string
	flagDBPath  string
	flagVerbose bool
)

func main() {
	root := &cobra.Command{
		Use:           "anchor",
		Short:         "Local-first context engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (YAML)")
	root.PersistentFlags().StringVar(&flagDBPath, "db", "", "override database path")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		ingestCmd(),
		searchCmd(),
		bucketsCmd(),
		dreamCmd(),
		backupCmd(),
		statsCmd(),
		chatCmd(),
		scribeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", anchor.Kind(err), err)
		os.Exit(1)
	}
}

// openEngine builds an engine from the config flags.
func openEngine() (anchor.Engine, error) {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := anchor.DefaultConfig()
	if flagConfig != "" {
		f, err := os.Open(flagConfig)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if flagDBPath != "" {
		cfg.DBPath = flagDBPath
	}
	return anchor.New(cfg)
}

func ingestCmd() *cobra.Command {
	var buckets []string
	var source string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Ingest files, or stdin when no file is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			if len(args) == 0 {
				content, err := io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
				res, err := engine.Ingest(cmd.Context(), string(content), source, "", buckets)
				if err != nil {
					return err
				}
				fmt.Printf("%s %s\n", res.Status, res.ID)
				return nil
			}

			for _, path := range args {
				res, err := engine.IngestFile(cmd.Context(), path)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					continue
				}
				fmt.Printf("%s %s %s\n", res.Status, res.ID, path)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&buckets, "bucket", "b", nil, "bucket labels for stdin ingest")
	cmd.Flags().StringVarP(&source, "source", "s", "", "source path for stdin ingest")
	return cmd
}

func searchCmd() *cobra.Command {
	var buckets []string
	var maxChars int
	var provenance string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a tag-walker search and print the inflated context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Search(cmd.Context(), args[0], anchor.SearchOptions{
				Buckets:    buckets,
				MaxChars:   maxChars,
				Provenance: provenance,
			})
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(res)
			}
			if res.Context == "" {
				fmt.Println("(no results)")
				return nil
			}
			fmt.Println(res.Context)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&buckets, "bucket", "b", nil, "restrict to buckets")
	cmd.Flags().IntVarP(&maxChars, "max-chars", "n", 4000, "total character budget")
	cmd.Flags().StringVarP(&provenance, "provenance", "p", "all", "ranking mode: sovereign|external|all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	return cmd
}

func bucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "List all bucket labels",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			buckets, err := engine.Buckets(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range buckets {
				fmt.Println(b)
			}
			return nil
		},
	}
}

func dreamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dream",
		Short: "Re-tag compounds still carrying only the default bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Dream(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d, retagged %d\n", res.Scanned, res.Retagged)
			return nil
		},
	}
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Eject the store to a timestamped snapshot file",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			res, err := engine.Backup(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("wrote %d records to %s\n", res.Records, res.Path)
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print store object counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			stats, err := engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(stats)
		},
	}
}

func chatCmd() *cobra.Command {
	var contextChars int

	cmd := &cobra.Command{
		Use:   "chat <message>",
		Short: "One-shot chat with woven session state and retrieved context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := openEngine()
			if err != nil {
				return err
			}
			defer engine.Close()

			text, err := engine.Chat(cmd.Context(), []llm.Message{
				{Role: "user", Content: args[0]},
			}, anchor.ChatParams{ContextChars: contextChars})
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
	cmd.Flags().IntVar(&contextChars, "context-chars", 0, "retrieval budget (default 2500)")
	return cmd
}

func scribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scribe",
		Short: "Inspect or clear the session state",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get",
			Short: "Print the current session summary",
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := openEngine()
				if err != nil {
					return err
				}
				defer engine.Close()

				state, err := engine.Scribe().Get(cmd.Context())
				if err != nil {
					return err
				}
				if state == "" {
					fmt.Println("(empty)")
					return nil
				}
				fmt.Println(state)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Clear the session summary",
			RunE: func(cmd *cobra.Command, args []string) error {
				engine, err := openEngine()
				if err != nil {
					return err
				}
				defer engine.Close()
				return engine.Scribe().Clear(cmd.Context())
			},
		},
	)
	return cmd
}
