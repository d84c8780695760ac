package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/scout/config"
	"github.com/mohammad-safakhou/scout/internal/memory"
	"github.com/mohammad-safakhou/scout/internal/research"
	"github.com/mohammad-safakhou/scout/tools/docsearch"
	"github.com/mohammad-safakhou/scout/tools/memsearch"
	"github.com/mohammad-safakhou/scout/tools/scholar"
	"github.com/mohammad-safakhou/scout/tools/websearch"
)

// askCMD runs one research query in-process, without the HTTP server or
// postgres, and prints the response as JSON.
func askCMD() *cobra.Command {
	var cfgPath string
	var sessionID string
	var asJSON bool

	var ask = &cobra.Command{
		Use:   "ask [query]",
		Short: "Answer a single research query from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if cfgPath != "" {
				cfg = config.LoadConfig(cfgPath)
			} else {
				cfg = config.Default()
			}

			conv := memory.NewInMemoryHistory(cfg.Memory.HistoryLimit)
			orch := research.NewOrchestrator(cfg.Research,
				research.NewEvaluator(cfg.Research.Evaluator, nil),
				research.NewSynthesizer(cfg.Research.Synthesizer, nil),
				conv, nil, nil)

			if cfg.Tools.DocSearch.Enabled {
				ds, err := docsearch.New(cfg.Tools.DocSearch, nil)
				if err != nil {
					return fmt.Errorf("docsearch: %w", err)
				}
				defer ds.Close()
				orch.RegisterTool(ds)
			}
			if cfg.Tools.WebSearch.Enabled && cfg.Tools.WebSearch.SerperAPIKey != "" {
				orch.RegisterTool(websearch.New(cfg.Tools.WebSearch, nil))
			}
			if cfg.Tools.Scholar.Enabled {
				orch.RegisterTool(scholar.New(cfg.Tools.Scholar, nil))
			}
			if cfg.Tools.MemSearch.Enabled {
				orch.RegisterTool(memsearch.New(cfg.Tools.MemSearch, conv, nil))
			}

			if sessionID == "" {
				sessionID = uuid.NewString()
			}
			query, err := research.NewQuery("cli", sessionID, strings.Join(args, " "))
			if err != nil {
				return err
			}

			resp, err := orch.ProcessQuery(context.Background(), query)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(resp)
			}
			printResponse(resp)
			return nil
		},
	}
	ask.Flags().StringVar(&sessionID, "session", "", "session id (default random)")
	ask.Flags().BoolVar(&asJSON, "json", false, "print the full response as JSON")
	ask.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return ask
}

func printResponse(resp research.FinalResponse) {
	fmt.Println(resp.Answer)
	fmt.Println()
	for _, section := range resp.Sections {
		fmt.Printf("## %s (confidence %.2f)\n", section.Heading, section.Confidence)
		fmt.Println(section.Content)
		fmt.Println()
	}
	if len(resp.Perspectives) > 0 {
		fmt.Println("Conflicting viewpoints:")
		for _, p := range resp.Perspectives {
			fmt.Printf("- %s: %s\n", p.Viewpoint, p.Summary)
		}
		fmt.Println()
	}
	fmt.Printf("confidence %.2f, sources: %s\n", resp.Confidence, strings.Join(resp.SourcesConsulted, ", "))
}
