package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"crabstack.local/projects/conversatrait/internal/config"
	"crabstack.local/projects/conversatrait/internal/conversation"
	"crabstack.local/projects/conversatrait/internal/events"
	"crabstack.local/projects/conversatrait/internal/model"
	"crabstack.local/projects/conversatrait/internal/pipeline"
)

func newAnalyzeCmd() *cobra.Command {
	var (
		file         string
		analysisType string
		modelID      string
		speaker      string
		relationship string
		provider     string
		answer       string
	)
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Run one analysis in process and print its notifications",
		Long: `Reads a conversation (one "Speaker: message" per line) from --file or stdin,
runs it through the safety gate and the configured provider, and prints every
notification as a JSON line followed by the final result.

A conversation that triggers the safety gate stops with the challenge prompt;
rerun with --answer to resolve it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			cfg, logger, err := loadRuntime(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			watcher := newSessionWatcher(cmd.OutOrStdout())
			a, err := newApp(ctx, cfg, logger, watcher)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := a.pipeline.Submit(ctx, pipeline.SubmitRequest{
				Text:                text,
				AnalysisType:        analysisType,
				Model:               modelID,
				Provider:            provider,
				SpeakerFilter:       speaker,
				RelationshipContext: relationship,
			})
			if err != nil {
				return fmt.Errorf("analysis %s rejected: %w", id, err)
			}
			return watcher.wait(ctx, id, func(ctx context.Context) error {
				if strings.TrimSpace(answer) == "" {
					return errors.New("intervention required: rerun with --answer")
				}
				return a.pipeline.ResolveIntervention(ctx, id, answer)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "conversation file (default: stdin)")
	cmd.Flags().StringVarP(&analysisType, "type", "t", "", "analysis type (default: comprehensive)")
	cmd.Flags().StringVarP(&modelID, "model", "m", "", "model id (default: configured default model)")
	cmd.Flags().StringVarP(&speaker, "speaker", "s", "", "analyze only this speaker")
	cmd.Flags().StringVar(&relationship, "relationship", "", "relationship context, e.g. coworkers")
	cmd.Flags().StringVar(&provider, "provider", "", "provider override (openrouter or gemini)")
	cmd.Flags().StringVar(&answer, "answer", "", "answer to the safety challenge")
	return cmd
}

func newParseCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "parse",
		Short: "Print the turns and speakers found in a conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			text, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			turns := conversation.Normalize(text)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"conversations": turns,
				"speakers":      conversation.Speakers(turns),
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "conversation file (default: stdin)")
	return cmd
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the provider's models, cheapest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadRuntime(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.OpenRouterAPIKey) == "" {
				return fmt.Errorf("%s is not set", config.EnvOpenRouterAPIKey)
			}
			provider := model.NewOpenRouterProvider(cfg.OpenRouterAPIKey,
				model.WithOpenRouterModelsEndpoint(cfg.OpenRouterModelsEndpoint),
				model.WithAttribution(cfg.HTTPReferer, cfg.AppTitle),
			)
			listing, err := provider.ListModels(cmd.Context())
			if err != nil {
				return fmt.Errorf("list models: %w", err)
			}
			return printModels(cmd.OutOrStdout(), model.NewSelector(cfg.DefaultModel).FilterAllowed(listing))
		},
	}
}

func printModels(out io.Writer, models []model.ModelInfo) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROMPT PRICE\tCONTEXT\tNAME")
	for _, m := range models {
		fmt.Fprintf(tw, "%s\t%g\t%d\t%s\n", m.ID, m.PromptPrice, m.ContextLength, m.Name)
	}
	return tw.Flush()
}

func readInput(stdin io.Reader, file string) (string, error) {
	var (
		raw []byte
		err error
	)
	if file == "" || file == "-" {
		raw, err = io.ReadAll(io.LimitReader(stdin, 8<<20))
	} else {
		raw, err = os.ReadFile(config.ResolvePath(file))
	}
	if err != nil {
		return "", fmt.Errorf("read conversation: %w", err)
	}
	return string(raw), nil
}

// sessionWatcher prints every notification and hands the ones that end or
// suspend a run to wait.
type sessionWatcher struct {
	mu      sync.Mutex
	out     io.Writer
	signals chan events.Event
}

func newSessionWatcher(out io.Writer) *sessionWatcher {
	return &sessionWatcher{out: out, signals: make(chan events.Event, 8)}
}

func (w *sessionWatcher) Name() string {
	return "cli"
}

func (w *sessionWatcher) Handle(_ context.Context, event events.Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	w.mu.Lock()
	_, err = fmt.Fprintln(w.out, string(line))
	w.mu.Unlock()
	if err != nil {
		return err
	}

	switch event.Kind {
	case events.KindComplete, events.KindError, events.KindIntervention:
		select {
		case w.signals <- event:
		default:
		}
	}
	return nil
}

func (w *sessionWatcher) wait(ctx context.Context, id string, resolve func(context.Context) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.signals:
			if event.SessionID != id {
				continue
			}
			switch event.Kind {
			case events.KindComplete:
				result, err := json.MarshalIndent(event.Results, "", "  ")
				if err != nil {
					return err
				}
				w.mu.Lock()
				defer w.mu.Unlock()
				_, err = fmt.Fprintln(w.out, string(result))
				return err
			case events.KindError:
				return errors.New(event.Error)
			case events.KindIntervention:
				if event.Intervention != nil {
					w.mu.Lock()
					fmt.Fprintf(w.out, "%s\n%s\n", event.Intervention.Message, event.Intervention.Challenge.Prompt)
					w.mu.Unlock()
				}
				if err := resolve(ctx); err != nil {
					return err
				}
			}
		}
	}
}
