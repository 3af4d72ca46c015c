// Command eurostat-ingest runs the dataset ingestion pipeline, either for a
// single dataset (run) or for every dataset listed in a managed-datasets
// file (update-all). CLI wiring follows the teacher's own dependency on
// github.com/spf13/cobra, generalized here from an indirect dependency into
// the module's actual command surface.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/stdr"
	"github.com/spf13/cobra"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/fetcher"
	"github.com/gowthamrao/eurostat-ingest/internal/loader"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
	"github.com/gowthamrao/eurostat-ingest/internal/orchestrator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "eurostat-ingest",
		Short: "Ingest Eurostat SDMX/TSV datasets into a relational database",
	}
	root.AddCommand(newRunCmd(), newUpdateAllCmd())
	return root
}

func buildOrchestrator(ctx context.Context, settings *config.AppSettings) (*orchestrator.Orchestrator, error) {
	log := stdr.New(nil)

	f, err := fetcher.New(settings, log)
	if err != nil {
		return nil, fmt.Errorf("building fetcher: %w", err)
	}

	ld, err := loader.New(ctx, settings, log)
	if err != nil {
		return nil, fmt.Errorf("building loader: %w", err)
	}

	return orchestrator.New(settings, f, ld, log), nil
}

func newRunCmd() *cobra.Command {
	var (
		datasetID           string
		representation      string
		loadStrategy        string
		useUnloggedTables   bool
		noUseUnloggedTables bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest a single dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			orch, err := buildOrchestrator(ctx, settings)
			if err != nil {
				return err
			}
			defer orch.Close(ctx)

			// --no-use-unlogged-tables has no backing Viper/env knob; it only
			// ever negates the positive flag when the caller passes it explicitly.
			if cmd.Flags().Changed("no-use-unlogged-tables") {
				useUnloggedTables = !noUseUnloggedTables
			}

			result, err := orch.Run(ctx, datasetID, model.Representation(representation), model.LoadStrategy(loadStrategy), useUnloggedTables)
			if err != nil {
				return err
			}

			if result.Skipped {
				fmt.Fprintf(cmd.OutOrStdout(), "dataset %s already up to date, skipped\n", datasetID)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "dataset %s loaded, %d rows\n", datasetID, result.RowsLoaded)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&datasetID, "dataset-id", "", "Eurostat dataset identifier (required)")
	cmd.Flags().StringVar(&representation, "representation", string(model.RepresentationStandard), "Standard or Full")
	cmd.Flags().StringVar(&loadStrategy, "load-strategy", string(model.LoadStrategyFull), "Full or Delta")
	cmd.Flags().BoolVar(&useUnloggedTables, "use-unlogged-tables", true, "use unlogged/temp staging tables when the engine supports it")
	cmd.Flags().BoolVar(&noUseUnloggedTables, "no-use-unlogged-tables", false, "disable unlogged/temp staging tables (overrides --use-unlogged-tables)")
	cmd.MarkFlagRequired("dataset-id")

	return cmd
}

func newUpdateAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-all",
		Short: "Update every dataset listed in the managed-datasets file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			settings, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			data, err := os.ReadFile(settings.ManagedDatasetsPath)
			if err != nil {
				return fmt.Errorf("reading managed datasets file %q: %w", settings.ManagedDatasetsPath, err)
			}
			spec, err := orchestrator.LoadBatchSpec(data)
			if err != nil {
				return err
			}

			orch, err := buildOrchestrator(ctx, settings)
			if err != nil {
				return err
			}
			defer orch.Close(ctx)

			summary, err := orch.UpdateAll(ctx, spec, settings.DB.UseUnloggedTables)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "updated=%d skipped=%d failed=%d\n", summary.Updated, summary.Skipped, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d dataset(s) failed to update", summary.Failed)
			}
			return nil
		},
	}
	return cmd
}
