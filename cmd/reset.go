package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ragline/ragline/internal/state"
)

var resetSink bool

var resetCmd = &cobra.Command{
	Use:       "reset [crawl|embed|upload|all]",
	Short:     "Clear stage checkpoints so the next run starts from scratch",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"crawl", "embed", "upload", "all"},
	RunE:      runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetSink, "sink", false,
		"also delete the embeddings sink file")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	app, err := newApp(nil)
	if err != nil {
		return err
	}
	defer app.Close()

	target := "all"
	if len(args) > 0 {
		target = args[0]
	}

	stages := []state.Stage{state.StageCrawl, state.StageEmbed, state.StageUpload}
	if target != "all" {
		stages = []state.Stage{state.Stage(target)}
	}

	for _, stage := range stages {
		if err := app.states.Reset(stage); err != nil {
			return err
		}
		fmt.Printf("Reset %s checkpoint\n", stage)
	}

	if resetSink {
		if err := app.sink.Reset(); err != nil {
			return err
		}
		fmt.Println("Reset embeddings sink")
	}
	return nil
}
