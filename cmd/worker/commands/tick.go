package commands

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/unclebandit/outreach-scheduler/internal/app"
	"github.com/unclebandit/outreach-scheduler/internal/service"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run exactly one dispatch tick",
	Long:  `Tick claims and processes due rows once and prints the summary as JSON.`,
	RunE:  runTick,
}

func runTick(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	a, err := app.New(e.cfg, e.log, e.db, nil)
	if err != nil {
		return err
	}
	res, err := a.Dispatcher.Tick(ctx)
	if err != nil {
		return err
	}
	return printTick(cmd.OutOrStdout(), res)
}

func printTick(w io.Writer, res *service.TickResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
