package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tripwire/chainwatch/internal/journal"
)

var (
	exportJournalPath string
	exportOut         string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the event journal as hash-chained JSON lines",
	Long: `Export every recorded event, oldest first. Each line carries the hash of
the previous one, so the file can later be checked with "chainwatch verify".`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var verifyCmd = &cobra.Command{
	Use:   "verify <export-file>",
	Short: "Check the hash chain of a journal export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		entries, err := journal.VerifyExport(f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok, %d entries\n", args[0], len(entries))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportJournalPath, "journal", "chainwatch.db", "path to the journal database")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "-", `output file, or "-" for stdout`)
}

func runExport(cmd *cobra.Command, _ []string) error {
	if _, err := os.Stat(exportJournalPath); err != nil {
		return fmt.Errorf("journal %q: %w", exportJournalPath, err)
	}
	j, err := journal.Open(exportJournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	var w io.Writer = cmd.OutOrStdout()
	if exportOut != "-" {
		f, err := os.OpenFile(exportOut, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	n, err := j.Export(cmd.Context(), w)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries\n", n)
	return nil
}
