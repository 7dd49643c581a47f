package commands

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/timmy/steamharvest/internal/service"
)

var (
	importCSV bool
	importIDs string
)

func init() {
	importCmd.Flags().BoolVar(&importCSV, "csv", false, "the file is a SteamDB chart CSV instead of an extension JSON dump")
	importCmd.Flags().StringVar(&importIDs, "ids", "", "comma-separated app ids matching the CSV's value columns")
	rootCmd.AddCommand(importCmd)
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Imports player counts saved by the browser extension or downloaded from SteamDB.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		var res *service.ImportResult
		if importCSV {
			ids, err := parseIDList(importIDs)
			if err != nil {
				return err
			}
			res, err = a.ImportService.ImportCSV(cmd.Context(), f, ids)
			if err != nil {
				return err
			}
		} else {
			res, err = a.ImportService.ImportExport(cmd.Context(), f)
			if err != nil {
				return err
			}
		}
		fmt.Printf("imported %d records for %d apps\n", res.Records, res.Apps)
		return nil
	},
}

func parseIDList(s string) ([]int64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid app id %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
