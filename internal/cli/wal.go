package cli

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/docflow/internal/storage/wal"
	"github.com/spf13/cobra"
)

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Inspect a write-ahead log offline",
	}

	verify := &cobra.Command{
		Use:   "verify <path>",
		Short: "Check checksums and sequence continuity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := wal.ValidateWAL(args[0])
			if err != nil {
				return fmt.Errorf("WAL %s is invalid: %w", args[0], err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "records: %d\n", st.Records)
			if st.Records == 0 {
				return nil
			}
			fmt.Fprintf(w, "seq:     %d..%d\n", st.FirstSeq, st.LastSeq)
			fmt.Fprintf(w, "span:    %s .. %s\n", st.First.Format("2006-01-02 15:04:05"), st.Last.Format("2006-01-02 15:04:05"))

			typs := make([]string, 0, len(st.ByType))
			for t := range st.ByType {
				typs = append(typs, string(t))
			}
			sort.Strings(typs)
			for _, t := range typs {
				fmt.Fprintf(w, "  %-18s %d\n", t, st.ByType[wal.RecordType(t)])
			}
			return nil
		},
	}

	dump := &cobra.Command{
		Use:   "dump <path>",
		Short: "Print every record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return wal.DumpWAL(args[0], cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(verify, dump)
	return cmd
}
