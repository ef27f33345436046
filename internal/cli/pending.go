package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/rescale/chunkup/internal/logging"
	"github.com/rescale/chunkup/internal/upload"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List interrupted uploads",
		Long:  `List uploads recorded locally that have not completed, newest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.engine.Pending(ctx)
			if err != nil {
				return err
			}
			printPending(cmd.OutOrStdout(), records, time.Now())
			return nil
		},
	}
}

func printPending(w io.Writer, records []upload.Record, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No pending uploads")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINGERPRINT\tNAME\tSIZE\tCHUNKS\tSTATE\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s ago\n",
			r.Fingerprint, r.FileName, units.BytesSize(float64(r.FileSize)),
			len(r.AckedChunks), r.TotalChunks, r.State,
			units.HumanDuration(now.Sub(r.UpdatedAt)))
	}
	tw.Flush()
}

func newResumeCmd() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue interrupted uploads",
		Long: `Restart every recorded upload whose source file still exists with the
same size. Chunks the service already holds are not sent again.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			records, err := s.engine.Pending(ctx)
			if err != nil {
				return err
			}
			items := resumable(records, GetLogger())
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to resume")
				return nil
			}
			return runUploads(ctx, s, items, concurrency)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Chunks in flight per file (0 = config value)")
	return cmd
}

// resumable returns the records whose source is still in place.
func resumable(records []upload.Record, log *logging.Logger) []uploadItem {
	var items []uploadItem
	for _, r := range records {
		if r.SourcePath == "" {
			log.Warn().Str("file", r.FileName).Msg("record has no source path, skipping")
			continue
		}
		info, err := os.Stat(r.SourcePath)
		if err != nil || info.IsDir() {
			log.Warn().Str("path", r.SourcePath).Msg("source file is gone, skipping")
			continue
		}
		if info.Size() != r.FileSize {
			log.Warn().Str("path", r.SourcePath).Msg("source file changed size, skipping")
			continue
		}
		items = append(items, uploadItem{path: r.SourcePath, parent: r.ParentFolderID})
	}
	return items
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <fingerprint>",
		Short: "Abandon an interrupted upload",
		Long: `Cancel the remote task of a recorded upload and delete the local record.
Use 'chunkup pending' to list fingerprints.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetContext()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.engine.Discard(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to cancel %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Canceled %s\n", args[0])
			return nil
		},
	}
}
