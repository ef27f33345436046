package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rescale/chunkup/internal/localfs"
	"github.com/rescale/chunkup/internal/models"
	"github.com/rescale/chunkup/internal/progress"
	"github.com/rescale/chunkup/internal/upload"
)

// uploadItem is one file to send to a parent folder.
type uploadItem struct {
	path   string
	parent string
}

func newUploadCmd() *cobra.Command {
	var (
		parent        string
		concurrency   int
		includeHidden bool
	)

	cmd := &cobra.Command{
		Use:   "upload <file|dir>...",
		Short: "Upload files",
		Long: `Upload files and directories. Directories are walked recursively.

Each file is fingerprinted first; content the service already holds completes
without sending any data. Interrupted uploads are recorded locally and can be
continued with 'chunkup resume'.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := localfs.CollectFiles(args, localfs.CollectOptions{IncludeHidden: includeHidden})
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to upload")
			}

			ctx := GetContext()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			items := make([]uploadItem, len(files))
			for i, f := range files {
				items[i] = uploadItem{path: f, parent: parent}
			}
			return runUploads(ctx, s, items, concurrency)
		},
	}

	cmd.Flags().StringVarP(&parent, "parent", "p", "", "Parent folder ID")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Chunks in flight per file (0 = config value)")
	cmd.Flags().BoolVar(&includeHidden, "include-hidden", false, "Include hidden files when walking directories")
	return cmd
}

// runUploads starts every item on the engine and waits for all of them. The
// engine bounds how many run at once.
func runUploads(ctx context.Context, s *session, items []uploadItem, concurrency int) error {
	log := GetLogger()
	ui := progress.New(len(items))
	out := log.Output()
	log.SetOutput(ui.Writer())
	defer log.SetOutput(out)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, item := range items {
		f, err := localfs.Open(item.path)
		if err != nil {
			log.Error().Str("path", item.path).Err(err).Msg("cannot open file")
			mu.Lock()
			failed++
			mu.Unlock()
			continue
		}

		bar := ui.AddFileBar(item.path, item.parent, f.Size())
		c := s.engine.Start(ctx, f, item.parent,
			upload.WithConcurrency(concurrency),
			upload.WithProgress(bar.Chunk),
			upload.WithHashProgress(bar.Hashed),
			upload.WithSourcePath(item.path),
		)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer f.Close()
			res, _ := c.Wait(context.Background())
			var err error
			switch res.State {
			case models.StateCompleted:
			case models.StateCanceled:
				err = errors.New("canceled")
			default:
				err = res.Err
			}
			bar.Complete(res.FileRef, res.Instant, err)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	ui.Wait()

	if failed > 0 {
		return fmt.Errorf("%d of %d uploads did not complete", failed, len(items))
	}
	return nil
}
