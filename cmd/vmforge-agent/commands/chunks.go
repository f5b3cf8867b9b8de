package commands

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/stores"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

func newChunksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Manage inline upload chunks",
	}
	cmd.AddCommand(newChunksPutCommand())
	cmd.AddCommand(newChunksPurgeCommand())
	return cmd
}

func newChunksPutCommand() *cobra.Command {
	var offset int64

	cmd := &cobra.Command{
		Use:   "put <key> <file>",
		Short: "Store a file as an upload chunk",
		Long: `Store the content of a file as a single-use upload chunk. An image
upload_data task referencing the key writes it at the chunk offset.
The chunk expires after chunks.ttl.`,
		Example: `  vmforge-agent chunks put c-1 ./part1.bin --offset 1048576
  vmforge-agent task submit image upload_data --object image=img-1 --prop chunk_id=c-1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			return withStore(cmd.Context(), func(cfg *config.Config, store *stores.SQLiteStore) error {
				chunk := &resources.DataChunk{
					Key:       args[0],
					Offset:    offset,
					Data:      base64.StdEncoding.EncodeToString(data),
					ExpiresAt: time.Now().Add(cfg.Chunks.TTL),
				}
				if err := store.PutChunk(cmd.Context(), chunk); err != nil {
					return err
				}
				fmt.Printf("✓ Stored chunk %s (%s at offset %d, expires %s)\n",
					chunk.Key, humanize.IBytes(uint64(len(data))), offset, humanize.Time(chunk.ExpiresAt))
				return nil
			})
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset of the chunk in the image")
	return cmd
}

func newChunksPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired upload chunks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(_ *config.Config, store *stores.SQLiteStore) error {
				n, err := store.PurgeExpiredChunks(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("✓ Purged %d expired chunks\n", n)
				return nil
			})
		},
	}
}

// ChunkPurger deletes expired chunks.
type ChunkPurger interface {
	PurgeExpiredChunks(ctx context.Context, now time.Time) (int64, error)
}

// purgeChunks deletes expired chunks every interval until ctx is done.
func purgeChunks(ctx context.Context, purger ChunkPurger, interval time.Duration, logger *telemetry.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := purger.PurgeExpiredChunks(ctx, now)
			if err != nil {
				logger.WithError(err).Warn("chunk purge failed")
				continue
			}
			if n > 0 {
				logger.WithField("purged", n).Info("purged expired chunks")
			}
		}
	}
}
