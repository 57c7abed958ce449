// Command reset_checkpoint deletes a feed's persisted watermark, so the
// next scheduled run for that feed is treated as full rather than
// incremental (spec §4.2 run-type decision). Grounded on the teacher's
// checkpoint-deletion repair tool, generalized from a Postgres checkpoint
// row to the object store's watermark blob.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/objectstore"
)

func main() {
	feed := flag.String("feed", "", "feed whose watermark should be reset")
	flag.Parse()

	if *feed == "" {
		log.Fatalf("reset_checkpoint: -feed is required")
	}

	ctx := context.Background()
	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("reset_checkpoint: bootstrap failed: %v", err)
	}
	defer deps.Close()

	key := objectstore.WatermarkKey(*feed)
	if _, err := deps.Objects.Get(ctx, key); err != nil {
		fmt.Printf("no watermark found for feed %q; it might already be reset or never existed\n", *feed)
		return
	}

	if err := deps.Objects.Delete(ctx, key); err != nil {
		log.Fatalf("reset_checkpoint: delete watermark: %v", err)
	}

	fmt.Printf("deleted watermark for feed %q; the next scheduled run will be a full scan\n", *feed)
}
