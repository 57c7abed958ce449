// Command resume_consolidation resets a run's failed raw items back to
// unconsolidated and republishes a consolidate message for the run (spec
// §6 /triggers/resume-consolidation, §4.4 "Resume" path), for operators
// who need the repair path without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"

	"diamondscan/internal/bootstrap"
	"diamondscan/internal/scheduler"
)

func main() {
	runID := flag.String("run", "", "run id to resume consolidation for")
	feed := flag.String("feed", "", "feed name for the run")
	force := flag.Bool("force", false, "reconsolidate even items already marked consolidated")
	flag.Parse()

	if *runID == "" || *feed == "" {
		log.Fatalf("resume_consolidation: -run and -feed are required")
	}

	ctx := context.Background()
	deps, err := bootstrap.New(ctx)
	if err != nil {
		log.Fatalf("resume_consolidation: bootstrap failed: %v", err)
	}
	defer deps.Close()

	if err := deps.Repo.ResetFailedRawItems(ctx, *runID); err != nil {
		log.Fatalf("resume_consolidation: reset failed raw items: %v", err)
	}

	payload, err := json.Marshal(scheduler.ConsolidateMessage{
		Type:    scheduler.ConsolidateMessageType,
		RunID:   *runID,
		Feed:    *feed,
		TraceID: uuid.New().String(),
		Force:   *force,
	})
	if err != nil {
		log.Fatalf("resume_consolidation: marshal consolidate message: %v", err)
	}
	if err := deps.Bus.Publish(ctx, scheduler.ConsolidateQueue, payload); err != nil {
		log.Fatalf("resume_consolidation: publish consolidate message: %v", err)
	}

	fmt.Printf("reset failed raw items and republished consolidation for run %s\n", *runID)
}
