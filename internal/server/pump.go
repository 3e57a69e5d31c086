package server

import (
	"context"
	"log"
	"time"

	"vaultline/internal/engine"
)

const (
	defaultPumpInterval = 5 * time.Second
	defaultPumpBatch    = 100
)

// StartPump launches the background worker that re-enters operations left in
// pending stages and expires stale intake keys, so a crash mid-pipeline or a
// submit whose follow-up advance failed never strands an operation.
func StartPump(e engine.Engine) {
	go func() {
		ticker := time.NewTicker(defaultPumpInterval)
		defer ticker.Stop()
		for {
			pumpOnce(e)
			<-ticker.C
		}
	}()
}

func pumpOnce(e engine.Engine) {
	if _, err := e.ProcessPending(context.Background(), "pump", defaultPumpBatch); err != nil {
		log.Printf("pump: %v", err)
	}
}
