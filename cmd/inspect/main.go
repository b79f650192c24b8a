// Command inspect checks that the simulator can reach its database and that
// every configured trashbin exists, then prints the stored flags of each bin.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"binspire-simulator/internal/config"
	"binspire-simulator/internal/database"
	"binspire-simulator/internal/logging"
	"binspire-simulator/internal/models"
	"binspire-simulator/internal/urgency"
)

func main() {
	os.Exit(run())
}

func run() int {
	if !config.LoadDotEnv() {
		fmt.Println("No .env file found, using environment variables")
	}

	log, err := logging.New(os.Getenv("LOGGING_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error initializing logger: %v\n", err)
		return 1
	}
	defer log.Sync()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Errorw("Invalid configuration", "error", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := database.NewPool(cfg.DatabaseURL, log)
	if err := pool.Connect(ctx); err != nil {
		log.Errorw("Failed to connect to database", "error", err)
		return 1
	}
	defer pool.Disconnect()

	now, err := pool.CurrentTime(ctx)
	if err != nil {
		log.Errorw("Failed to query server time", "error", err)
		return 1
	}
	version, err := pool.Version(ctx)
	if err != nil {
		log.Errorw("Failed to query server version", "error", err)
		return 1
	}

	fmt.Println("\n============================================================")
	fmt.Println("DATABASE")
	fmt.Println("============================================================")
	fmt.Printf("Server time:  %s\n", now.Format(time.RFC3339))
	fmt.Printf("Version:      %s\n", version)

	fmt.Println("\n============================================================")
	fmt.Println("TRASHBINS")
	fmt.Println("============================================================")
	fmt.Printf("Schedule threshold: %.2f   Collected reset above: %d%%   Max weight: %.1f kg\n\n",
		urgency.ScheduleThreshold, urgency.CollectedResetLevel, cfg.MaxWeightKg)

	missing := 0
	err = pool.Acquire(ctx, func(q database.Queries) error {
		for _, id := range cfg.TrashbinIDs {
			bin, err := q.GetTrashbin(ctx, id)
			if errors.Is(err, database.ErrTrashbinNotFound) {
				missing++
				fmt.Printf("%-38s MISSING\n", id)
				continue
			}
			if err != nil {
				return err
			}
			printBin(bin, cfg.IsSensorBin(id))
		}
		return nil
	})
	if err != nil {
		log.Errorw("Failed to read trashbins", "error", err)
		return 1
	}

	fmt.Println()
	if missing > 0 {
		fmt.Printf("%d of %d configured trashbins are missing\n", missing, len(cfg.TrashbinIDs))
		return 1
	}
	fmt.Printf("All %d configured trashbins found\n", len(cfg.TrashbinIDs))
	return 0
}

func printBin(bin models.Trashbin, sensorBound bool) {
	source := "synthetic"
	if sensorBound {
		source = "ultrasonic"
	}
	snap := bin.ToSnapshot()
	fmt.Printf("%-38s %-20s operational=%-5t collected=%-5t scheduled=%-5t source=%s\n",
		bin.ID, snap.Name, bin.IsOperational, bin.IsCollected, bin.IsScheduled, source)
}
