package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/usedtobeme/docsync/internal/localstore"
	"github.com/usedtobeme/docsync/internal/persistence"
	"github.com/usedtobeme/docsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the shared store",
	Long: `Display the current state of the shared document store.

Shows:
  - Store file location and size
  - Queued local writes waiting for the server
  - Watched queries and their resume state
  - Which client currently holds the primary lease`,
	Run: func(cmd *cobra.Command, args []string) {
		storePath := viper.GetString("store")

		info, err := os.Stat(storePath)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s No store at %s\n", ui.RenderWarn("⚠"), storePath)
			fmt.Printf("   Run 'docsync daemon' to create one\n\n")
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error checking store: %v\n", err)
			os.Exit(1)
		}

		db, err := persistence.Open(storePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()

		queue := localstore.NewMutationQueue(db)
		pending, err := queue.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading mutation queue: %v\n", err)
			os.Exit(1)
		}

		registry := localstore.NewTargetRegistry(db)
		targets, err := registry.ActiveTargets(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading targets: %v\n", err)
			os.Exit(1)
		}

		owner, expires, held, err := leaseHolder(ctx, db)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading lease: %v\n", err)
			os.Exit(1)
		}

		size := info.Size()
		sizeStr := fmt.Sprintf("%d bytes", size)
		if size > 1024*1024 {
			sizeStr = fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
		} else if size > 1024 {
			sizeStr = fmt.Sprintf("%.1f KB", float64(size)/1024)
		}

		fmt.Printf("\n%s Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("%s %s\n", ui.RenderLabel("Location:"), storePath)
		fmt.Printf("%s %s\n", ui.RenderLabel("Size:"), sizeStr)
		fmt.Printf("%s %d\n", ui.RenderLabel("Queued writes:"), pending)
		fmt.Printf("%s %d\n", ui.RenderLabel("Watched:"), len(targets))
		for _, target := range targets {
			resume := ui.RenderDim("no resume token")
			if len(target.ResumeToken) > 0 {
				resume = fmt.Sprintf("resume token %d bytes", len(target.ResumeToken))
			}
			fmt.Printf("    [%d] %s (%d listeners, %s)\n",
				target.ID, target.Query.CanonicalID(), target.ListenerCount, resume)
		}
		switch {
		case !held:
			fmt.Printf("%s %s\n", ui.RenderLabel("Primary:"), ui.RenderDim("no lease held"))
		case time.Now().After(expires):
			fmt.Printf("%s %s %s\n", ui.RenderLabel("Primary:"), owner,
				ui.RenderWarn(fmt.Sprintf("(expired %s)", expires.Format("15:04:05"))))
		default:
			fmt.Printf("%s %s %s\n", ui.RenderLabel("Primary:"), ui.RenderOK(owner),
				ui.RenderDim(fmt.Sprintf("(until %s)", expires.Format("15:04:05"))))
		}
		fmt.Println()
	},
}

// leaseHolder reads the primary lease row without starting a daemon.
func leaseHolder(ctx context.Context, db *persistence.DB) (owner string, expires time.Time, held bool, err error) {
	var expiresStr string
	row := db.QueryRow(ctx,
		`SELECT owner_id, expires_at FROM client_leases WHERE lease_key = 'primary'`)
	if err := row.Scan(&owner, &expiresStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, false, nil
		}
		return "", time.Time{}, false, fmt.Errorf("reading lease: %w", err)
	}
	expires, err = time.Parse(time.RFC3339Nano, expiresStr)
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("parsing lease expiry: %w", err)
	}
	return owner, expires, true, nil
}
