package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// Show prints recent price points and, when a user is given, their claims.
func (a *App) Show(ctx context.Context, out io.Writer, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	defer closeStore()

	points, err := store.ListRecentPricePoints(ctx, opts.Limit)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(points) == 0 {
		fmt.Fprintln(writer, "no price points found")
	} else {
		fmt.Fprintln(writer, "Time (UTC)\tPrice (USD)\tSource")
		for _, p := range points {
			fmt.Fprintf(writer, "%s\t%s\t%s\n",
				p.Timestamp.UTC().Format(time.RFC3339),
				formatDecimal(p.PriceUSD, 8),
				p.Source,
			)
		}
	}

	if opts.UserID != "" {
		claims, err := store.ListRecentClaims(ctx, opts.UserID, opts.Limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(writer)
		if len(claims) == 0 {
			fmt.Fprintf(writer, "no claims found for %s\n", opts.UserID)
		} else {
			fmt.Fprintln(writer, "Claimed (UTC)\tTokens\tMultiplier\tMode\tClaim ID")
			for _, c := range claims {
				mode := "manual"
				if c.Auto {
					mode = "auto"
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
					c.ClaimedAt.UTC().Format(time.RFC3339),
					formatDecimal(c.Tokens, 8),
					c.Multiplier.String(),
					mode,
					c.ID,
				)
			}
		}
	}

	return writer.Flush()
}
