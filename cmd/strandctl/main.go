package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cl "strandmarkt/internal/cli"
	"strandmarkt/internal/config"
)

type globals struct {
	apiBase string
	token   string
	asJSON  bool
}

func main() {
	cfg := config.LoadCLIFromEnv()
	g := &globals{apiBase: cfg.APIBaseURL, token: cfg.APIToken}

	root := &cobra.Command{
		Use:          "strandctl",
		Short:        "Strandmarkt admin client",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			configureColor()
		},
	}
	root.PersistentFlags().StringVar(&g.apiBase, "api", g.apiBase, "API base URL")
	root.PersistentFlags().BoolVar(&g.asJSON, "json", false, "print raw JSON")

	root.AddCommand(
		newLoginCmd(g),
		newLogoutCmd(),
		newHealthCmd(g),
		newPricesCmd(g),
		newPriceCmd(g),
		newHistoryCmd(g),
		newStatsCmd(g),
		newOffersCmd(g),
		newOfferCmd(g),
		newUserOffersCmd(g),
	)

	if err := root.Execute(); err != nil {
		printError("error: " + err.Error())
		os.Exit(1)
	}
}

// newClient prefers the token from the environment and falls back to the
// one saved by `strandctl login`.
func newClient(g *globals) *cl.Client {
	base, token := g.apiBase, g.token
	if s, err := cl.LoadSession(); err == nil {
		if token == "" {
			token = s.Token
		}
		if base == "" && s.APIBaseURL != "" {
			base = s.APIBaseURL
		}
	}
	return cl.NewClient(strings.TrimSpace(base), token)
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 30*time.Second)
}

func newLoginCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save an API token for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := promptSecret("API token")
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			client := cl.NewClient(g.apiBase, token)
			if _, err := client.Prices(ctx); err != nil {
				return fmt.Errorf("token check failed: %w", err)
			}
			if err := cl.SaveSession(cl.Session{APIBaseURL: g.apiBase, Token: token}); err != nil {
				return err
			}
			printSuccess("Token saved.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newHealthCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the API is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if err := newClient(g).Health(ctx); err != nil {
				return err
			}
			printSuccess("API is healthy.")
			return nil
		},
	}
}

func newPricesCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "prices",
		Short: "List all current prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			recs, err := newClient(g).Prices(ctx)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(recs)
			}
			renderPrices(recs)
			return nil
		},
	}
}

func newPriceCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "price <item>",
		Short: "Show the current price of an item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			detail, err := newClient(g).Price(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(detail)
			}
			renderPrice(detail)
			return nil
		},
	}
}

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		limit int
		chart string
	)
	cmd := &cobra.Command{
		Use:   "history <item>",
		Short: "Show the price history of an item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item := strings.Join(args, " ")
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			client := newClient(g)
			if chart != "" {
				png, err := client.Chart(ctx, item)
				if err != nil {
					return err
				}
				if err := os.WriteFile(chart, png, 0o644); err != nil {
					return err
				}
				printSuccess("Chart written to " + chart)
				return nil
			}
			history, err := client.History(ctx, item, limit)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(history)
			}
			renderHistory(history)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries")
	cmd.Flags().StringVar(&chart, "chart", "", "write the PNG chart to this file instead")
	return cmd
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <item>",
		Short: "Show price statistics of an item",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item := strings.Join(args, " ")
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			st, err := newClient(g).Stats(ctx, item)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(st)
			}
			renderStats(item, st)
			return nil
		},
	}
}

func newOffersCmd(g *globals) *cobra.Command {
	var (
		kind  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "offers",
		Short: "List active trade offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			offers, err := newClient(g).Offers(ctx, kind, limit)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(offers)
			}
			renderOffers("Active offers", offers)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "sell or buy")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of offers")
	return cmd
}

func newOfferCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "offer <id>",
		Short: "Show one offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid offer id %q", args[0])
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			detail, err := newClient(g).Offer(ctx, id)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(detail)
			}
			renderOffer(detail)
			return nil
		},
	}
}

func newUserOffersCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "user-offers <discord-user-id>",
		Short: "List the offers of one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			offers, err := newClient(g).UserOffers(ctx, args[0], limit)
			if err != nil {
				return err
			}
			if g.asJSON {
				return printJSON(offers)
			}
			renderOffers("Offers of "+args[0], offers)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "maximum number of offers")
	return cmd
}
