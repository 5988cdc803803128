package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/ledger"
)

func partCmd() *cobra.Command {
	p := &cobra.Command{Use: "part", Short: "Manage the parts catalog"}
	p.AddCommand(partListCmd())
	p.AddCommand(partAddCmd())
	p.AddCommand(partUpdateCmd())
	p.AddCommand(partStockCmd())
	return p
}

func partListCmd() *cobra.Command {
	var lowOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List catalog parts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Identity) error {
				list := e.Ledger.GetCatalog
				if lowOnly {
					list = e.Ledger.LowStockAlerts
				}
				parts, err := list(ctx)
				if err != nil {
					return err
				}
				return printParts(parts)
			})
		},
	}
	cmd.Flags().BoolVar(&lowOnly, "low-stock", false, "only parts at or below their reorder level")
	return cmd
}

func printParts(parts []domain.Part) error {
	if viper.GetBool("json") {
		return printJSON(parts)
	}
	tw := newTable("ID", "Name", "Category", "Stock", "Reorder at", "Price", "")
	for _, p := range parts {
		flag := ""
		if p.LowStock() {
			flag = "LOW"
		}
		tw.AppendRow([]any{p.ID, p.Name, p.Category, p.Stock, p.ReorderLevel, p.Price.StringFixed(2), flag})
	}
	tw.Render()
	return nil
}

func partAddCmd() *cobra.Command {
	var in ledger.PartInput
	var price string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a part to the catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount("price", price)
			if err != nil {
				return err
			}
			in.Price = amount
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				part, err := e.Ledger.CreatePart(ctx, who, in)
				if err != nil {
					return err
				}
				return printJSON(part)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "part name")
	cmd.Flags().StringVar(&in.Category, "category", "", "category")
	cmd.Flags().StringVar(&in.UnitType, "unit", "", "unit type")
	cmd.Flags().StringVar(&in.Supplier, "supplier", "", "supplier")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().IntVar(&in.Stock, "stock", 0, "opening stock")
	cmd.Flags().IntVar(&in.ReorderLevel, "reorder-level", 0, "reorder level")
	cmd.Flags().StringVar(&price, "price", "0", "unit price")
	return cmd
}

func partUpdateCmd() *cobra.Command {
	var name, category, unit, supplier, description, price string
	var reorder int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change catalog metadata of a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd ledger.PartUpdate
			flags := cmd.Flags()
			for flag, dst := range map[string]**string{
				"name": &upd.Name, "category": &upd.Category, "unit": &upd.UnitType,
				"supplier": &upd.Supplier, "description": &upd.Description,
			} {
				if flags.Changed(flag) {
					v, _ := flags.GetString(flag)
					*dst = &v
				}
			}
			if flags.Changed("reorder-level") {
				upd.ReorderLevel = &reorder
			}
			if flags.Changed("price") {
				amount, err := parseAmount("price", price)
				if err != nil {
					return err
				}
				upd.Price = &amount
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				part, err := e.Ledger.UpdatePart(ctx, who, args[0], upd)
				if err != nil {
					return err
				}
				return printJSON(part)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "part name")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&unit, "unit", "", "unit type")
	cmd.Flags().StringVar(&supplier, "supplier", "", "supplier")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().IntVar(&reorder, "reorder-level", 0, "reorder level")
	cmd.Flags().StringVar(&price, "price", "", "unit price")
	return cmd
}

func partStockCmd() *cobra.Command {
	var qty int
	cmd := &cobra.Command{
		Use:   "stock <id>",
		Short: "Receive stock for a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				part, err := e.Ledger.Restock(ctx, who, args[0], qty)
				if err != nil {
					return err
				}
				return printJSON(part)
			})
		},
	}
	cmd.Flags().IntVar(&qty, "quantity", 0, "units received")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func restockCmd() *cobra.Command {
	r := &cobra.Command{Use: "restock", Short: "Restock requests"}
	r.AddCommand(restockRequestCmd())
	r.AddCommand(restockListCmd())
	r.AddCommand(restockDecideCmd("approve", "Approve a restock request and add its stock", func(ctx context.Context, l ledger.Ledger, who auth.Identity, id string) (domain.RestockRequest, error) {
		return l.ApproveRestock(ctx, who, id)
	}))
	r.AddCommand(restockDecideCmd("reject", "Reject a restock request", func(ctx context.Context, l ledger.Ledger, who auth.Identity, id string) (domain.RestockRequest, error) {
		return l.RejectRestock(ctx, who, id)
	}))
	return r
}

func restockRequestCmd() *cobra.Command {
	var qty int
	var reason string
	cmd := &cobra.Command{
		Use:   "request <part-id>",
		Short: "Ask a manager to restock a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				rr, err := e.Ledger.RequestRestock(ctx, who, args[0], qty, reason)
				if err != nil {
					return err
				}
				return printJSON(rr)
			})
		},
	}
	cmd.Flags().IntVar(&qty, "quantity", 0, "units requested")
	cmd.Flags().StringVar(&reason, "reason", "", "reason")
	return cmd
}

func restockListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List restock requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := domain.RestockStatus(strings.ToUpper(status))
			switch st {
			case "", domain.RestockPending, domain.RestockApproved, domain.RestockRejected:
			default:
				return fmt.Errorf("--status must be PENDING, APPROVED or REJECTED")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Identity) error {
				items, err := e.Ledger.ListRestockRequests(ctx, st)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Part", "Qty", "Status", "Requested by", "Decided by")
				for _, rr := range items {
					tw.AppendRow([]any{rr.ID, rr.PartName, rr.Quantity, rr.Status, rr.RequestedBy, deref(rr.DecidedBy)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func restockDecideCmd(use, short string, fn func(context.Context, ledger.Ledger, auth.Identity, string) (domain.RestockRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				rr, err := fn(ctx, e.Ledger, who, args[0])
				if err != nil {
					return err
				}
				return printJSON(rr)
			})
		},
	}
}
