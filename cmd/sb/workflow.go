package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/repo"
)

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Aliases: []string{"sr"}, Short: "Manage service requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestGetCmd())
	req.AddCommand(requestAssignCmd())
	req.AddCommand(requestTransitionCmd("start", "Start work on an assigned request", engine.Engine.Start))
	req.AddCommand(requestTransitionCmd("complete", "Mark work on a request as completed", engine.Engine.Complete))
	req.AddCommand(requestStatusCmd())
	req.AddCommand(requestPartsCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestCloseCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a service request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := e.Create(ctx, who, opts)
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CustomerID, "customer-id", "", "customer id (defaults to the caller for customers)")
	cmd.Flags().StringVar(&opts.VehicleID, "vehicle-id", "", "vehicle id")
	cmd.Flags().StringVar(&opts.Issue, "issue", "", "issue description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "LOW, NORMAL or HIGH")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List service requests visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(strings.ToUpper(status))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				items, err := e.List(ctx, who, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Number", "Status", "Parts", "Customer", "Technician", "Bay", "Priority")
				for _, sr := range items {
					tw.AppendRow([]any{sr.ID, sr.RequestNumber, sr.Status, deref(sr.PartsStatus), sr.CustomerID, deref(sr.TechnicianID), deref(sr.BayNumber), sr.Priority})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CustomerID, "customer-id", "", "customer filter")
	cmd.Flags().StringVar(&f.TechnicianID, "technician-id", "", "technician filter")
	return cmd
}

func requestGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a service request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := e.Get(ctx, who, args[0])
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
}

func requestAssignCmd() *cobra.Command {
	var techID string
	var bay int
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a technician and reserve a bay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := e.Assign(ctx, who, args[0], techID, bay)
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
	cmd.Flags().StringVar(&techID, "technician-id", "", "technician id")
	cmd.Flags().IntVar(&bay, "bay", 0, "bay number")
	_ = cmd.MarkFlagRequired("technician-id")
	_ = cmd.MarkFlagRequired("bay")
	return cmd
}

type transitionFunc func(engine.Engine, context.Context, auth.Identity, string) (domain.ServiceRequest, error)

func requestTransitionCmd(use, short string, fn transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := fn(e, ctx, who, args[0])
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
}

func requestStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Move a request to IN_PROGRESS or COMPLETED",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := e.SetStatus(ctx, who, args[0], domain.Status(strings.ToUpper(args[1])))
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
}

func requestPartsCmd() *cobra.Command {
	var specs []string
	var byID bool
	cmd := &cobra.Command{
		Use:   "parts <id>",
		Short: "Request parts for a request (--part NAME=QTY, repeatable)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := parsePartLines(specs, byID)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := e.RequestParts(ctx, who, args[0], lines)
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
	cmd.Flags().StringArrayVar(&specs, "part", nil, "part line as NAME=QTY")
	cmd.Flags().BoolVar(&byID, "by-id", false, "treat NAME as a part id")
	return cmd
}

func parsePartLines(specs []string, byID bool) ([]engine.PartLine, error) {
	lines := make([]engine.PartLine, 0, len(specs))
	for _, s := range specs {
		idx := strings.LastIndex(s, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("--part %q: want NAME=QTY", s)
		}
		qty, err := strconv.Atoi(strings.TrimSpace(s[idx+1:]))
		if err != nil {
			return nil, fmt.Errorf("--part %q: quantity is not a number", s)
		}
		line := engine.PartLine{Quantity: qty}
		if byID {
			line.PartID = s[:idx]
		} else {
			line.PartName = s[:idx]
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func requestApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve-parts <id>",
		Short: "Approve pending parts and deduct them from stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, err := e.ApproveParts(ctx, who, args[0], who.ActorID)
				if err != nil {
					return err
				}
				return printRequest(sr)
			})
		},
	}
}

func requestCloseCmd() *cobra.Command {
	var labor string
	cmd := &cobra.Command{
		Use:   "close <id>",
		Short: "Close a completed request and issue its invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cost, err := parseAmount("labor-cost", labor)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				sr, inv, err := e.Close(ctx, who, args[0], cost)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"serviceRequest": sr, "invoice": inv})
			})
		},
	}
	cmd.Flags().StringVar(&labor, "labor-cost", "0", "labor cost")
	return cmd
}

func printRequest(sr domain.ServiceRequest) error {
	if viper.GetBool("json") {
		return printJSON(sr)
	}
	fmt.Printf("%s %s [%s]", sr.RequestNumber, sr.ID, sr.Status)
	if sr.PartsStatus != nil {
		fmt.Printf(" parts=%s", *sr.PartsStatus)
	}
	if sr.TechnicianID != nil {
		fmt.Printf(" technician=%s", *sr.TechnicianID)
	}
	if sr.BayNumber != nil {
		fmt.Printf(" bay=%d", *sr.BayNumber)
	}
	fmt.Println()
	if len(sr.UsedParts) == 0 {
		return nil
	}
	tw := newTable("Part", "Qty", "Unit price")
	for _, line := range sr.UsedParts {
		price := "pending"
		if line.UnitPrice.Valid {
			price = line.UnitPrice.Decimal.StringFixed(2)
		}
		tw.AppendRow([]any{line.PartName, line.Quantity, price})
	}
	tw.Render()
	return nil
}

func bayCmd() *cobra.Command {
	b := &cobra.Command{Use: "bay", Short: "Manage service bays"}
	b.AddCommand(bayListCmd())
	b.AddCommand(bayNumberCmd("create", "Add a bay", func(ctx context.Context, e engine.Engine, who auth.Identity, n int) (domain.Bay, error) {
		return e.Pool.CreateBay(ctx, who, n)
	}))
	b.AddCommand(bayNumberCmd("activate", "Put a bay back into service", func(ctx context.Context, e engine.Engine, who auth.Identity, n int) (domain.Bay, error) {
		return e.Pool.SetBayActive(ctx, who, n, true)
	}))
	b.AddCommand(bayNumberCmd("deactivate", "Take a bay out of service", func(ctx context.Context, e engine.Engine, who auth.Identity, n int) (domain.Bay, error) {
		return e.Pool.SetBayActive(ctx, who, n, false)
	}))
	b.AddCommand(bayNumberCmd("release", "Force-release an occupied bay", func(ctx context.Context, e engine.Engine, who auth.Identity, n int) (domain.Bay, error) {
		return e.Pool.ForceReleaseBay(ctx, who, n)
	}))
	return b
}

func bayListCmd() *cobra.Command {
	var availableOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bays",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Identity) error {
				list := e.Pool.ListBays
				if availableOnly {
					list = e.Pool.ListAvailableBays
				}
				bays, err := list(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bays)
				}
				tw := newTable("Bay", "Active", "Available", "Updated")
				for _, b := range bays {
					tw.AppendRow([]any{b.BayNumber, b.Active, b.Available, b.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&availableOnly, "available", false, "only bays that can be reserved")
	return cmd
}

func bayNumberCmd(use, short string, fn func(context.Context, engine.Engine, auth.Identity, int) (domain.Bay, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <bay>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("bay number %q is not a number", args[0])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				bay, err := fn(ctx, e, who, n)
				if err != nil {
					return err
				}
				return printJSON(bay)
			})
		},
	}
}

func techCmd() *cobra.Command {
	t := &cobra.Command{Use: "tech", Short: "Manage technicians"}
	t.AddCommand(techAddCmd())
	t.AddCommand(techListCmd())
	t.AddCommand(techReconcileCmd())
	return t
}

func techAddCmd() *cobra.Command {
	var in engine.TechnicianInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a technician",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				tech, err := e.RegisterTechnician(ctx, who, in)
				if err != nil {
					return err
				}
				return printJSON(tech)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "technician id")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().StringVar(&in.Specialization, "specialization", "", "specialization")
	return cmd
}

func techListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List technicians with their workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ auth.Identity) error {
				loads, err := e.Pool.ListTechniciansWithWorkload(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(loads)
				}
				tw := newTable("ID", "Name", "Specialization", "Workload", "Availability")
				for _, l := range loads {
					tw.AppendRow([]any{l.ID, l.Name, l.Specialization, l.CurrentWorkload, l.Availability})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func techReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Recount workloads from open requests and fix drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				drifted, err := e.Pool.ReconcileWorkload(ctx, who)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(drifted)
				}
				if len(drifted) == 0 {
					fmt.Println("workloads OK")
					return nil
				}
				tw := newTable("Technician", "Workload")
				for id, n := range drifted {
					tw.AppendRow([]any{id, n})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func customerCmd() *cobra.Command {
	c := &cobra.Command{Use: "customer", Short: "Manage customers"}
	c.AddCommand(customerAddCmd())
	c.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Show a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				cust, err := e.GetCustomer(ctx, who, args[0])
				if err != nil {
					return err
				}
				return printJSON(cust)
			})
		},
	})
	return c
}

func customerAddCmd() *cobra.Command {
	var in engine.CustomerInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a customer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				cust, err := e.RegisterCustomer(ctx, who, in)
				if err != nil {
					return err
				}
				return printJSON(cust)
			})
		},
	}
	cmd.Flags().StringVar(&in.ID, "id", "", "customer id")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email")
	cmd.Flags().StringVar(&in.Phone, "phone", "", "phone")
	return cmd
}

func vehicleCmd() *cobra.Command {
	v := &cobra.Command{Use: "vehicle", Short: "Manage vehicles"}
	v.AddCommand(vehicleAddCmd())
	v.AddCommand(vehicleListCmd())
	return v
}

func vehicleAddCmd() *cobra.Command {
	var in engine.VehicleInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a vehicle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				v, err := e.RegisterVehicle(ctx, who, in)
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	}
	cmd.Flags().StringVar(&in.OwnerID, "owner-id", "", "owning customer id")
	cmd.Flags().StringVar(&in.RegistrationNumber, "registration", "", "registration number")
	cmd.Flags().StringVar(&in.Make, "make", "", "make")
	cmd.Flags().StringVar(&in.Model, "model", "", "model")
	cmd.Flags().IntVar(&in.Year, "year", 0, "model year")
	cmd.Flags().StringVar(&in.Color, "color", "", "color")
	cmd.Flags().StringVar(&in.Type, "type", "", "vehicle type")
	return cmd
}

func vehicleListCmd() *cobra.Command {
	var customerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a customer's vehicles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				items, err := e.ListVehicles(ctx, who, customerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Registration", "Vehicle", "Type", "Owner")
				for _, v := range items {
					tw.AppendRow([]any{v.ID, v.RegistrationNumber, v.Description(), v.Type, v.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&customerID, "customer-id", "", "customer id (defaults to the caller for customers)")
	return cmd
}
