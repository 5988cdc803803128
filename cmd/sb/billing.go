package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"servicebay/internal/app"
	"servicebay/internal/config"
	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/invoice"
	"servicebay/internal/engine/payment"
)

func invoiceCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invoice", Short: "Invoices"}
	inv.AddCommand(invoiceLookupCmd("get", "Show an invoice", invoice.Generator.Get))
	inv.AddCommand(invoiceLookupCmd("for-request", "Show the invoice of a service request", invoice.Generator.ForRequest))
	inv.AddCommand(invoiceLookupCmd("generate", "Generate the invoice of a closed request (idempotent)", invoice.Generator.GenerateForRequest))
	inv.AddCommand(invoiceListCmd())
	return inv
}

type invoiceLookup func(invoice.Generator, context.Context, auth.Identity, string) (domain.Invoice, error)

func invoiceLookupCmd(use, short string, fn invoiceLookup) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				inv, err := fn(e.Invoices, ctx, who, args[0])
				if err != nil {
					return err
				}
				return printInvoice(inv)
			})
		},
	}
}

func invoiceListCmd() *cobra.Command {
	var customerID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invoices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, who auth.Identity) error {
				items, err := e.Invoices.List(ctx, who, customerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Request", "Customer", "Total", "Status", "Created")
				for _, inv := range items {
					tw.AppendRow([]any{inv.ID, inv.ServiceRequestID, inv.CustomerID, inv.Total.StringFixed(2) + " " + inv.Currency, inv.Status, inv.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&customerID, "customer-id", "", "customer filter")
	return cmd
}

func printInvoice(inv domain.Invoice) error {
	if viper.GetBool("json") {
		return printJSON(inv)
	}
	fmt.Printf("Invoice %s for request %s [%s]\n", inv.ID, inv.ServiceRequestID, inv.Status)
	tw := newTable("#", "Kind", "Description", "Qty", "Unit price", "Amount")
	for _, l := range inv.Lines {
		tw.AppendRow([]any{l.Position, l.Kind, l.Description, l.Quantity, l.UnitPrice.StringFixed(2), l.Amount.StringFixed(2)})
	}
	tw.AppendFooter([]any{"", "", "", "", "Total", inv.Total.StringFixed(2) + " " + inv.Currency})
	tw.Render()
	return nil
}

func withPayments(ctx context.Context, fn func(context.Context, payment.Coordinator, auth.Identity) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine, who auth.Identity) error {
		return fn(ctx, app.NewCoordinator(e.DB, e.Config, runtimeEnv, log), who)
	})
}

func paymentCmd() *cobra.Command {
	p := &cobra.Command{Use: "payment", Short: "Invoice payments"}
	p.AddCommand(paymentOrderCmd())
	p.AddCommand(paymentVerifyCmd())
	p.AddCommand(paymentOfflineCmd())
	p.AddCommand(paymentSignCmd())
	return p
}

func paymentOrderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "order <invoice-id>",
		Short: "Open a gateway order for an invoice",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPayments(cmd.Context(), func(ctx context.Context, c payment.Coordinator, who auth.Identity) error {
				checkout, err := c.CreateOrder(ctx, who, args[0])
				if err != nil {
					return err
				}
				return printJSON(checkout)
			})
		},
	}
}

func paymentVerifyCmd() *cobra.Command {
	var req payment.VerifyRequest
	cmd := &cobra.Command{
		Use:   "verify <invoice-id>",
		Short: "Verify a gateway confirmation and mark the invoice paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.InvoiceID = args[0]
			return withPayments(cmd.Context(), func(ctx context.Context, c payment.Coordinator, who auth.Identity) error {
				inv, err := c.Verify(ctx, who, req)
				if err != nil {
					return err
				}
				return printInvoice(inv)
			})
		},
	}
	cmd.Flags().StringVar(&req.OrderID, "order-id", "", "gateway order id")
	cmd.Flags().StringVar(&req.PaymentID, "payment-id", "", "gateway payment id")
	cmd.Flags().StringVar(&req.Signature, "signature", "", "gateway signature")
	return cmd
}

func paymentOfflineCmd() *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "offline <invoice-id>",
		Short: "Record a cash or card payment taken at the counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPayments(cmd.Context(), func(ctx context.Context, c payment.Coordinator, who auth.Identity) error {
				inv, err := c.RecordOfflinePayment(ctx, who, args[0], reference)
				if err != nil {
					return err
				}
				return printInvoice(inv)
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "receipt reference")
	return cmd
}

// paymentSignCmd computes the signature the local gateway expects, for testing
// the verify flow without a real checkout.
func paymentSignCmd() *cobra.Command {
	var orderID, paymentID string
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an order/payment pair with the configured key secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtimeEnv.PaymentKeySecret == "" {
				return fmt.Errorf("%s_PAYMENT_KEY_SECRET is not set", config.EnvPrefix)
			}
			fmt.Println(payment.Sign(runtimeEnv.PaymentKeySecret, orderID, paymentID))
			return nil
		},
	}
	cmd.Flags().StringVar(&orderID, "order-id", "", "gateway order id")
	cmd.Flags().StringVar(&paymentID, "payment-id", "", "gateway payment id")
	_ = cmd.MarkFlagRequired("order-id")
	_ = cmd.MarkFlagRequired("payment-id")
	return cmd
}
