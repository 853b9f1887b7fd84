package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ordersync/backend/internal/app"
	"ordersync/backend/internal/batch"
	"ordersync/backend/internal/cache"
	"ordersync/backend/internal/config"
	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/events"
	"ordersync/backend/internal/pipeline"
	"ordersync/backend/internal/store/memory"
)

// OrderReport is the offline verdict for one order of a batch file.
type OrderReport struct {
	OrderID    string           `json:"order_id"`
	Valid      bool             `json:"valid"`
	ErrorKind  domain.ErrorKind `json:"error_kind,omitempty"`
	Error      string           `json:"error,omitempty"`
	Subtotal   string           `json:"subtotal,omitempty"`
	Tax        string           `json:"tax,omitempty"`
	GrandTotal string           `json:"grand_total,omitempty"`
	Paid       string           `json:"paid,omitempty"`
	Change     string           `json:"change,omitempty"`
}

type ValidationResult struct {
	Valid      bool                  `json:"valid"`
	Orders     []OrderReport         `json:"orders"`
	Simulation *domain.BatchResponse `json:"simulation,omitempty"`
	Events     int                   `json:"events,omitempty"`
}

// NewValidateCommand checks a batch file without touching any backend. With
// --simulate the batch also runs through the engine on a seeded in-memory
// ledger.
func NewValidateCommand(opts *RootOptions) *cobra.Command {
	var simulate bool
	cmd := &cobra.Command{
		Use:   "validate <batch-file>",
		Short: "Check a webhook batch file offline",
		Long: `Check every order of a webhook batch file for shape errors and
total consistency using the configured tolerances. The file holds either the
bulk envelope or a bare JSON array of orders.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0], simulate)
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "also process the batch on a seeded in-memory ledger")
	return cmd
}

func runValidate(cmd *cobra.Command, opts *RootOptions, path string, simulate bool) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return wrapExit(ExitCommandError, "read batch file", err)
	}
	var req domain.BatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return wrapExit(ExitCommandError, "decode batch file", err)
	}

	result := ValidationResult{Valid: true, Orders: make([]OrderReport, 0, len(req.Orders))}
	for i, order := range req.Orders {
		report := checkOrder(order, req.DecodeError(i), cfg.Policy)
		if !report.Valid {
			result.Valid = false
		}
		result.Orders = append(result.Orders, report)
	}

	if simulate {
		resp, count, err := simulateBatch(cmd.Context(), cfg, raw)
		if err != nil {
			return wrapExit(ExitCommandError, "simulate batch", err)
		}
		result.Simulation = &resp
		result.Events = count
		if resp.Status != domain.BatchSuccess {
			result.Valid = false
		}
	}

	if err := opts.emit(cmd.OutOrStdout(), result, func(w io.Writer) { printValidation(w, result) }); err != nil {
		return err
	}
	if !result.Valid {
		return wrapExit(ExitFailure, "batch has invalid orders", nil)
	}
	return nil
}

func checkOrder(order domain.ExternalOrder, decodeErr error, policy config.Policy) OrderReport {
	report := OrderReport{OrderID: string(order.OrderID)}
	fail := func(err error) OrderReport {
		tagged := domain.AsError(err)
		report.ErrorKind = tagged.Kind
		report.Error = tagged.Message
		return report
	}

	if decodeErr != nil {
		return fail(domain.Wrap(domain.KindValidation, decodeErr, "order fields are not well-typed: %v", decodeErr))
	}
	if err := pipeline.Validate(order); err != nil {
		return fail(err)
	}
	totals, err := pipeline.ComputeTotals(order, policy.TotalToleranceDecimal(), policy.PaymentToleranceDecimal())
	if err != nil {
		return fail(err)
	}
	report.Valid = true
	report.Subtotal = totals.Subtotal.StringFixed(2)
	report.Tax = totals.Tax.StringFixed(2)
	report.GrandTotal = totals.GrandTotal.StringFixed(2)
	report.Paid = totals.PaymentsSum.StringFixed(2)
	report.Change = totals.Return.StringFixed(2)
	return report
}

func simulateBatch(ctx context.Context, cfg config.Config, body []byte) (domain.BatchResponse, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	recorder := &events.Recorder{}
	repo := memory.NewSeeded()
	a, err := app.Assemble(cfg, app.Backends{
		Repo:   repo,
		Audit:  repo,
		Replay: cache.NewMemoryReplayCache(),
		Events: recorder,
	})
	if err != nil {
		return domain.BatchResponse{}, 0, err
	}

	reply := a.Coordinator.Handle(ctx, batch.Inbound{
		Route:  "ordersyncctl validate",
		Method: "LOCAL",
		Body:   body,
		Actor:  &domain.Actor{Subject: "ordersyncctl", Method: domain.AuthMethodToken},
	})
	var resp domain.BatchResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return domain.BatchResponse{}, 0, err
	}
	return resp, len(recorder.Events()), nil
}

func printValidation(w io.Writer, result ValidationResult) {
	for _, order := range result.Orders {
		if order.Valid {
			fmt.Fprintf(w, "ok    %s  subtotal %s  tax %s  total %s  paid %s  change %s\n",
				order.OrderID, order.Subtotal, order.Tax, order.GrandTotal, order.Paid, order.Change)
			continue
		}
		fmt.Fprintf(w, "FAIL  %s  %s: %s\n", order.OrderID, order.ErrorKind, order.Error)
	}
	if result.Simulation != nil {
		sim := result.Simulation
		if sim.Data != nil {
			fmt.Fprintf(w, "simulation: %s, %d of %d orders succeeded, %d events\n", sim.Status, sim.Data.Successful, sim.Data.Total, result.Events)
		} else if sim.Error != nil {
			fmt.Fprintf(w, "simulation: %s, %s\n", sim.Status, *sim.Error)
		}
	}
	if result.Valid {
		fmt.Fprintln(w, "batch valid")
	}
}
