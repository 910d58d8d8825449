// commands.go - Shell commands for the meter, customer and provider roles
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"meterbill/internal/billing"
	"meterbill/internal/journal"
	"meterbill/internal/tariff"
)

func registerMeterCommands(sh *Shell, m *billing.Meter, v tariff.Variant, log *Logger) {
	sh.Register("consume", "CONS HOUR", "commit to CONS units used in HOUR of the week and send it", func(ctx context.Context, args []string) error {
		if len(args) != 2 {
			return errUsage
		}
		units, err := v.ParseValue(args[0])
		if err != nil {
			return err
		}
		hour, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("hour %q: %w", args[1], tariff.ErrInvalidHour)
		}
		reading, err := tariff.NewReading(hour, units)
		if err != nil {
			return err
		}
		if err := m.Consume(ctx, reading); err != nil {
			return err
		}
		log.Audit("reading_sent", map[string]interface{}{"hour": hour, "seq": m.Sent()})
		sh.Printf("sent reading %d\n", m.Sent())
		return nil
	})
}

func registerCustomerCommands(sh *Shell, c *billing.Customer, log *Logger) {
	sh.Register("get_cons", "", "read every reading the meter has sent", func(ctx context.Context, _ []string) error {
		n, err := c.ReadMeterMessages(ctx)
		if err != nil {
			return err
		}
		sh.Printf("%d new readings, %d unbilled\n", n, len(c.Ledger()))
		return nil
	})
	sh.Register("get_prices", "", "apply the newest price update from the provider", func(ctx context.Context, _ []string) error {
		changed, err := c.ReadProviderMessages(ctx)
		if err != nil {
			return err
		}
		if changed {
			log.Audit("prices_updated", nil)
			sh.Printf("prices updated\n")
		} else {
			sh.Printf("no price update\n")
		}
		return nil
	})
	sh.Register("send_bill", "", "prove the bill for every unbilled reading and send it", func(ctx context.Context, _ []string) error {
		proof, err := c.SendBillingInformation(ctx)
		if err != nil {
			return err
		}
		bill := c.Prices().Variant().FormatBill(proof.Bill)
		log.Audit("bill_sent", map[string]interface{}{"bill": bill, "rows": len(proof.Rows)})
		sh.Printf("sent bill %s for %d readings\n", bill, len(proof.Rows))
		return nil
	})
	sh.Register("cons_table", "", "list unbilled readings", func(context.Context, []string) error {
		rows := c.Ledger()
		prices := c.Prices()
		sh.Printf("%-6s %-14s %-14s %s\n", "hour", "units", "price", "commitment")
		for _, row := range rows {
			sh.Printf("%-6d %-14s %-14s %.16s...\n", row.Hour, row.Units, prices.Price(row.Hour), row.Commitment.Hex())
		}
		sh.Printf("%d rows, bill so far %s\n", len(rows), prices.Variant().FormatBill(c.PrepareBill().Bill))
		return nil
	})
}

func registerProviderCommands(sh *Shell, p *billing.Provider, j *journal.Journal, log *Logger) {
	sh.Register("get_bill", "", "settle every bill received and collect the total", func(ctx context.Context, _ []string) error {
		owed, err := p.PayBill(ctx)
		if err != nil {
			return err
		}
		log.Audit("bill_paid", map[string]interface{}{"amount": owed.FloatString(6)})
		sh.Printf("bill: %s\n", owed.FloatString(6))
		return nil
	})
	sh.Register("await_bill", "", "block until the customer sends a bill", func(ctx context.Context, _ []string) error {
		amount, err := p.AwaitBill(ctx)
		if errors.Is(err, billing.ErrNoMessage) {
			sh.Printf("no bill arrived\n")
			return nil
		}
		if err != nil {
			return err
		}
		sh.Printf("accepted bill %s, outstanding %s\n", amount.FloatString(6), p.Outstanding().FloatString(6))
		return nil
	})
	sh.Register("change_price", "NEW_PRICE HOUR", "set the price of one hour and publish the table", func(ctx context.Context, args []string) error {
		if len(args) != 2 {
			return errUsage
		}
		price, err := p.Prices().Variant().ParseValue(args[0])
		if err != nil {
			return err
		}
		hour, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("hour %q: %w", args[1], tariff.ErrInvalidHour)
		}
		if err := p.ChangePrice(ctx, hour, price); err != nil {
			return err
		}
		log.Audit("price_changed", map[string]interface{}{"hour": hour, "price": price.String()})
		sh.Printf("hour %d now costs %s\n", hour, price)
		return nil
	})
	sh.Register("status", "", "show the outstanding amount and journal totals", func(ctx context.Context, _ []string) error {
		sh.Printf("outstanding: %s\n", p.Outstanding().FloatString(6))
		if j == nil {
			return nil
		}
		accepted, rejected, err := j.Totals(ctx)
		if err != nil {
			return err
		}
		sh.Printf("journal: %d accepted, %d rejected\n", accepted, rejected)
		return nil
	})
}
