// Package printer renders receipts to ESC/POS and hands them to a device.
package printer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"kasirinaja/terminal/internal/domain"
)

// Printer accepts a finished receipt. A returned error means the job was not
// accepted; it never affects the sale.
type Printer interface {
	Print(ctx context.Context, receipt domain.Receipt) error
}

var (
	escInit = []byte{0x1b, 0x40}
	escCut  = []byte{0x1d, 0x56, 0x41, 0x10}
)

// Render returns the raw ESC/POS job and a plain-text preview.
func Render(receipt domain.Receipt, width int) ([]byte, string) {
	if width < 24 {
		width = 32
	}
	rule := strings.Repeat("-", width)
	double := strings.Repeat("=", width)

	lines := []string{
		center("KasirinAja POS", width),
		double,
		"No: " + receipt.OrderNumber,
		"Toko: " + receipt.StoreID + " / " + receipt.TerminalID,
		"Kasir: " + receipt.Cashier,
		"Tgl: " + receipt.CreatedAt.Format("2006-01-02 15:04:05"),
		rule,
	}
	for _, line := range receipt.Lines {
		lines = append(lines, truncate(line.Name, width))
		lines = append(lines, columns(fmt.Sprintf("  %s x %s", line.Quantity.String(), money(line.UnitPriceCents)), money(line.LineTotalCents), width))
	}
	lines = append(lines, rule, columns("Subtotal", money(receipt.SubtotalCents), width))
	for _, d := range receipt.AppliedDiscounts {
		lines = append(lines, columns("  "+d.Name, "-"+money(d.AmountCents), width))
	}
	if receipt.DiscountCents > 0 {
		lines = append(lines, columns("Diskon", "-"+money(receipt.DiscountCents), width))
	}
	lines = append(lines, columns("Total", money(receipt.TotalCents), width))
	if receipt.PointsRedeemed > 0 {
		lines = append(lines, columns(fmt.Sprintf("Tukar %d poin", receipt.PointsRedeemed), "-"+money(receipt.ValueRedeemedCents), width))
	}
	lines = append(lines,
		columns("Bayar", money(receipt.PayableCents), width),
		columns("Metode", strings.ToUpper(receipt.PaymentMethod), width),
	)
	if receipt.PaymentMethod == domain.PaymentCash {
		lines = append(lines,
			columns("Tunai", money(receipt.CashReceivedCents), width),
			columns("Kembali", money(receipt.ChangeCents), width),
		)
	}
	if receipt.CustomerID != "" {
		lines = append(lines, rule, "Pelanggan: "+receipt.CustomerID)
		if receipt.PointsEarned > 0 {
			lines = append(lines, fmt.Sprintf("Poin didapat: %d", receipt.PointsEarned))
		}
	}
	if receipt.SyncStatus == domain.SyncStatusPending {
		lines = append(lines, "* transaksi offline *")
	}
	lines = append(lines, double, center("Terima kasih", width), "")

	job := append([]byte(nil), escInit...)
	for _, line := range lines {
		job = append(job, []byte(line)...)
		job = append(job, '\n')
	}
	job = append(job, escCut...)
	return job, strings.Join(lines, "\n")
}

// DevicePrinter writes jobs to a character device or spool file.
type DevicePrinter struct {
	path  string
	width int
	mu    sync.Mutex
}

func NewDevicePrinter(path string, width int) *DevicePrinter {
	return &DevicePrinter{path: path, width: width}
}

func (p *DevicePrinter) Print(ctx context.Context, receipt domain.Receipt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, _ := Render(receipt, p.width)

	p.mu.Lock()
	defer p.mu.Unlock()
	f, err := os.OpenFile(p.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open printer %s: %w", p.path, err)
	}
	if _, err := f.Write(job); err != nil {
		_ = f.Close()
		return fmt.Errorf("write printer %s: %w", p.path, err)
	}
	return f.Close()
}

// Discard accepts every job without output; used when no device is configured.
type Discard struct{}

func (Discard) Print(_ context.Context, _ domain.Receipt) error { return nil }

func money(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%s,%02d", sign, thousands(cents/100), cents%100)
}

func thousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

func columns(left string, right string, width int) string {
	gap := width - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	if gap < 1 {
		left = truncate(left, width-utf8.RuneCountInString(right)-1)
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func center(s string, width int) string {
	pad := (width - utf8.RuneCountInString(s)) / 2
	if pad <= 0 {
		return s
	}
	return strings.Repeat(" ", pad) + s
}

func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width])
}
