package merchsync

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// SaleLine is one product line of a sale.
type SaleLine struct {
	ProductID      string `json:"product_id" validate:"required"`
	Name           string `json:"name" validate:"required"`
	Size           string `json:"size,omitempty"`
	Quantity       int    `json:"quantity" validate:"gte=1"`
	UnitPriceCents int64  `json:"unit_price_cents" validate:"gte=0"`
}

// Sale is a completed transaction at the merch table.
type Sale struct {
	ID            string     `json:"id" validate:"required"`
	Lines         []SaleLine `json:"lines" validate:"required,min=1,dive"`
	TotalCents    int64      `json:"total_cents" validate:"gte=0"`
	DiscountCents int64      `json:"discount_cents" validate:"gte=0"`
	PaymentMethod string     `json:"payment_method" validate:"required"`
	ShowID        string     `json:"show_id,omitempty"`
	SoldAt        time.Time  `json:"sold_at" validate:"required"`
}

// Product is a catalogue entry with per-size inventory.
type Product struct {
	ID         string         `json:"id" validate:"required"`
	Name       string         `json:"name" validate:"required"`
	Category   string         `json:"category,omitempty"`
	PriceCents int64          `json:"price_cents" validate:"gte=0"`
	Sizes      []string       `json:"sizes,omitempty"`
	Inventory  map[string]int `json:"inventory,omitempty" validate:"omitempty,dive,gte=0"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ProductRef names a product for deletion.
type ProductRef struct {
	ID string `json:"id" validate:"required"`
}

// CloseOut is the end-of-show reconciliation.
type CloseOut struct {
	ID         string    `json:"id" validate:"required"`
	ShowID     string    `json:"show_id,omitempty"`
	Venue      string    `json:"venue,omitempty"`
	SalesCount int       `json:"sales_count" validate:"gte=0"`
	TotalCents int64     `json:"total_cents" validate:"gte=0"`
	CashCents  int64     `json:"cash_cents" validate:"gte=0"`
	CardCents  int64     `json:"card_cents" validate:"gte=0"`
	Notes      string    `json:"notes,omitempty"`
	ClosedAt   time.Time `json:"closed_at" validate:"required"`
}

// Settings are the seller's table preferences.
type Settings struct {
	OwnerID        string    `json:"owner_id" validate:"required"`
	Currency       string    `json:"currency" validate:"required,len=3"`
	TaxRateBPS     int       `json:"tax_rate_bps" validate:"gte=0,lte=10000"`
	Categories     []string  `json:"categories,omitempty"`
	PaymentMethods []string  `json:"payment_methods,omitempty" validate:"omitempty,dive,required"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EmailSignup is a fan mailing-list signup taken at the table.
type EmailSignup struct {
	ID         string    `json:"id" validate:"required"`
	Email      string    `json:"email" validate:"required,email"`
	Name       string    `json:"name,omitempty"`
	ShowID     string    `json:"show_id,omitempty"`
	CapturedAt time.Time `json:"captured_at" validate:"required"`
}

// SheetRow is a record flattened for the spreadsheet destination. Key is the
// first column and identifies the row for updates and deletes.
type SheetRow struct {
	Sheet  string `json:"sheet"`
	Key    string `json:"key"`
	Values []any  `json:"values"`
}

// SheetRower is implemented by records that have a spreadsheet form.
type SheetRower interface {
	SheetRow() SheetRow
}

const sheetTimeLayout = "2006-01-02 15:04:05"

func cents(v int64) string {
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// SheetRow flattens the sale to one row; lines are summarised in one cell.
func (s Sale) SheetRow() SheetRow {
	items := make([]string, 0, len(s.Lines))
	qty := 0
	for _, l := range s.Lines {
		label := l.Name
		if l.Size != "" {
			label += " (" + l.Size + ")"
		}
		items = append(items, fmt.Sprintf("%dx %s", l.Quantity, label))
		qty += l.Quantity
	}
	return SheetRow{
		Sheet: "Sales",
		Key:   s.ID,
		Values: []any{
			s.ID, s.SoldAt.UTC().Format(sheetTimeLayout), strings.Join(items, ", "),
			qty, cents(s.TotalCents), cents(s.DiscountCents), s.PaymentMethod, s.ShowID,
		},
	}
}

func (p Product) SheetRow() SheetRow {
	inv := make([]string, 0, len(p.Sizes))
	for _, size := range p.Sizes {
		inv = append(inv, fmt.Sprintf("%s:%d", size, p.Inventory[size]))
	}
	return SheetRow{
		Sheet:  "Products",
		Key:    p.ID,
		Values: []any{p.ID, p.Name, p.Category, cents(p.PriceCents), strings.Join(inv, " ")},
	}
}

func (p ProductRef) SheetRow() SheetRow {
	return SheetRow{Sheet: "Products", Key: p.ID}
}

func (c CloseOut) SheetRow() SheetRow {
	return SheetRow{
		Sheet: "Close Outs",
		Key:   c.ID,
		Values: []any{
			c.ID, c.ClosedAt.UTC().Format(sheetTimeLayout), c.Venue, c.SalesCount,
			cents(c.TotalCents), cents(c.CashCents), cents(c.CardCents), c.Notes,
		},
	}
}

func (s Settings) SheetRow() SheetRow {
	return SheetRow{
		Sheet: "Settings",
		Key:   s.OwnerID,
		Values: []any{
			s.OwnerID, s.Currency, s.TaxRateBPS,
			strings.Join(s.Categories, ", "), strings.Join(s.PaymentMethods, ", "),
		},
	}
}

func (e EmailSignup) SheetRow() SheetRow {
	return SheetRow{
		Sheet:  "Email List",
		Key:    e.ID,
		Values: []any{e.ID, e.Email, e.Name, e.ShowID, e.CapturedAt.UTC().Format(sheetTimeLayout)},
	}
}

var recordValidator = validator.New(validator.WithRequiredStructEnabled())

// validateRecord checks struct tags and turns failures into one message per
// field. A pointer to a record is accepted as well as the record itself.
func validateRecord[T any](payload any) ValidationResult {
	var rec T
	switch p := payload.(type) {
	case T:
		rec = p
	case *T:
		if p == nil {
			return ValidationResult{Errors: []string{"payload is nil"}}
		}
		rec = *p
	default:
		return ValidationResult{Errors: []string{fmt.Sprintf("payload must be %T, got %T", rec, payload)}}
	}

	err := recordValidator.Struct(rec)
	if err == nil {
		return ValidationResult{Valid: true}
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationResult{Errors: []string{err.Error()}}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return ValidationResult{Errors: msgs}
}

// checkSaleTotal rejects sales whose total does not match their lines.
func checkSaleTotal(payload any) ValidationResult {
	res := validateRecord[Sale](payload)
	if !res.Valid {
		return res
	}
	s, ok := payload.(Sale)
	if !ok {
		s = *payload.(*Sale)
	}
	var sum int64
	for _, l := range s.Lines {
		sum += int64(l.Quantity) * l.UnitPriceCents
	}
	if want := sum - s.DiscountCents; want != s.TotalCents {
		return ValidationResult{Errors: []string{
			fmt.Sprintf("Sale.TotalCents is %d, lines less discount come to %d", s.TotalCents, want),
		}}
	}
	return res
}
