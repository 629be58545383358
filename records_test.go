package merchsync

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestValidateRecord(t *testing.T) {
	sale := testSale("sale-1")
	if res := validateRecord[Sale](sale); !res.Valid {
		t.Errorf("expected valid sale, got %v", res.Errors)
	}
	if res := validateRecord[Sale](&sale); !res.Valid {
		t.Errorf("expected pointer to valid sale accepted, got %v", res.Errors)
	}
	var nilSale *Sale
	if res := validateRecord[Sale](nilSale); res.Valid {
		t.Error("expected nil pointer rejected")
	}
	if res := validateRecord[Sale](testProduct()); res.Valid || !strings.Contains(res.Errors[0], "payload must be") {
		t.Errorf("expected type mismatch, got %+v", res)
	}

	empty := Sale{ID: "sale-2", PaymentMethod: "cash", SoldAt: time.Now()}
	res := validateRecord[Sale](empty)
	if res.Valid {
		t.Fatal("expected sale without lines to be rejected")
	}
	if !strings.Contains(strings.Join(res.Errors, " "), "Sale.Lines") {
		t.Errorf("expected Lines error, got %v", res.Errors)
	}
}

func TestValidateRecord_FieldRules(t *testing.T) {
	tests := []struct {
		name    string
		valid   bool
		payload func() ValidationResult
	}{
		{"settings ok", true, func() ValidationResult {
			return validateRecord[Settings](Settings{OwnerID: "band-1", Currency: "EUR", TaxRateBPS: 2000})
		}},
		{"settings bad currency", false, func() ValidationResult {
			return validateRecord[Settings](Settings{OwnerID: "band-1", Currency: "EURO"})
		}},
		{"settings tax above 100%", false, func() ValidationResult {
			return validateRecord[Settings](Settings{OwnerID: "band-1", Currency: "EUR", TaxRateBPS: 10001})
		}},
		{"email bad address", false, func() ValidationResult {
			return validateRecord[EmailSignup](EmailSignup{ID: "e-1", Email: "nope", CapturedAt: time.Now()})
		}},
		{"product negative stock", false, func() ValidationResult {
			p := testProduct()
			p.Inventory["M"] = -1
			return validateRecord[Product](p)
		}},
		{"line quantity zero", false, func() ValidationResult {
			s := testSale("sale-1")
			s.Lines[0].Quantity = 0
			return validateRecord[Sale](s)
		}},
		{"closeout missing time", false, func() ValidationResult {
			return validateRecord[CloseOut](CloseOut{ID: "co-1"})
		}},
		{"product ref ok", true, func() ValidationResult {
			return validateProduct(ProductRef{ID: "tee-black"})
		}},
		{"product ref empty", false, func() ValidationResult {
			return validateProduct(&ProductRef{})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.payload()
			if res.Valid != tt.valid {
				t.Errorf("expected valid=%v, got %+v", tt.valid, res)
			}
			if !res.Valid && len(res.Errors) == 0 {
				t.Error("expected error messages for invalid record")
			}
		})
	}
}

func TestCheckSaleTotal(t *testing.T) {
	s := testSale("sale-1")
	s.DiscountCents = 500
	s.TotalCents = 4500
	if res := checkSaleTotal(&s); !res.Valid {
		t.Errorf("expected discounted total accepted, got %v", res.Errors)
	}
	s.TotalCents = 5000
	if res := checkSaleTotal(s); res.Valid {
		t.Error("expected mismatched total rejected")
	}
}

func TestSheetRows(t *testing.T) {
	sale := testSale("sale-1")
	sale.Lines = append(sale.Lines, SaleLine{ProductID: "poster", Name: "Poster", Quantity: 1, UnitPriceCents: 1000})
	sale.TotalCents = 6000
	row := sale.SheetRow()
	if row.Sheet != "Sales" || row.Key != "sale-1" {
		t.Fatalf("unexpected row identity: %+v", row)
	}
	if row.Values[0] != "sale-1" || row.Values[1] != "2026-05-02 21:30:00" {
		t.Errorf("unexpected leading cells: %v", row.Values[:2])
	}
	if row.Values[2] != "2x Tour Tee (M), 1x Poster" {
		t.Errorf("unexpected items cell %q", row.Values[2])
	}
	if row.Values[3] != 3 || row.Values[4] != "60.00" {
		t.Errorf("unexpected quantity or total: %v %v", row.Values[3], row.Values[4])
	}

	p := testProduct().SheetRow()
	if p.Sheet != "Products" || p.Values[3] != "25.00" || p.Values[4] != "S:4 M:0" {
		t.Errorf("unexpected product row: %+v", p)
	}
	if ref := (ProductRef{ID: "x"}).SheetRow(); ref.Sheet != "Products" || ref.Key != "x" || ref.Values != nil {
		t.Errorf("unexpected ref row: %+v", ref)
	}
	st := Settings{OwnerID: "band-1", Currency: "USD", PaymentMethods: []string{"cash", "card"}}.SheetRow()
	if st.Sheet != "Settings" || st.Key != "band-1" || st.Values[4] != "cash, card" {
		t.Errorf("unexpected settings row: %+v", st)
	}
	if e := (EmailSignup{ID: "e-1", Email: "fan@example.com"}).SheetRow(); e.Sheet != "Email List" || e.Values[1] != "fan@example.com" {
		t.Errorf("unexpected email row: %+v", e)
	}
	if c := (CloseOut{ID: "co-1", CashCents: 1205}).SheetRow(); c.Sheet != "Close Outs" || c.Values[5] != "12.05" {
		t.Errorf("unexpected close-out row: %+v", c)
	}
}

func TestCents(t *testing.T) {
	for v, want := range map[int64]string{0: "0.00", 5: "0.05", 2500: "25.00", 123456: "1234.56", -250: "-2.50"} {
		if got := cents(v); got != want {
			t.Errorf("cents(%d): expected %s, got %s", v, want, got)
		}
	}
}

func TestDefaultStrategies_Decode(t *testing.T) {
	got, err := decodeProduct(OperationDelete, json.RawMessage(`{"id":"tee-black"}`))
	if err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if ref, ok := got.(ProductRef); !ok || ref.ID != "tee-black" {
		t.Errorf("expected ProductRef, got %T %+v", got, got)
	}
	got, err = decodeProduct(OperationUpdate, json.RawMessage(`{"id":"tee-black","name":"Tour Tee","price_cents":2500}`))
	if err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if p, ok := got.(Product); !ok || p.PriceCents != 2500 {
		t.Errorf("expected Product, got %T %+v", got, got)
	}
	if _, err := decodeRecord[Settings](OperationUpdate, json.RawMessage(`[`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDefaultStrategies_Prepare(t *testing.T) {
	prep := prepareFor(DataTypeSale)
	sale := testSale("sale-1")

	out, err := prep(&sale, DestinationLedger)
	if err != nil {
		t.Fatalf("prepare ledger: %v", err)
	}
	tp := out.(typedPayload)
	if tp.dataType != DataTypeSale {
		t.Errorf("expected sale data type, got %s", tp.dataType)
	}
	if _, ok := tp.record.(Sale); !ok {
		t.Errorf("expected dereferenced Sale for the ledger, got %T", tp.record)
	}

	out, err = prep(sale, DestinationSheets)
	if err != nil {
		t.Fatalf("prepare sheets: %v", err)
	}
	if row, ok := out.(typedPayload).record.(SheetRow); !ok || row.Key != "sale-1" {
		t.Errorf("expected SheetRow for sheets, got %T", out.(typedPayload).record)
	}

	if _, err := prep("not a record", DestinationSheets); err == nil {
		t.Error("expected error for a payload without a sheet form")
	}
	if _, err := (sinkAdapter{&mockSink{}}).Sync(context.Background(), OperationCreate, "raw"); err == nil {
		t.Error("expected sink adapter to reject an unprepared payload")
	}
}

func TestDefaultStrategies_DependsOnlyWithBothSinks(t *testing.T) {
	both := DefaultStrategies(Sinks{Ledger: &mockSink{}, Sheets: &mockSink{}})
	for _, s := range both {
		money := s.DataType == DataTypeSale || s.DataType == DataTypeCloseOut
		if got := len(s.DependsOn[DestinationSheets]) == 1; got != money {
			t.Errorf("%s: sheets dependency = %v, want %v", s.DataType, got, money)
		}
		if err := NewRegistry().Register(s); err != nil {
			t.Errorf("%s: register: %v", s.DataType, err)
		}
	}

	for _, s := range DefaultStrategies(Sinks{Sheets: &mockSink{}}) {
		if len(s.DependsOn) != 0 {
			t.Errorf("%s: expected no dependencies with one sink", s.DataType)
		}
		if err := NewRegistry().Register(s); err != nil {
			t.Errorf("%s: register sheets-only: %v", s.DataType, err)
		}
	}
}

func TestConflictResolution(t *testing.T) {
	older := testProduct()
	newer := testProduct()
	newer.UpdatedAt = older.UpdatedAt.Add(time.Hour)
	newer.PriceCents = 3000

	if got := latestProduct(older, newer).(Product); got.PriceCents != 3000 {
		t.Errorf("expected the newer remote to win, got %+v", got)
	}
	if got := latestProduct(&newer, older).(Product); got.PriceCents != 3000 {
		t.Errorf("expected the newer local to win, got %+v", got)
	}
	if got := latestProduct(older, older).(Product); got.PriceCents != older.PriceCents {
		t.Errorf("expected local to win a tie")
	}
	if got := latestProduct("x", newer); got != "x" {
		t.Errorf("expected local returned for non-products, got %v", got)
	}

	ls := Settings{OwnerID: "b", Currency: "USD", UpdatedAt: time.Unix(100, 0)}
	rs := Settings{OwnerID: "b", Currency: "EUR", UpdatedAt: time.Unix(200, 0)}
	if got := latestSettings(ls, rs).(Settings); got.Currency != "EUR" {
		t.Errorf("expected newer settings, got %+v", got)
	}
}
