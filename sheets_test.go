package merchsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSheets emulates the slice of the Sheets v4 values API the client uses.
type fakeSheets struct {
	mu       sync.Mutex
	sheets   map[string][][]any
	requests []string
	failWith int
}

func newFakeSheets(t *testing.T) (*fakeSheets, *httptest.Server) {
	t.Helper()
	f := &fakeSheets{sheets: make(map[string][][]any)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

const fakeValuesPath = "/v4/spreadsheets/sheet-1/values"

func (f *fakeSheets) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest, ok := strings.CutPrefix(r.URL.Path, fakeValuesPath)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		fmt.Fprint(w, `{"error":{"code":403,"message":"The caller does not have permission"}}`)
		return
	}

	var body struct {
		Values [][]any `json:"values"`
		Data   []struct {
			Range  string  `json:"range"`
			Values [][]any `json:"values"`
		} `json:"data"`
	}
	if r.Method == http.MethodPost {
		json.NewDecoder(r.Body).Decode(&body)
	}

	switch {
	case r.Method == http.MethodGet && strings.HasSuffix(rest, "!A:A"):
		sheet := sheetName(rest)
		f.requests = append(f.requests, "keys "+sheet)
		keys := [][]any{}
		for _, row := range f.sheets[sheet] {
			if len(row) == 0 {
				keys = append(keys, []any{})
				continue
			}
			keys = append(keys, []any{row[0]})
		}
		json.NewEncoder(w).Encode(map[string]any{"values": keys})

	case rest == ":batchUpdate":
		for _, d := range body.Data {
			sheet := sheetName("/" + d.Range)
			n, _ := strconv.Atoi(d.Range[strings.Index(d.Range, "!A")+2:])
			f.sheets[sheet][n-1] = d.Values[0]
			f.requests = append(f.requests, "update "+sheet)
		}
		json.NewEncoder(w).Encode(map[string]any{"totalUpdatedRows": len(body.Data)})

	case strings.HasSuffix(rest, ":append"):
		sheet := sheetName(rest)
		f.requests = append(f.requests, "append "+sheet)
		f.sheets[sheet] = append(f.sheets[sheet], body.Values...)
		json.NewEncoder(w).Encode(map[string]any{"updates": map[string]any{"updatedRows": len(body.Values)}})

	case strings.HasSuffix(rest, ":clear"):
		sheet := sheetName(rest)
		f.requests = append(f.requests, "clear "+sheet)
		rng := strings.TrimSuffix(rest[1:], ":clear")
		n, _ := strconv.Atoi(rng[strings.Index(rng, "!A")+2 : strings.Index(rng, ":Z")])
		f.sheets[sheet][n-1] = []any{}
		json.NewEncoder(w).Encode(map[string]any{"clearedRange": rng})

	default:
		http.NotFound(w, r)
	}
}

// sheetName extracts Sales from /'Sales'!A1.
func sheetName(rest string) string {
	start := strings.Index(rest, "'")
	end := strings.Index(rest, "'!")
	return strings.ReplaceAll(rest[start+1:end], "''", "'")
}

func (f *fakeSheets) rows(sheet string) [][]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]any(nil), f.sheets[sheet]...)
}

func (f *fakeSheets) count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if strings.HasPrefix(r, prefix) {
			n++
		}
	}
	return n
}

func newTestSheetsClient(srv *httptest.Server, opts ...SheetsOption) *SheetsClient {
	return NewSheetsClient(srv.Client(), srv.URL+"/", "sheet-1", opts...)
}

func TestSheetsClient_AppendThenUpsert(t *testing.T) {
	f, srv := newFakeSheets(t)
	c := newTestSheetsClient(srv)
	ctx := context.Background()

	res, err := c.SyncRecord(ctx, DataTypeSale, OperationCreate, testSale("sale-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.(map[string]any)["updated_rows"] != 1 {
		t.Errorf("expected 1 updated row, got %v", res)
	}
	if f.count("append Sales") != 1 {
		t.Fatalf("expected an append, got %v", f.requests)
	}

	// A retried create lands on the same row.
	if _, err := c.SyncRecord(ctx, DataTypeSale, OperationCreate, testSale("sale-1")); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if _, err := c.SyncRecord(ctx, DataTypeSale, OperationCreate, testSale("sale-2")); err != nil {
		t.Fatalf("second sale: %v", err)
	}

	rows := f.rows("Sales")
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d: %v", len(rows), rows)
	}
	if rows[0][0] != "sale-1" || rows[1][0] != "sale-2" {
		t.Errorf("unexpected keys %v %v", rows[0][0], rows[1][0])
	}
	if f.count("update Sales") != 1 {
		t.Errorf("expected the replay as an update, got %v", f.requests)
	}
}

func TestSheetsClient_SheetRowPayload(t *testing.T) {
	f, srv := newFakeSheets(t)
	c := newTestSheetsClient(srv)

	row := SheetRow{Sheet: "Band's Sheet", Key: "k-1", Values: []any{"k-1", "x"}}
	if _, err := c.SyncRecord(context.Background(), DataTypeSettings, OperationUpdate, row); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if rows := f.rows("Band's Sheet"); len(rows) != 1 || rows[0][1] != "x" {
		t.Errorf("expected quoted sheet name handled, got %v", rows)
	}

	if _, err := c.SyncRecord(context.Background(), DataTypeSale, OperationCreate, 42); err == nil {
		t.Error("expected error for unsupported payload")
	}
	if _, err := c.SyncRecord(context.Background(), DataTypeSale, OperationCreate, SheetRow{Sheet: "Sales"}); err == nil {
		t.Error("expected error for a row without a key")
	}
}

func TestSheetsClient_Delete(t *testing.T) {
	f, srv := newFakeSheets(t)
	c := newTestSheetsClient(srv)
	ctx := context.Background()

	if _, err := c.SyncRecord(ctx, DataTypeProduct, OperationCreate, testProduct()); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := c.SyncRecord(ctx, DataTypeProduct, OperationDelete, ProductRef{ID: "tee-black"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	m := res.(map[string]any)
	if m["cleared"] != true || m["range"] != "'Products'!A1:Z1" {
		t.Errorf("unexpected delete result %v", m)
	}
	if rows := f.rows("Products"); len(rows) != 1 || len(rows[0]) != 0 {
		t.Errorf("expected the row cleared, got %v", rows)
	}

	res, err = c.SyncRecord(ctx, DataTypeProduct, OperationDelete, ProductRef{ID: "poster"})
	if err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if res.(map[string]any)["cleared"] != false {
		t.Errorf("expected nothing cleared, got %v", res)
	}
}

func TestSheetsClient_ErrorMessage(t *testing.T) {
	f, srv := newFakeSheets(t)
	f.failWith = http.StatusForbidden
	c := newTestSheetsClient(srv)

	_, err := c.SyncRecord(context.Background(), DataTypeSale, OperationCreate, testSale("sale-1"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "does not have permission") {
		t.Errorf("expected status and API message, got %v", err)
	}
}

func TestSheetsClient_ProductUpdatesBatched(t *testing.T) {
	f, srv := newFakeSheets(t)
	c := newTestSheetsClient(srv, WithProductFlushDelay(50*time.Millisecond))
	defer c.Close()

	products := []Product{testProduct(), testProduct(), testProduct()}
	products[1].ID = "poster"
	products[2].PriceCents = 3000

	var wg sync.WaitGroup
	results := make([]any, len(products))
	errs := make([]error, len(products))
	for i, p := range products {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.SyncRecord(context.Background(), DataTypeProduct, OperationUpdate, p)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		if results[i].(map[string]any)["batched_rows"] != 2 {
			t.Errorf("update %d: expected the batch's 2 rows, got %v", i, results[i])
		}
	}
	if n := f.count("keys Products"); n != 1 {
		t.Errorf("expected one batched write, got %d key reads", n)
	}
	rows := f.rows("Products")
	if len(rows) != 2 {
		t.Fatalf("expected 2 product rows, got %v", rows)
	}
	if rows[0][0] == rows[1][0] {
		t.Errorf("expected one row per product, got %v", rows)
	}
}

func TestSheetsClient_CloseFlushes(t *testing.T) {
	f, srv := newFakeSheets(t)
	c := newTestSheetsClient(srv, WithProductFlushDelay(time.Hour))

	done := make(chan error, 1)
	go func() {
		_, err := c.SyncRecord(context.Background(), DataTypeProduct, OperationUpdate, testProduct())
		done <- err
	}()
	// The submit may not have joined a batch yet, so keep closing until it returns.
	deadline := time.After(2 * time.Second)
	for flushed := false; !flushed; {
		c.Close()
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			flushed = true
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("Close did not flush the pending batch")
		}
	}
	if len(f.rows("Products")) != 1 {
		t.Error("expected the product written on Close")
	}
}

func TestSheetsClient_ConcurrentCreateAndUpdate(t *testing.T) {
	f, srv := newFakeSheets(t)
	c := newTestSheetsClient(srv)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		co := CloseOut{ID: fmt.Sprintf("co-%d", i), TotalCents: 1000, ClosedAt: time.Now()}
		for _, op := range []Operation{OperationCreate, OperationUpdate} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.SyncRecord(ctx, DataTypeCloseOut, op, co); err != nil {
					t.Errorf("%s %s: %v", op, co.ID, err)
				}
			}()
		}
	}
	wg.Wait()

	seen := make(map[any]int)
	for _, row := range f.rows("Close Outs") {
		seen[row[0]]++
	}
	if len(seen) != n {
		t.Errorf("expected %d close-out rows, got %d", n, len(seen))
	}
	for key, count := range seen {
		if count != 1 {
			t.Errorf("%v: expected one row, got %d", key, count)
		}
	}
}
