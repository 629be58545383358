package merchsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// SheetsClient is the spreadsheet destination. It speaks the Sheets v4
// values API and keys every row by its first column, so creates and updates
// are both upserts and a retried attempt never appends a duplicate row.
//
// Product updates arriving within ProductFlushDelay of each other are
// written in one batch. Writes to one sheet are serialized so the key lookup
// and the write that depends on it cannot interleave.
type SheetsClient struct {
	client        *http.Client
	baseURL       string
	spreadsheetID string
	products      *Coalescer[SheetRow, int]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// SheetsOption configures a SheetsClient.
type SheetsOption func(*sheetsOptions)

type sheetsOptions struct {
	productFlushDelay time.Duration
}

// WithProductFlushDelay sets the product update batching window.
func WithProductFlushDelay(d time.Duration) SheetsOption {
	return func(o *sheetsOptions) {
		o.productFlushDelay = d
	}
}

// NewSheetsClient creates a client for one spreadsheet. The http.Client is
// expected to carry authentication.
func NewSheetsClient(client *http.Client, baseURL, spreadsheetID string, opts ...SheetsOption) *SheetsClient {
	o := sheetsOptions{productFlushDelay: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if client == nil {
		client = http.DefaultClient
	}
	c := &SheetsClient{
		client:        client,
		baseURL:       strings.TrimRight(baseURL, "/"),
		spreadsheetID: spreadsheetID,
		locks:         make(map[string]*sync.Mutex),
	}
	c.products = NewCoalescer(o.productFlushDelay, c.flushRows)
	return c
}

// Close writes any pending product batch.
func (c *SheetsClient) Close() {
	c.products.Flush()
}

// SyncRecord writes the row form of payload.
func (c *SheetsClient) SyncRecord(ctx context.Context, dataType DataType, op Operation, payload any) (any, error) {
	var row SheetRow
	switch p := payload.(type) {
	case SheetRow:
		row = p
	case SheetRower:
		row = p.SheetRow()
	default:
		return nil, fmt.Errorf("sheets: unsupported %s payload %T", dataType, payload)
	}
	if row.Sheet == "" || row.Key == "" {
		return nil, fmt.Errorf("sheets: %s row has no sheet or key", dataType)
	}

	switch {
	case op == OperationDelete:
		return c.clearRow(ctx, row)
	case dataType == DataTypeProduct && op == OperationUpdate:
		n, err := c.products.Submit(ctx, row)
		if err != nil {
			return nil, err
		}
		return map[string]any{"batched_rows": n}, nil
	default:
		n, err := c.flushRows(ctx, []SheetRow{row})
		if err != nil {
			return nil, err
		}
		return map[string]any{"updated_rows": n}, nil
	}
}

// flushRows upserts rows, grouped per sheet. Later rows for the same key win.
func (c *SheetsClient) flushRows(ctx context.Context, rows []SheetRow) (int, error) {
	bySheet := make(map[string][]SheetRow)
	var order []string
	for _, r := range rows {
		if _, ok := bySheet[r.Sheet]; !ok {
			order = append(order, r.Sheet)
		}
		bySheet[r.Sheet] = append(bySheet[r.Sheet], r)
	}

	total := 0
	for _, sheet := range order {
		n, err := c.upsertSheet(ctx, sheet, bySheet[sheet])
		if err != nil {
			return total, err
		}
		total += n
	}
	if len(rows) > 1 {
		slog.Debug("sheets: flushed batch", "rows", len(rows), "updated", total)
	}
	return total, nil
}

// lockSheet holds the write lock for sheet until the returned func is called.
func (c *SheetsClient) lockSheet(sheet string) func() {
	c.mu.Lock()
	l, ok := c.locks[sheet]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sheet] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (c *SheetsClient) upsertSheet(ctx context.Context, sheet string, rows []SheetRow) (int, error) {
	defer c.lockSheet(sheet)()

	existing, err := c.keyRows(ctx, sheet)
	if err != nil {
		return 0, err
	}

	latest := make(map[string]SheetRow, len(rows))
	var keys []string
	for _, r := range rows {
		if _, ok := latest[r.Key]; !ok {
			keys = append(keys, r.Key)
		}
		latest[r.Key] = r
	}

	type valueRange struct {
		Range  string  `json:"range"`
		Values [][]any `json:"values"`
	}
	var updates []valueRange
	var appends [][]any
	for _, k := range keys {
		r := latest[k]
		if n, ok := existing[k]; ok {
			updates = append(updates, valueRange{Range: a1(sheet, fmt.Sprintf("A%d", n)), Values: [][]any{r.Values}})
		} else {
			appends = append(appends, r.Values)
		}
	}

	total := 0
	if len(updates) > 0 {
		body := map[string]any{"valueInputOption": "USER_ENTERED", "data": updates}
		res, err := c.do(ctx, http.MethodPost, c.valuesURL("")+":batchUpdate", body)
		if err != nil {
			return total, err
		}
		total += int(res.Get("totalUpdatedRows").Int())
	}
	if len(appends) > 0 {
		u := c.valuesURL(a1(sheet, "A1")) + ":append?valueInputOption=USER_ENTERED&insertDataOption=INSERT_ROWS"
		res, err := c.do(ctx, http.MethodPost, u, map[string]any{"values": appends})
		if err != nil {
			return total, err
		}
		total += int(res.Get("updates.updatedRows").Int())
	}
	return total, nil
}

func (c *SheetsClient) clearRow(ctx context.Context, row SheetRow) (any, error) {
	defer c.lockSheet(row.Sheet)()

	existing, err := c.keyRows(ctx, row.Sheet)
	if err != nil {
		return nil, err
	}
	n, ok := existing[row.Key]
	if !ok {
		return map[string]any{"cleared": false}, nil
	}
	res, err := c.do(ctx, http.MethodPost, c.valuesURL(a1(row.Sheet, fmt.Sprintf("A%d:Z%d", n, n)))+":clear", map[string]any{})
	if err != nil {
		return nil, err
	}
	return map[string]any{"cleared": true, "range": res.Get("clearedRange").String()}, nil
}

// keyRows maps every first-column value of sheet to its 1-based row number.
func (c *SheetsClient) keyRows(ctx context.Context, sheet string) (map[string]int, error) {
	res, err := c.do(ctx, http.MethodGet, c.valuesURL(a1(sheet, "A:A"))+"?majorDimension=ROWS", nil)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]int)
	i := 0
	res.Get("values").ForEach(func(_, v gjson.Result) bool {
		i++
		if k := v.Get("0").String(); k != "" {
			if _, dup := rows[k]; !dup {
				rows[k] = i
			}
		}
		return true
	})
	return rows, nil
}

func (c *SheetsClient) valuesURL(rng string) string {
	u := c.baseURL + "/v4/spreadsheets/" + url.PathEscape(c.spreadsheetID) + "/values"
	if rng != "" {
		u += "/" + url.PathEscape(rng)
	}
	return u
}

func a1(sheet, cells string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'!" + cells
}

func (c *SheetsClient) do(ctx context.Context, method, u string, body any) (gjson.Result, error) {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("sheets: marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("sheets: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("sheets: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("sheets: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(data, "error.message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, fmt.Errorf("sheets: %s returned %d: %s", method, resp.StatusCode, msg)
	}
	return gjson.ParseBytes(data), nil
}
