package merchsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Sinks are the destinations the default strategies replicate to. A nil sink
// drops that destination from every strategy.
type Sinks struct {
	Ledger RecordSink
	Sheets RecordSink
}

func (s Sinks) destinations() ([]Destination, map[Destination]Adapter) {
	var dests []Destination
	adapters := make(map[Destination]Adapter)
	if s.Ledger != nil {
		dests = append(dests, DestinationLedger)
		adapters[DestinationLedger] = sinkAdapter{s.Ledger}
	}
	if s.Sheets != nil {
		dests = append(dests, DestinationSheets)
		adapters[DestinationSheets] = sinkAdapter{s.Sheets}
	}
	return dests, adapters
}

// sinkAdapter binds a RecordSink to the data type of the item being synced.
type sinkAdapter struct {
	sink RecordSink
}

type typedPayload struct {
	dataType DataType
	record   any
}

func (a sinkAdapter) Sync(ctx context.Context, op Operation, payload any) (any, error) {
	tp, ok := payload.(typedPayload)
	if !ok {
		return nil, fmt.Errorf("sink adapter: unprepared payload %T", payload)
	}
	return a.sink.SyncRecord(ctx, tp.dataType, op, tp.record)
}

// Default priorities per record kind. Product deletes use
// PriorityProductDelete through an enqueue override.
const (
	PrioritySale          = 10
	PriorityCloseOut      = 8
	PriorityEmailSignup   = 6
	PriorityProduct       = 5
	PrioritySettings      = 3
	PriorityProductDelete = 1
)

// DefaultStrategies returns the strategies for every record kind. Ledger
// writes are authoritative: for sales and close-outs the spreadsheet row is
// only written once the ledger has accepted the record.
func DefaultStrategies(sinks Sinks) []Strategy {
	dests, adapters := sinks.destinations()

	money := map[Destination][]Destination{}
	if sinks.Ledger != nil && sinks.Sheets != nil {
		money[DestinationSheets] = []Destination{DestinationLedger}
	}

	return []Strategy{
		{
			DataType:     DataTypeSale,
			Destinations: dests,
			MaxAttempts:  5,
			RetryDelays:  []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, time.Minute},
			Priority:     PrioritySale,
			Adapters:     adapters,
			DependsOn:    money,
			Validate:     checkSaleTotal,
			Prepare:      prepareFor(DataTypeSale),
			Decode:       decodeRecord[Sale],
		},
		{
			DataType:        DataTypeProduct,
			Destinations:    dests,
			MaxAttempts:     3,
			RetryDelays:     []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
			Priority:        PriorityProduct,
			Adapters:        adapters,
			Validate:        validateProduct,
			Prepare:         prepareFor(DataTypeProduct),
			ResolveConflict: latestProduct,
			Decode:          decodeProduct,
		},
		{
			DataType:        DataTypeSettings,
			Destinations:    dests,
			MaxAttempts:     3,
			RetryDelays:     []time.Duration{5 * time.Second, 30 * time.Second},
			Priority:        PrioritySettings,
			Adapters:        adapters,
			Validate:        validateRecord[Settings],
			Prepare:         prepareFor(DataTypeSettings),
			ResolveConflict: latestSettings,
			Decode:          decodeRecord[Settings],
		},
		{
			DataType:     DataTypeCloseOut,
			Destinations: dests,
			MaxAttempts:  5,
			RetryDelays:  []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			Priority:     PriorityCloseOut,
			Adapters:     adapters,
			DependsOn:    money,
			Validate:     validateRecord[CloseOut],
			Prepare:      prepareFor(DataTypeCloseOut),
			Decode:       decodeRecord[CloseOut],
		},
		{
			DataType:     DataTypeEmailSignup,
			Destinations: dests,
			MaxAttempts:  3,
			RetryDelays:  []time.Duration{2 * time.Second, 10 * time.Second, 30 * time.Second},
			Priority:     PriorityEmailSignup,
			Adapters:     adapters,
			Validate:     validateRecord[EmailSignup],
			Prepare:      prepareFor(DataTypeEmailSignup),
			Decode:       decodeRecord[EmailSignup],
		},
	}
}

// prepareFor tags the record with its data type and, for the spreadsheet,
// flattens it to a row.
func prepareFor(dataType DataType) func(payload any, dest Destination) (any, error) {
	return func(payload any, dest Destination) (any, error) {
		record := deref(payload)
		if dest == DestinationSheets {
			rower, ok := record.(SheetRower)
			if !ok {
				return nil, fmt.Errorf("%s record %T has no sheet form", dataType, record)
			}
			record = rower.SheetRow()
		}
		return typedPayload{dataType: dataType, record: record}, nil
	}
}

func deref(payload any) any {
	switch p := payload.(type) {
	case *Sale:
		return *p
	case *Product:
		return *p
	case *ProductRef:
		return *p
	case *CloseOut:
		return *p
	case *Settings:
		return *p
	case *EmailSignup:
		return *p
	}
	return payload
}

func validateProduct(payload any) ValidationResult {
	switch deref(payload).(type) {
	case ProductRef:
		return validateRecord[ProductRef](payload)
	default:
		return validateRecord[Product](payload)
	}
}

func decodeRecord[T any](_ Operation, raw json.RawMessage) (any, error) {
	var rec T
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %T: %w", rec, err)
	}
	return rec, nil
}

func decodeProduct(op Operation, raw json.RawMessage) (any, error) {
	if op == OperationDelete {
		return decodeRecord[ProductRef](op, raw)
	}
	return decodeRecord[Product](op, raw)
}

// latestProduct keeps whichever version was edited last; the local copy
// wins ties.
func latestProduct(local, remote any) any {
	l, lok := deref(local).(Product)
	r, rok := deref(remote).(Product)
	if !lok || !rok {
		return local
	}
	if r.UpdatedAt.After(l.UpdatedAt) {
		return r
	}
	return l
}

func latestSettings(local, remote any) any {
	l, lok := deref(local).(Settings)
	r, rok := deref(remote).(Settings)
	if !lok || !rok {
		return local
	}
	if r.UpdatedAt.After(l.UpdatedAt) {
		return r
	}
	return l
}
