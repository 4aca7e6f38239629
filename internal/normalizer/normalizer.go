package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"liquidation-relay/internal/event"
)

var (
	// ErrInvalid marks a payload that cannot yield an event (missing or non-positive fields).
	ErrInvalid = errors.New("normalizer: invalid payload")
	// ErrUnmatched marks channel text that does not follow the liquidation grammar.
	ErrUnmatched = errors.New("normalizer: text does not match liquidation pattern")
)

// Normalize converts a raw per-source payload into events. A nil slice with an error means "no event".
// Bybit payloads may carry several records; invalid records are skipped.
func Normalize(source event.Source, payload []byte) ([]event.Liquidation, error) {
	switch source {
	case event.SourceBinance:
		ev, err := Binance(payload)
		if err != nil {
			return nil, err
		}
		return []event.Liquidation{ev}, nil
	case event.SourceBybit:
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, fmt.Errorf("%w: decode bybit envelope: %v", ErrInvalid, err)
		}
		events, _, err := Bybit(envelope.Data)
		return events, err
	case event.SourceHyperliquid:
		ev, err := Aggregator(string(payload))
		if err != nil {
			return nil, err
		}
		return []event.Liquidation{ev}, nil
	default:
		return nil, fmt.Errorf("%w: unknown source %q", ErrInvalid, source)
	}
}

// Order normalizes an exchange order event. All four fields are required and quantity/price must be positive.
func Order(source event.Source, symbol, side, quantity, price string) (event.Liquidation, error) {
	symbol = strings.TrimSpace(symbol)
	side = strings.TrimSpace(side)
	if symbol == "" || side == "" {
		return event.Liquidation{}, fmt.Errorf("%w: symbol and side required", ErrInvalid)
	}

	qty, err := positiveDecimal(quantity)
	if err != nil {
		return event.Liquidation{}, fmt.Errorf("%w: quantity: %v", ErrInvalid, err)
	}
	px, err := positiveDecimal(price)
	if err != nil {
		return event.Liquidation{}, fmt.Errorf("%w: price: %v", ErrInvalid, err)
	}

	return event.New(event.Liquidation{
		Source:     source,
		Symbol:     symbol,
		Side:       event.ExchangeSide(side),
		Quantity:   qty,
		Price:      px,
		Notional:   qty.Mul(px),
		ReceivedAt: time.Now().UTC(),
	})
}

// Binance normalizes a futures forceOrder stream frame.
func Binance(payload []byte) (event.Liquidation, error) {
	var frame futures.WsLiquidationOrderEvent
	if err := json.Unmarshal(payload, &frame); err != nil {
		return event.Liquidation{}, fmt.Errorf("%w: decode binance frame: %v", ErrInvalid, err)
	}
	order := frame.LiquidationOrder
	return Order(event.SourceBinance, order.Symbol, string(order.Side), order.OrigQuantity, order.Price)
}

// BybitRecord is one entry of an allLiquidation data batch.
type BybitRecord struct {
	UpdatedTime int64  `json:"T"`
	Symbol      string `json:"s"`
	Side        string `json:"S"`
	Size        string `json:"v"`
	Price       string `json:"p"`
}

type bybitRecords []BybitRecord

// UnmarshalJSON accepts both a single record object and an array of records.
func (r *bybitRecords) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" {
		*r = nil
		return nil
	}
	switch trimmed[0] {
	case '[':
		var arr []BybitRecord
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		*r = arr
		return nil
	case '{':
		var one BybitRecord
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*r = bybitRecords{one}
		return nil
	default:
		return fmt.Errorf("unexpected bybit data json: %s", trimmed)
	}
}

// Bybit normalizes the data field of an allLiquidation message and returns the events plus the number of
// records that were dropped as invalid.
func Bybit(data []byte) ([]event.Liquidation, int, error) {
	var records bybitRecords
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, 0, fmt.Errorf("%w: decode bybit data: %v", ErrInvalid, err)
	}

	events := make([]event.Liquidation, 0, len(records))
	dropped := 0
	for _, rec := range records {
		ev, err := BybitRecordEvent(rec)
		if err != nil {
			dropped++
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 && dropped > 0 {
		return nil, dropped, fmt.Errorf("%w: all %d bybit records invalid", ErrInvalid, dropped)
	}
	return events, dropped, nil
}

// BybitRecordEvent normalizes a single Bybit record.
func BybitRecordEvent(rec BybitRecord) (event.Liquidation, error) {
	ev, err := Order(event.SourceBybit, rec.Symbol, rec.Side, rec.Size, rec.Price)
	if err != nil {
		return event.Liquidation{}, err
	}
	if rec.UpdatedTime > 0 {
		ev.ReceivedAt = time.UnixMilli(rec.UpdatedTime).UTC()
	}
	return ev, nil
}

func positiveDecimal(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, errors.New("missing")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("must be positive, got %s", raw)
	}
	return d, nil
}
