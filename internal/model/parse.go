// internal/model/parse.go
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ParseError: строка не PriceUpdate и не Heartbeat.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse record: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// decoder пытается прочитать один вариант записи из JSON-объекта.
type decoder struct {
	name   string
	decode func(obj map[string]json.RawMessage) (Record, error)
}

// Порядок важен: у PRICE тоже есть "type" и "time", поэтому price первым.
var decoders = []decoder{
	{name: "price", decode: decodePrice},
	{name: "heartbeat", decode: decodeHeartbeat},
}

// Parse разбирает одну строку стрима. Побеждает первый decoder, чьи
// обязательные поля есть и корректного типа; лишние поля игнорируются.
func Parse(text string) (Record, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, &ParseError{Text: text, Err: err}
	}
	if obj == nil {
		return nil, &ParseError{Text: text, Err: errors.New("record is null")}
	}

	errs := make([]error, 0, len(decoders))
	for _, d := range decoders {
		rec, err := d.decode(obj)
		if err == nil {
			return rec, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.name, err))
	}
	return nil, &ParseError{
		Text: text,
		Err:  fmt.Errorf("no record shape matched: %w", errors.Join(errs...)),
	}
}

func decodePrice(obj map[string]json.RawMessage) (Record, error) {
	var (
		p       PriceUpdate
		asks    []map[string]json.RawMessage
		bids    []map[string]json.RawMessage
		rawTime string
		err     error
	)
	if err = field(obj, "asks", &asks); err != nil {
		return nil, err
	}
	if err = field(obj, "bids", &bids); err != nil {
		return nil, err
	}
	if err = field(obj, "closeoutAsk", &p.CloseoutAsk); err != nil {
		return nil, err
	}
	if err = field(obj, "closeoutBid", &p.CloseoutBid); err != nil {
		return nil, err
	}
	if err = field(obj, "instrument", &p.Instrument); err != nil {
		return nil, err
	}
	if err = field(obj, "status", &p.Status); err != nil {
		return nil, err
	}
	if err = field(obj, "time", &rawTime); err != nil {
		return nil, err
	}
	if p.Asks, err = levels("asks", asks); err != nil {
		return nil, err
	}
	if p.Bids, err = levels("bids", bids); err != nil {
		return nil, err
	}
	if p.Time, err = ParseTimestamp(rawTime); err != nil {
		return nil, fmt.Errorf("field \"time\": %w", err)
	}
	return &p, nil
}

func decodeHeartbeat(obj map[string]json.RawMessage) (Record, error) {
	var (
		h       Heartbeat
		rawTime string
		err     error
	)
	if err = field(obj, "type", &h.Type); err != nil {
		return nil, err
	}
	if err = field(obj, "time", &rawTime); err != nil {
		return nil, err
	}
	if h.Time, err = ParseTimestamp(rawTime); err != nil {
		return nil, fmt.Errorf("field \"time\": %w", err)
	}
	return &h, nil
}

func levels(side string, raw []map[string]json.RawMessage) ([]LevelQuote, error) {
	out := make([]LevelQuote, 0, len(raw))
	for i, obj := range raw {
		if obj == nil {
			return nil, fmt.Errorf("%s[%d]: level is null", side, i)
		}
		var lq LevelQuote
		if err := field(obj, "liquidity", &lq.Liquidity); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", side, i, err)
		}
		if err := field(obj, "price", &lq.Price); err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", side, i, err)
		}
		out = append(out, lq)
	}
	return out, nil
}

var jsonNull = []byte("null")

// field декодирует obj[key] в dst. Ключ совпадает точно; отсутствие или null: ошибка.
func field(obj map[string]json.RawMessage, key string, dst any) error {
	raw, ok := obj[key]
	if !ok {
		return fmt.Errorf("missing field %q", key)
	}
	if bytes.Equal(bytes.TrimSpace(raw), jsonNull) {
		return fmt.Errorf("field %q is null", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}
