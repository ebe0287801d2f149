// internal/model/marshal.go
package model

import (
	"encoding/json"
	"fmt"
)

type levelWire struct {
	Liquidity uint64 `json:"liquidity"`
	Price     string `json:"price"`
}

type priceWire struct {
	Asks        []levelWire `json:"asks"`
	Bids        []levelWire `json:"bids"`
	CloseoutAsk string      `json:"closeoutAsk"`
	CloseoutBid string      `json:"closeoutBid"`
	Instrument  string      `json:"instrument"`
	Status      string      `json:"status"`
	Time        string      `json:"time"`
}

type heartbeatWire struct {
	Type string `json:"type"`
	Time string `json:"time"`
}

// Marshal кодирует запись обратно в формат брокера.
func Marshal(r Record) ([]byte, error) {
	switch rec := r.(type) {
	case *PriceUpdate:
		return json.Marshal(priceWire{
			Asks:        toWire(rec.Asks),
			Bids:        toWire(rec.Bids),
			CloseoutAsk: rec.CloseoutAsk,
			CloseoutBid: rec.CloseoutBid,
			Instrument:  rec.Instrument,
			Status:      rec.Status,
			Time:        FormatTimestamp(rec.Time),
		})
	case *Heartbeat:
		return json.Marshal(heartbeatWire{Type: rec.Type, Time: FormatTimestamp(rec.Time)})
	default:
		return nil, fmt.Errorf("model: cannot marshal %T", r)
	}
}

func toWire(levels []LevelQuote) []levelWire {
	out := make([]levelWire, len(levels))
	for i, l := range levels {
		out[i] = levelWire{Liquidity: l.Liquidity, Price: l.Price}
	}
	return out
}
