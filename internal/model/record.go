// internal/model/record.go

// Package model описывает два вида записей pricing-стрима OANDA
// и разбирает их из JSON-строк.
package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind: вид записи.
type Kind int

const (
	KindPrice Kind = iota + 1
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindPrice:
		return "price"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Record: разобранная строка стрима, *PriceUpdate или *Heartbeat.
type Record interface {
	Kind() Kind
	// EventTime: время брокера в наносекундах от Unix epoch.
	EventTime() int64
	isRecord()
}

// LevelQuote: один ценовой уровень стороны стакана.
type LevelQuote struct {
	Liquidity uint64
	Price     string
}

// PriceUpdate: запись PRICE. Цены хранятся строками ровно как прислал брокер.
type PriceUpdate struct {
	Instrument  string
	Status      string
	Bids        []LevelQuote
	Asks        []LevelQuote
	CloseoutBid string
	CloseoutAsk string
	Time        int64
}

func (*PriceUpdate) Kind() Kind { return KindPrice }

func (p *PriceUpdate) EventTime() int64 { return p.Time }

func (*PriceUpdate) isRecord() {}

// BestBid: цена верхнего уровня bid.
func (p *PriceUpdate) BestBid() (decimal.Decimal, error) {
	return topOfBook(p.Bids, "bids")
}

// BestAsk: цена верхнего уровня ask.
func (p *PriceUpdate) BestAsk() (decimal.Decimal, error) {
	return topOfBook(p.Asks, "asks")
}

// Spread = BestAsk - BestBid, без плавающей точки.
func (p *PriceUpdate) Spread() (decimal.Decimal, error) {
	bid, err := p.BestBid()
	if err != nil {
		return decimal.Zero, err
	}
	ask, err := p.BestAsk()
	if err != nil {
		return decimal.Zero, err
	}
	return ask.Sub(bid), nil
}

func topOfBook(levels []LevelQuote, side string) (decimal.Decimal, error) {
	if len(levels) == 0 {
		return decimal.Zero, fmt.Errorf("model: %s side is empty", side)
	}
	d, err := decimal.NewFromString(levels[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("model: %s[0].price %q: %w", side, levels[0].Price, err)
	}
	return d, nil
}

// Heartbeat: запись-пульс без цен.
type Heartbeat struct {
	Type string
	Time int64
}

func (*Heartbeat) Kind() Kind { return KindHeartbeat }

func (h *Heartbeat) EventTime() int64 { return h.Time }

func (*Heartbeat) isRecord() {}
