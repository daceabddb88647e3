package polygon

import (
	"encoding/json"
	"fmt"
)

// FrameKind discriminates decoded streaming frames.
type FrameKind int

const (
	FrameStatus FrameKind = iota
	FrameTrade
	FrameQuote
	FrameAggregate
	FrameValue
)

// StatusFrame carries connection lifecycle and subscribe ack signals.
type StatusFrame struct {
	Ev      string `json:"ev"`
	Status  string `json:"status"`  // "connected", "auth_success", "auth_failed", "success", "error"
	Message string `json:"message"` // e.g. "subscribed to: T.AAPL"
}

// TradeFrame is one executed trade ("ev":"T").
type TradeFrame struct {
	Ev        string  `json:"ev"`
	Ticker    string  `json:"sym"`
	Price     float64 `json:"p"`
	Size      int64   `json:"s"`
	Timestamp int64   `json:"t"` // SIP timestamp, ms since epoch
}

// QuoteFrame is one NBBO update ("ev":"Q").
type QuoteFrame struct {
	Ev        string  `json:"ev"`
	Ticker    string  `json:"sym"`
	Bid       float64 `json:"bp"`
	BidSize   int64   `json:"bs"`
	Ask       float64 `json:"ap"`
	AskSize   int64   `json:"as"`
	Timestamp int64   `json:"t"`
}

// AggregateFrame is a pre-aggregated OHLCV bar ("ev":"A" per second,
// "ev":"AM" per minute).
type AggregateFrame struct {
	Ev     string  `json:"ev"`
	Ticker string  `json:"sym"`
	Volume float64 `json:"v"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Start  int64   `json:"s"` // bar start, ms since epoch
	End    int64   `json:"e"` // bar end, ms since epoch
}

// ValueFrame is an index value tick ("ev":"V").
type ValueFrame struct {
	Ev        string  `json:"ev"`
	Ticker    string  `json:"T"`
	Value     float64 `json:"val"`
	Timestamp int64   `json:"t"`
}

// Frame is the closed union of streaming frame kinds. Exactly the field
// matching Kind is non-nil.
type Frame struct {
	Kind      FrameKind
	Status    *StatusFrame
	Trade     *TradeFrame
	Quote     *QuoteFrame
	Aggregate *AggregateFrame
	Value     *ValueFrame
}

// DecodeFrames parses one inbound websocket message, a JSON array of event
// frames, classifying each by its "ev" discriminator. Unknown event types
// are dropped.
func DecodeFrames(msg []byte) ([]Frame, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(msg, &raws); err != nil {
		return nil, fmt.Errorf("decode frame array: %w", err)
	}

	frames := make([]Frame, 0, len(raws))
	for _, raw := range raws {
		var head struct {
			Ev string `json:"ev"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, fmt.Errorf("decode frame header: %w", err)
		}

		switch head.Ev {
		case "status":
			var f StatusFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode status frame: %w", err)
			}
			frames = append(frames, Frame{Kind: FrameStatus, Status: &f})
		case "T":
			var f TradeFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode trade frame: %w", err)
			}
			frames = append(frames, Frame{Kind: FrameTrade, Trade: &f})
		case "Q":
			var f QuoteFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode quote frame: %w", err)
			}
			frames = append(frames, Frame{Kind: FrameQuote, Quote: &f})
		case "A", "AM":
			var f AggregateFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode aggregate frame: %w", err)
			}
			frames = append(frames, Frame{Kind: FrameAggregate, Aggregate: &f})
		case "V":
			var f ValueFrame
			if err := json.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("decode value frame: %w", err)
			}
			frames = append(frames, Frame{Kind: FrameValue, Value: &f})
		}
	}
	return frames, nil
}

// controlMsg is the outbound subscribe/unsubscribe/auth command.
type controlMsg struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// pageEnvelope is the REST response envelope shared by all paginated
// endpoints.
type pageEnvelope struct {
	Status    string          `json:"status"` // must be "OK" (or "DELAYED" on deferred plans)
	RequestID string          `json:"request_id"`
	Count     int             `json:"count"`
	Results   json.RawMessage `json:"results"`
	NextURL   string          `json:"next_url"`
}

// AggregateResult is one historical OHLCV bar from /v2/aggs.
type AggregateResult struct {
	Timestamp int64   `json:"t"` // bar start, ms since epoch
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

// ContractResult is one option contract from /v3/reference/options/contracts.
type ContractResult struct {
	Ticker           string  `json:"ticker"` // e.g. "O:SPY230616C00415000"
	ContractType     string  `json:"contract_type"`
	ExerciseStyle    string  `json:"exercise_style"`
	ExpirationDate   string  `json:"expiration_date"` // yyyy-MM-dd
	StrikePrice      float64 `json:"strike_price"`
	UnderlyingTicker string  `json:"underlying_ticker"`
}

// SnapshotResult is one entry from the universal snapshot endpoint; only the
// fields the open-interest path consumes are mapped.
type SnapshotResult struct {
	Ticker       string  `json:"ticker"`
	OpenInterest float64 `json:"open_interest"`
}
