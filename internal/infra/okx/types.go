package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"coinbar/internal/domain"
)

const (
	// ChannelTickers is the public ticker channel.
	ChannelTickers = "tickers"

	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// ChannelArg identifies one channel/instrument pair in a control message.
type ChannelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// WSRequest is a subscribe/unsubscribe control message.
type WSRequest struct {
	Op   string       `json:"op"`
	Args []ChannelArg `json:"args"`
}

// NewTickerRequest builds a control message for the tickers channel.
func NewTickerRequest(op string, instIDs ...string) WSRequest {
	args := make([]ChannelArg, 0, len(instIDs))
	for _, id := range instIDs {
		args = append(args, ChannelArg{Channel: ChannelTickers, InstID: id})
	}
	return WSRequest{Op: op, Args: args}
}

// wsFrame is the inbound frame envelope. Event frames are acks and
// errors; data frames carry ticker entries.
type wsFrame struct {
	Event string       `json:"event"`
	Code  string       `json:"code"`
	Msg   string       `json:"msg"`
	Arg   ChannelArg   `json:"arg"`
	Data  []Ticker     `json:"data"`
}

// Ticker is one instrument's market snapshot as the exchange sends it.
// All numeric fields arrive as strings.
type Ticker struct {
	InstID           string `json:"instId"`
	Last             string `json:"last"`
	High24h          string `json:"high24h"`
	Low24h           string `json:"low24h"`
	Open24h          string `json:"open24h"`
	SodUtc0          string `json:"sodUtc0"`
	SodUtc8          string `json:"sodUtc8"`
	ChangePercentage string `json:"changePercentage"`
	Chg24h           string `json:"chg24h"`
}

// LastPrice returns the last traded price, or 0 if unparsable.
func (t Ticker) LastPrice() float64 {
	return parseFloat(t.Last)
}

// HighPrice returns the 24h high, or 0 when absent.
func (t Ticker) HighPrice() float64 { return parseFloat(t.High24h) }

// LowPrice returns the 24h low, or 0 when absent.
func (t Ticker) LowPrice() float64 { return parseFloat(t.Low24h) }

// OpenPriceUtc0 returns the UTC+0 session open, or 0 when absent.
func (t Ticker) OpenPriceUtc0() float64 { return parseFloat(t.SodUtc0) }

// OpenPriceUtc8 returns the UTC+8 session open, or 0 when absent.
func (t Ticker) OpenPriceUtc8() float64 { return parseFloat(t.SodUtc8) }

// ChangePercent24h resolves the 24h percent change using the fallback
// chain: explicit percent field (trailing "%" stripped), then the
// absolute 24h change amount over the current price, then the 24h open.
// Returns 0 when none are derivable.
func (t Ticker) ChangePercent24h() float64 {
	if t.ChangePercentage != "" {
		s := strings.TrimSuffix(strings.TrimSpace(t.ChangePercentage), "%")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}

	last := parseFloat(t.Last)
	if t.Chg24h != "" && last > 0 {
		if chg := parseFloat(t.Chg24h); chg != 0 {
			return chg / last * 100
		}
	}

	if open := parseFloat(t.Open24h); open > 0 && last > 0 {
		return (last - open) / open * 100
	}

	return 0
}

// ParseTickerFrame classifies an inbound frame. Droppable frames
// (heartbeat acks, subscribe acks, empty payloads) return (nil, nil);
// stream-reported errors and malformed JSON return an error. Only frames
// with ticker entries return data.
func ParseTickerFrame(msg []byte) ([]Ticker, error) {
	if len(msg) == 0 {
		return nil, nil
	}
	if string(msg) == "pong" {
		return nil, nil
	}

	var f wsFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	if f.Event == "error" {
		return nil, fmt.Errorf("stream error %s: %s", f.Code, f.Msg)
	}
	if f.Event != "" {
		// subscribe/unsubscribe acknowledgement
		return nil, nil
	}
	if len(f.Data) == 0 && f.Arg.InstID == "" {
		return nil, nil
	}

	return f.Data, nil
}

// InstTypeParam maps a domain instrument type to the REST instType value.
func InstTypeParam(t domain.InstrumentType) string {
	switch t {
	case domain.TypePerpetual:
		return "SWAP"
	case domain.TypeFutures:
		return "FUTURES"
	case domain.TypeOption:
		return "OPTION"
	default:
		return "SPOT"
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
