// Package ingest receives provider event batches, classifies and projects
// them into normalized records, and writes them to destination databases.
package ingest

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RawEvent is the subset of a Helius enhanced transaction the pipeline
// inspects. The full payload is carried alongside as raw JSON; unknown
// fields are ignored rather than rejected.
type RawEvent struct {
	Signature string     `json:"signature"`
	BlockTime int64      `json:"blockTime"`
	Slot      int64      `json:"slot"`
	Type      string     `json:"type"`
	Source    string     `json:"source"`
	Events    *EventData `json:"events,omitempty"`
}

// EventData holds provider-classified sub-events.
type EventData struct {
	Swap *SwapEvent `json:"swap,omitempty"`
}

// SwapEvent carries the input and output legs of a swap. Native legs and
// token legs arrive in separate fields.
type SwapEvent struct {
	NativeInput  *SwapLeg  `json:"nativeInput,omitempty"`
	NativeOutput *SwapLeg  `json:"nativeOutput,omitempty"`
	TokenInputs  []SwapLeg `json:"tokenInputs,omitempty"`
	TokenOutputs []SwapLeg `json:"tokenOutputs,omitempty"`
	Source       string    `json:"source,omitempty"`
}

// SwapLeg is one side of a swap: a mint, an amount in base units, and the
// token's display metadata.
type SwapLeg struct {
	Mint     string     `json:"mint"`
	Amount   FlexNumber `json:"amount"`
	Symbol   string     `json:"symbol"`
	Decimals int        `json:"decimals"`
}

// rawTokenAmount is the nested amount object token legs carry on some
// provider payloads in place of a flat amount field.
type rawTokenAmount struct {
	TokenAmount FlexNumber `json:"tokenAmount"`
	Decimals    int        `json:"decimals"`
}

// UnmarshalJSON accepts the flat amount field and falls back to
// tokenAmount or the nested rawTokenAmount object when it is absent.
func (l *SwapLeg) UnmarshalJSON(data []byte) error {
	type legAlias SwapLeg
	aux := struct {
		*legAlias
		TokenAmount    FlexNumber      `json:"tokenAmount"`
		RawTokenAmount *rawTokenAmount `json:"rawTokenAmount"`
	}{legAlias: (*legAlias)(l)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if l.Amount == 0 {
		switch {
		case aux.RawTokenAmount != nil:
			l.Amount = aux.RawTokenAmount.TokenAmount
			if l.Decimals == 0 {
				l.Decimals = aux.RawTokenAmount.Decimals
			}
		case aux.TokenAmount != 0:
			l.Amount = aux.TokenAmount
		}
	}
	return nil
}

// FlexNumber decodes a JSON number that some providers emit as a quoted
// string. Base-unit amounts can exceed float32 range but fit float64 for
// every token precision in practice.
type FlexNumber float64

func (f *FlexNumber) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = FlexNumber(v)
	return nil
}

func (f FlexNumber) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(f))
}
