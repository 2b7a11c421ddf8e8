package ingest

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/solodyne/chainsink/internal/destination"
)

// nativeDecimals is the protocol-defined precision of SOL.
const nativeDecimals = 9

// nativeSymbol is used when a native leg carries no symbol of its own.
const nativeSymbol = "SOL"

var nativeMint = solana.SolMint.String()

// ExtractProgramInvocation projects a raw transaction into a program
// invocation row. Every event is accepted: signature defaults to
// "unknown" and the timestamp to now when the provider fields are absent
// or the payload does not parse.
func ExtractProgramInvocation(raw json.RawMessage) *destination.ProgramInvocationRow {
	row := &destination.ProgramInvocationRow{
		Signature: "unknown",
		Timestamp: time.Now().UTC(),
		Raw:       raw,
	}

	var event RawEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return row
	}
	if event.Signature != "" {
		row.Signature = event.Signature
	}
	if event.BlockTime > 0 {
		row.Timestamp = time.Unix(event.BlockTime, 0).UTC()
	}
	return row
}

// ExtractTokenPrice projects a raw transaction into a token price row, or
// returns nil when the event is not a relevant swap: wrong provider type,
// no tracked addresses configured, no swap payload, or neither leg's mint
// in the tracked set. Malformed payloads also yield nil, never an error.
func ExtractTokenPrice(raw json.RawMessage, trackedAddresses []string) *destination.TokenPriceRow {
	if len(trackedAddresses) == 0 {
		return nil
	}

	var event RawEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil
	}
	if event.Type != "SWAP" {
		return nil
	}
	if event.Events == nil || event.Events.Swap == nil {
		return nil
	}

	swap := event.Events.Swap
	in, inNative := resolveLeg(swap.NativeInput, swap.TokenInputs)
	out, outNative := resolveLeg(swap.NativeOutput, swap.TokenOutputs)
	if in == nil || out == nil {
		return nil
	}

	tracked := false
	for _, addr := range trackedAddresses {
		if addr == in.Mint || addr == out.Mint {
			tracked = true
			break
		}
	}
	if !tracked {
		return nil
	}

	price, label := swapPrice(in, inNative, out, outNative)

	timestamp := time.Now().UTC()
	if event.BlockTime > 0 {
		timestamp = time.Unix(event.BlockTime, 0).UTC()
	}

	amm := swap.Source
	if amm == "" {
		amm = event.Source
	}
	if amm == "" {
		amm = "unknown"
	}

	row := &destination.TokenPriceRow{
		Signature:      event.Signature,
		Timestamp:      timestamp,
		InTokenMint:    in.Mint,
		InTokenAmount:  float64(in.Amount),
		InTokenSymbol:  legSymbol(in, inNative),
		OutTokenMint:   out.Mint,
		OutTokenAmount: float64(out.Amount),
		OutTokenSymbol: legSymbol(out, outNative),
		Price:          price,
		PriceLabel:     label,
		AMM:            amm,
	}

	rawData, err := json.Marshal(struct {
		Transaction json.RawMessage            `json:"transaction"`
		SwapInfo    *destination.TokenPriceRow `json:"swapInfo"`
	}{Transaction: raw, SwapInfo: row})
	if err != nil {
		return nil
	}
	row.Raw = rawData

	return row
}

// resolveLeg picks the native leg when present, otherwise the first token
// leg. The second return reports whether the chosen leg is native.
func resolveLeg(native *SwapLeg, tokens []SwapLeg) (*SwapLeg, bool) {
	if native != nil {
		leg := *native
		if leg.Mint == "" {
			leg.Mint = nativeMint
		}
		return &leg, true
	}
	if len(tokens) > 0 {
		leg := tokens[0]
		return &leg, leg.Mint == nativeMint
	}
	return nil, false
}

func legSymbol(leg *SwapLeg, native bool) string {
	if leg.Symbol != "" {
		return leg.Symbol
	}
	if native {
		return nativeSymbol
	}
	return "UNKNOWN"
}

// swapPrice derives the price and its pair label. When the native asset is
// on one leg the price is the non-native amount over the native amount,
// with the native side always at 9 decimals; the label keeps swap
// direction, reading other/native when native was the input and
// native/other when native was the output. Token-to-token swaps price as
// output over input. A zero amount on either leg defines the price as 0.
func swapPrice(in *SwapLeg, inNative bool, out *SwapLeg, outNative bool) (float64, string) {
	adj := func(leg *SwapLeg, native bool) float64 {
		decimals := leg.Decimals
		if native {
			decimals = nativeDecimals
		}
		return float64(leg.Amount) / math.Pow(10, float64(decimals))
	}

	zero := in.Amount == 0 || out.Amount == 0

	switch {
	case inNative && !outNative:
		label := fmt.Sprintf("%s/%s", legSymbol(out, false), legSymbol(in, true))
		if zero {
			return 0, label
		}
		return adj(out, false) / adj(in, true), label
	case outNative && !inNative:
		label := fmt.Sprintf("%s/%s", legSymbol(out, true), legSymbol(in, false))
		if zero {
			return 0, label
		}
		return adj(in, false) / adj(out, true), label
	default:
		label := fmt.Sprintf("%s/%s", legSymbol(out, outNative), legSymbol(in, inNative))
		if zero {
			return 0, label
		}
		return adj(out, outNative) / adj(in, inNative), label
	}
}
