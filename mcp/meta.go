package mcp

import (
	"encoding/json"
	"fmt"

	toll "github.com/tollware/toll-go"
)

// ExtractPayment pulls the signed payment out of a request's _meta map.
// A nil meta, or one without a payment entry, returns (nil, nil): absence is
// a challenge condition for the seller, not a decode failure. An entry that
// does not decode into a structurally valid payload fails with
// ErrMalformedMeta.
func ExtractPayment(meta map[string]any) (*toll.PaymentPayload, error) {
	raw, ok := meta[MetaKeyPayment]
	if !ok || raw == nil {
		return nil, nil
	}

	// The entry arrives as whatever the JSON layer produced, usually
	// map[string]any. Round-trip through JSON to type it.
	blob, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}

	var payment toll.PaymentPayload
	if err := json.Unmarshal(blob, &payment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}
	if err := payment.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}
	return &payment, nil
}

// InjectPayment returns a copy of a request's params with the payment stored
// under MetaKeyPayment in _meta. Existing params fields and metadata entries
// are preserved; nil params become an object holding only the metadata.
// Params must be a JSON object, anything else cannot carry _meta.
func InjectPayment(params any, payment *toll.PaymentPayload) (map[string]any, error) {
	out := map[string]any{}
	if params != nil {
		blob, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("params cannot carry payment metadata: %w", err)
		}
		if err := json.Unmarshal(blob, &out); err != nil {
			return nil, fmt.Errorf("params cannot carry payment metadata: %w", err)
		}
	}

	entry, err := toMetaEntry(payment)
	if err != nil {
		return nil, err
	}

	meta, _ := out["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[MetaKeyPayment] = entry
	out["_meta"] = meta
	return out, nil
}

// InjectSettlement stores the settlement receipt under
// MetaKeyPaymentResponse in a tool result's _meta, creating _meta when the
// result has none. The result map is modified in place.
func InjectSettlement(result map[string]any, settlement *toll.SettleResult) error {
	entry, err := toMetaEntry(settlement)
	if err != nil {
		return err
	}

	meta, _ := result["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta[MetaKeyPaymentResponse] = entry
	result["_meta"] = meta
	return nil
}

// ExtractSettlement pulls the settlement receipt out of a tool result of any
// JSON shape. A result without one returns (nil, nil); a receipt that does
// not decode, or that names no network, fails with ErrMalformedMeta.
func ExtractSettlement(result any) (*toll.SettleResult, error) {
	if result == nil {
		return nil, nil
	}

	blob, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}

	var wrapper struct {
		Meta map[string]any `json:"_meta"`
	}
	if err := json.Unmarshal(blob, &wrapper); err != nil {
		// Results that are not JSON objects carry no metadata.
		return nil, nil
	}

	raw, ok := wrapper.Meta[MetaKeyPaymentResponse]
	if !ok || raw == nil {
		return nil, nil
	}

	entryJSON, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}

	var settlement toll.SettleResult
	if err := json.Unmarshal(entryJSON, &settlement); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}
	if settlement.Network == "" {
		return nil, fmt.Errorf("%w: settlement missing network", ErrMalformedMeta)
	}
	return &settlement, nil
}

// toMetaEntry converts a payload or receipt struct into the plain map shape
// metadata entries are stored as, so re-marshaling a request or result never
// depends on this package's types.
func toMetaEntry(v any) (map[string]any, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}
	entry := map[string]any{}
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMeta, err)
	}
	return entry, nil
}
