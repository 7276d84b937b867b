package handlers

import "encoding/json"

// amountField accepts a JSON number or a JSON string, preserving the
// exact textual form so the ledger can parse it as a decimal without
// a float round-trip.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	var num json.Number
	if err := json.Unmarshal(b, &num); err == nil {
		*a = amountField(num.String())
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*a = amountField(s)
	return nil
}

func (a amountField) String() string { return string(a) }
