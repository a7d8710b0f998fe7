package prescription

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Quantity is the dispensed amount as written by the prescriber, e.g. "21"
// or "2 caixas". Clients may send it as a JSON number or string.
type Quantity string

func (q *Quantity) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*q = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("quantity must be a number or a string: %w", err)
	}
	*q = Quantity(n.String())
	return nil
}
