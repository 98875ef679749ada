package kliko

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Credentials identify one Kliko account on one municipal host.
type Credentials struct {
	CardNumber string
	Password   string
	Host       string
	ClientName string
	App        string
}

// Fraction is a waste stream category as reported by the service.
type Fraction struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

// Entry is one `[fractionId, flag]` pair of a collection day. A null entry
// decodes to a nil slice. Only the first element is interpreted.
type Entry []json.RawMessage

// FractionID returns the first element as an integer. 7, "7" and 7.0 are
// accepted.
func (e Entry) FractionID() (int, error) {
	if len(e) == 0 {
		return 0, errors.New("empty entry")
	}
	var n json.Number
	if err := json.Unmarshal(e[0], &n); err != nil {
		return 0, fmt.Errorf("fraction id %s: %w", e[0], err)
	}
	id, err := ParseID(n)
	if err != nil {
		return 0, fmt.Errorf("fraction id %s: %w", e[0], err)
	}
	return id, nil
}

// ParseID reads an integer id. A float with no fractional part counts as
// an integer.
func ParseID(n json.Number) (int, error) {
	if id, err := n.Int64(); err == nil {
		return int(id), nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, fmt.Errorf("not an integer: %s", n)
	}
	return int(f), nil
}

// DayEntries holds the entries of one date string, in response order.
type DayEntries struct {
	Date    string
	Entries []Entry
}

// Dates is the `dates` object of the calendar response. The JSON object is
// decoded into a slice so the response order survives.
type Dates []DayEntries

// UnmarshalJSON decodes a JSON object of date → entries, keeping key order.
// A JSON null or an empty array (how PHP encodes an empty map) decodes to
// an empty list.
func (d *Dates) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*d = nil
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return fmt.Errorf("dates: %w", err)
		}
		if len(list) > 0 {
			return errors.New("dates: expected object, got non-empty array")
		}
		*d = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("dates: expected object, got %v", tok)
	}

	out := make(Dates, 0)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("dates: unexpected key %v", tok)
		}
		var entries []Entry
		if err := dec.Decode(&entries); err != nil {
			return fmt.Errorf("dates[%s]: %w", key, err)
		}
		out = append(out, DayEntries{Date: key, Entries: entries})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*d = out
	return nil
}

// CalendarResponse is the decoded getMyWasteCalendar response.
type CalendarResponse struct {
	Dates     Dates      `json:"dates"`
	Fractions []Fraction `json:"fractions"`
}

// Address is the postal address attached to a card.
type Address struct {
	Street       string `json:"street"`
	StreetNumber string `json:"streetNumber"`
	ZipCode      string `json:"zipCode"`
}

// CardDetails is the subset of the account config the service returns on login.
type CardDetails struct {
	Address Address `json:"address"`
}

// AccountConfig is the `config` object of a login response.
type AccountConfig struct {
	CardDetails CardDetails `json:"cardDetails"`
}

// LoginResult is the outcome of a successful login. Token must not be
// logged or persisted.
type LoginResult struct {
	Token  string
	Config AccountConfig
}

// loginResponse is the raw login body. Success is kept raw because the
// service has been seen to send it as a bool or as a number.
type loginResponse struct {
	Success json.RawMessage `json:"success"`
	Token   *string         `json:"token"`
	Config  json.RawMessage `json:"config"`
}

// truthy follows the usual JSON truthiness: false, 0, "", null and missing
// are all false.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case nil:
		return false
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return false
	}
}

func decodeAccountConfig(raw json.RawMessage) AccountConfig {
	var cfg AccountConfig
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg
	}
	// The config object is informational; a shape mismatch must not fail login.
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AccountConfig{}
	}
	return cfg
}

var errMissingKey = errors.New("response is missing a required key")
