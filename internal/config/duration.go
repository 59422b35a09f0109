package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration decodes a JSON duration written either as a Go duration string
// ("12s", "500ms") or as integer nanoseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

func (c *ServerConfig) UnmarshalJSON(data []byte) error {
	type plain ServerConfig
	aux := struct {
		*plain
		ReadTimeout  *Duration `json:"read_timeout"`
		WriteTimeout *Duration `json:"write_timeout"`
	}{
		plain:        (*plain)(c),
		ReadTimeout:  (*Duration)(&c.ReadTimeout),
		WriteTimeout: (*Duration)(&c.WriteTimeout),
	}
	return json.Unmarshal(data, &aux)
}

func (c *LedgerConfig) UnmarshalJSON(data []byte) error {
	type plain LedgerConfig
	aux := struct {
		*plain
		ProbeTimeout *Duration `json:"probe_timeout"`
		ReceiptPoll  *Duration `json:"receipt_poll"`
	}{
		plain:        (*plain)(c),
		ProbeTimeout: (*Duration)(&c.ProbeTimeout),
		ReceiptPoll:  (*Duration)(&c.ReceiptPoll),
	}
	return json.Unmarshal(data, &aux)
}

func (c *RefreshConfig) UnmarshalJSON(data []byte) error {
	type plain RefreshConfig
	aux := struct {
		*plain
		Interval    *Duration `json:"interval"`
		MinInterval *Duration `json:"min_interval"`
	}{
		plain:       (*plain)(c),
		Interval:    (*Duration)(&c.Interval),
		MinInterval: (*Duration)(&c.MinInterval),
	}
	return json.Unmarshal(data, &aux)
}
