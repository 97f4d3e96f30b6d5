// Package uartjson speaks the sensor board's line protocol: one JSON
// object per newline, either a status report with sensor readings or a
// command. Framing retries and the physical UART are outside this
// package, it only encodes and decodes.
package uartjson

import (
	"encoding/json"

	"github.com/juju/errors"
)

const (
	TypeStatus  = "status"
	TypeCommand = "command"
)

type Sensors struct {
	TempC   *float64 `json:"temp_c"`
	TempF   *float64 `json:"temp_f"`
	PH      *float64 `json:"ph,omitempty"`
	RTDMode string   `json:"rtd_mode"`
}

type Status struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Sensors   Sensors `json:"sensors"`
}

type Command struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	Cmd    string                 `json:"cmd"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Decode parses one line into *Status or *Command based on the type tag.
func Decode(line []byte) (interface{}, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return nil, errors.Annotate(err, "uartjson decode")
	}
	switch probe.Type {
	case TypeStatus:
		s := new(Status)
		if err := json.Unmarshal(line, s); err != nil {
			return nil, errors.Annotate(err, "uartjson status")
		}
		return s, nil
	case TypeCommand:
		c := new(Command)
		if err := json.Unmarshal(line, c); err != nil {
			return nil, errors.Annotate(err, "uartjson command")
		}
		return c, nil
	default:
		return nil, errors.Errorf("uartjson: unknown type %q", probe.Type)
	}
}

// Encode renders one message with the newline delimiter.
func Encode(msg interface{}) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Annotate(err, "uartjson encode")
	}
	return append(b, '\n'), nil
}
