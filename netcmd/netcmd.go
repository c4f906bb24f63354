/*Package netcmd parses the text commands sent by the experiment controller
and dispatches them to a waveform generator.

Messages look like cmd=arg, optionally framed by '#' characters, which are
ignored:

	rearrange=0110101
	set_data=[0, 1, 'freq_amp', 0.4, 2]
	set_data=[[0, 1, 'start_freq_MHz', 100.5, 0], [0, 2, 'start_freq_MHz', 100.5, 0]]
	load=C:/params/awg1.yml
	save=C:/params/awg1.yml
	trigger=

The command is recognized by substring, so "#rearrange_AWG1=..." is a
rearrange command.
*/
package netcmd

import (
	"fmt"
	"strings"

	"github.com/tweezerlab/awg/controller"
	"github.com/tweezerlab/awg/fault"

	yaml "gopkg.in/yaml.v2"
)

// Kind enumerates the commands understood over the link
type Kind int

const (
	// Rearrange resolves an occupancy report
	Rearrange Kind = iota + 1
	// SetData applies a batch of parameter updates and sends them
	SetData
	// Load applies a parameter file
	Load
	// Save writes the parameter file
	Save
	// Trigger forces a software trigger
	Trigger
)

func (k Kind) String() string {
	switch k {
	case Rearrange:
		return "rearrange"
	case SetData:
		return "set_data"
	case Load:
		return "load"
	case Save:
		return "save"
	case Trigger:
		return "trigger"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// matched in this order, the first substring hit wins
var kinds = []Kind{Rearrange, SetData, Load, Save, Trigger}

// Command is one parsed message
type Command struct {
	Kind Kind

	// Arg is the raw argument
	Arg string

	// Updates holds the parsed batch of a SetData command
	Updates []controller.Update
}

// Parse parses one message
func Parse(msg string) (Command, error) {
	const op = "netcmd.Parse"
	msg = strings.TrimSpace(strings.ReplaceAll(msg, "#", ""))
	name, arg, ok := strings.Cut(msg, "=")
	if !ok {
		return Command{}, fault.Validationf(op, "could not parse message %q, no '='", msg)
	}
	arg = strings.TrimSpace(arg)
	for _, k := range kinds {
		if !strings.Contains(name, k.String()) {
			continue
		}
		cmd := Command{Kind: k, Arg: arg}
		switch k {
		case Rearrange:
			if strings.Trim(arg, "01") != "" {
				return Command{}, fault.Validationf(op, "invalid rearrangement string %q", arg)
			}
		case SetData:
			u, err := ParseUpdates(arg)
			if err != nil {
				return Command{}, err
			}
			cmd.Updates = u
		case Load, Save:
			if arg == "" {
				return Command{}, fault.Validationf(op, "%s needs a file name", k)
			}
		}
		return cmd, nil
	}
	return Command{}, fault.Validationf(op, "command %q not recognised", name)
}

// ParseUpdates parses the argument of set_data, a list
// [channel, segment, 'param', value, tone] or a list of them.  The tone may
// be omitted or None to change every tone.
func ParseUpdates(arg string) ([]controller.Update, error) {
	const op = "netcmd.ParseUpdates"
	// the argument is a flow sequence, single and double quotes both work
	var raw []interface{}
	if err := yaml.Unmarshal([]byte(arg), &raw); err != nil {
		return nil, fault.Validationf(op, "data string %q is not a list: %v", arg, err)
	}
	if len(raw) == 0 {
		return nil, fault.Validationf(op, "empty data string")
	}
	if _, nested := raw[0].([]interface{}); !nested {
		raw = []interface{}{raw}
	}
	out := make([]controller.Update, 0, len(raw))
	for i, r := range raw {
		l, ok := r.([]interface{})
		if !ok {
			return nil, fault.Validationf(op, "item %d of %q is not a list", i, arg)
		}
		u, err := update(l)
		if err != nil {
			return nil, fault.Validationf(op, "item %d of %q: %v", i, arg, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func update(l []interface{}) (controller.Update, error) {
	var u controller.Update
	if len(l) < 4 || len(l) > 5 {
		return u, fmt.Errorf("want [channel, segment, param, value, tone], got %d elements", len(l))
	}
	var err error
	if u.Channel, err = asInt(l[0]); err != nil {
		return u, fmt.Errorf("channel: %w", err)
	}
	if u.Segment, err = asInt(l[1]); err != nil {
		return u, fmt.Errorf("segment: %w", err)
	}
	p, ok := l[2].(string)
	if !ok {
		return u, fmt.Errorf("param name %v must be quoted", l[2])
	}
	u.Param = p
	switch v := l[3].(type) {
	case string:
		u.Text = v
	default:
		if u.Value, err = asFloat(v); err != nil {
			return u, fmt.Errorf("value: %w", err)
		}
	}
	u.Tone = -1
	if len(l) == 5 && !isNone(l[4]) {
		if u.Tone, err = asInt(l[4]); err != nil {
			return u, fmt.Errorf("tone: %w", err)
		}
	}
	return u, nil
}

func isNone(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == "None"
}

func asInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case float64:
		if x == float64(int(x)) {
			return int(x), nil
		}
	}
	return 0, fmt.Errorf("%v is not an integer", v)
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int:
		return float64(x), nil
	case float64:
		return x, nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}
