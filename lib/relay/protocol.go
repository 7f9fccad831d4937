package relay

import (
	"encoding/json"
	"fmt"
)

// Relay protocol labels.
const (
	labelEvent  = "EVENT"
	labelReq    = "REQ"
	labelClose  = "CLOSE"
	labelOK     = "OK"
	labelEOSE   = "EOSE"
	labelNotice = "NOTICE"
	labelClosed = "CLOSED"
)

// relayMessage is one decoded relay-to-client frame. Which fields are set
// depends on Label.
type relayMessage struct {
	Label   string
	SubID   string
	Event   *Envelope
	EventID string
	OK      bool
	Message string
}

func eventFrame(e *Envelope) []any {
	return []any{labelEvent, e}
}

func reqFrame(subID string, filters []Filter) []any {
	frame := make([]any, 0, len(filters)+2)
	frame = append(frame, labelReq, subID)
	for _, f := range filters {
		frame = append(frame, f)
	}
	return frame
}

func closeFrame(subID string) []any {
	return []any{labelClose, subID}
}

func parseRelayMessage(data []byte) (*relayMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("relay frame is not a JSON array: %w", err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty relay frame")
	}
	m := &relayMessage{}
	if err := json.Unmarshal(parts[0], &m.Label); err != nil {
		return nil, fmt.Errorf("relay frame label: %w", err)
	}

	need := func(n int) error {
		if len(parts) < n {
			return fmt.Errorf("%s frame has %d elements, need %d", m.Label, len(parts), n)
		}
		return nil
	}

	switch m.Label {
	case labelEvent:
		if err := need(3); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[1], &m.SubID); err != nil {
			return nil, fmt.Errorf("EVENT subscription id: %w", err)
		}
		m.Event = &Envelope{}
		if err := json.Unmarshal(parts[2], m.Event); err != nil {
			return nil, fmt.Errorf("EVENT body: %w", err)
		}
	case labelOK:
		if err := need(3); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[1], &m.EventID); err != nil {
			return nil, fmt.Errorf("OK event id: %w", err)
		}
		if err := json.Unmarshal(parts[2], &m.OK); err != nil {
			return nil, fmt.Errorf("OK status: %w", err)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &m.Message)
		}
	case labelEOSE:
		if err := need(2); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[1], &m.SubID); err != nil {
			return nil, fmt.Errorf("EOSE subscription id: %w", err)
		}
	case labelClosed:
		if err := need(2); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[1], &m.SubID); err != nil {
			return nil, fmt.Errorf("CLOSED subscription id: %w", err)
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &m.Message)
		}
	case labelNotice:
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &m.Message)
		}
	default:
		return nil, fmt.Errorf("unknown relay frame %q", m.Label)
	}
	return m, nil
}
