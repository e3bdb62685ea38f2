package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"

	"github.com/masurp/travelgram-tracking/internal/event"
)

// csvHeader is the fixed column set of every CSV export.
var csvHeader = []string{
	"timestamp", "action", "username", "postId", "postOwner",
	"text", "condition", "contentUrl", "participantId",
}

// conditionCell renders the condition column: strings pass through,
// structured values are JSON-stringified, absent values are empty.
func conditionCell(v any) (string, error) {
	switch c := v.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return "", fmt.Errorf("encode condition: %w", err)
		}
		return string(data), nil
	}
}

// encodeCSV serializes events into the fixed-header CSV layout. Quoting
// and escaping follow RFC 4180 via encoding/csv, so values containing
// commas or double quotes round-trip through any standard parser.
func encodeCSV(events []event.Event) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, ev := range events {
		cond, err := conditionCell(ev.Condition)
		if err != nil {
			return nil, err
		}
		row := []string{
			ev.Timestamp, ev.Action, ev.Username, ev.PostID, ev.PostOwner,
			ev.Text, cond, ev.ContentURL, ev.ParticipantID,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
