package live

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/cases"

	"github.com/example/slot-scheduler/internal/domain/reservation"
)

const appMarker = "var app="

var ErrNoScheduleData = errors.New("schedule page carries no slot data")

// Messages the booking form answers with.
var (
	tooEarlyMarkers = [][]byte{
		[]byte("Reservations cannot be made more than 24 hours in advance"),
	}
	alreadyBookedMarkers = [][]byte{
		[]byte("You cannot put more than 1 reservation on the same day"),
		[]byte("Only one reservation allowed per slot"),
	}
)

// scheduleData returns the JSON slot array embedded in the schedule page.
func scheduleData(page []byte) ([]byte, error) {
	sc := bufio.NewScanner(bytes.NewReader(page))
	sc.Buffer(make([]byte, 0, 64*1024), maxBody)
	for sc.Scan() {
		line := sc.Bytes()
		i := bytes.Index(line, []byte(appMarker))
		if i < 0 {
			continue
		}
		raw := bytes.TrimSpace(line[i+len(appMarker):])
		raw = bytes.TrimRight(raw, ";")
		return append([]byte(nil), raw...), nil
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNoScheduleData
}

// parseSlots decodes the positional slot rows: [start, end, id, capacity,
// booked, _, _, title, description, ...] with unix second timestamps. Only
// slots whose title contains one of keywords and that start after now are kept.
func parseSlots(raw []byte, keywords []string, now time.Time) ([]reservation.Slot, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode slot feed: %w", err)
	}

	folded := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			folded = append(folded, cases.Fold().String(k))
		}
	}

	out := make([]reservation.Slot, 0, len(rows))
	for i, row := range rows {
		if len(row) < 9 {
			return nil, fmt.Errorf("slot row %d: want at least 9 fields, got %d", i, len(row))
		}
		var (
			start, end, id, capacity, booked int64
			title, description               string
		)
		for _, f := range []struct {
			dst any
			idx int
		}{
			{&start, 0}, {&end, 1}, {&id, 2}, {&capacity, 3}, {&booked, 4}, {&title, 7}, {&description, 8},
		} {
			if err := json.Unmarshal(row[f.idx], f.dst); err != nil {
				return nil, fmt.Errorf("slot row %d field %d: %w", i, f.idx, err)
			}
		}

		s := reservation.Slot{
			ID:          id,
			Start:       time.Unix(start, 0).UTC(),
			End:         time.Unix(end, 0).UTC(),
			Capacity:    capacity,
			Booked:      booked,
			Title:       title,
			Description: description,
		}
		if !s.Start.After(now) || !titleMatches(title, folded) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func titleMatches(title string, folded []string) bool {
	t := cases.Fold().String(title)
	for _, k := range folded {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// classifyBooking maps the booking form response to an outcome. The site
// answers a successful booking with a 404 page.
func classifyBooking(status int, body []byte) reservation.Outcome {
	for _, m := range tooEarlyMarkers {
		if bytes.Contains(body, m) {
			return reservation.OutcomeTooEarly
		}
	}
	for _, m := range alreadyBookedMarkers {
		if bytes.Contains(body, m) {
			return reservation.OutcomeAlreadyBooked
		}
	}
	if status == http.StatusNotFound {
		return reservation.OutcomeOK
	}
	return reservation.OutcomeError
}

// agendaOutcome looks for the agenda row of slotID. A row carrying a waitlist
// badge is Waitlisted, a plain row is OK and no row at all is Error.
func agendaOutcome(page []byte, slotID int64) (reservation.Outcome, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse agenda: %w", err)
	}
	row := find(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Tr && attr(n, "id") == "c"+strconv.FormatInt(slotID, 10)
	})
	if row == nil {
		return reservation.OutcomeError, nil
	}
	badge := find(row, func(n *html.Node) bool {
		return n.DataAtom == atom.Span && hasClass(n, "wl") && hasClass(n, "pad")
	})
	if badge != nil {
		return reservation.OutcomeWaitlisted, nil
	}
	return reservation.OutcomeOK, nil
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if got := find(c, match); got != nil {
			return got
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
