// Package attendance keeps the live list of recent check-ins shown at the
// front desk: a bounded, newest-first, duplicate-free projection of the
// attendance table.
package attendance

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

const (
	// Table is the source collection of check-ins.
	Table = "attendance"

	// RecentColumns is the projection shared by the list and single-row fetches.
	RecentColumns = "id, member_id, created_at, acceso_permitido, members(nombre, apellido, dni)"

	UnknownMember = "Socio desconocido"

	StatusActive       = "activo"
	StatusExpired      = "vencido"
	StatusLabelActive  = "Al día"
	StatusLabelExpired = "Vencido"
)

// RecentItem is a display-ready check-in.
type RecentItem struct {
	ID          string `json:"id"`
	MemberID    string `json:"memberId"`
	Name        string `json:"name"`
	DNI         string `json:"dni"`
	Time        string `json:"time"`
	Status      string `json:"status"`
	StatusLabel string `json:"statusLabel"`
}

// Row is an attendance row with the joined member.
type Row struct {
	ID              Text    `json:"id"`
	MemberID        Text    `json:"member_id"`
	CreatedAt       string  `json:"created_at"`
	AccesoPermitido bool    `json:"acceso_permitido"`
	Member          *Member `json:"members"`
}

// Member is the member reference data embedded in a Row.
type Member struct {
	Nombre   string `json:"nombre"`
	Apellido string `json:"apellido"`
	DNI      Text   `json:"dni"`
}

// Text accepts a JSON string or number. Keys and DNIs come back as either
// depending on the column type.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

// Project maps a row to its display form. now and loc decide whether the
// check-in happened today.
func Project(r Row, now time.Time, loc *time.Location) RecentItem {
	item := RecentItem{
		ID:          string(r.ID),
		MemberID:    string(r.MemberID),
		Name:        UnknownMember,
		DNI:         "-",
		Time:        FormatTime(r.CreatedAt, now, loc),
		Status:      StatusExpired,
		StatusLabel: StatusLabelExpired,
	}
	if r.Member != nil {
		item.Name = r.Member.Nombre + " " + r.Member.Apellido
		if r.Member.DNI != "" {
			item.DNI = string(r.Member.DNI)
		}
	}
	if r.AccesoPermitido {
		item.Status = StatusActive
		item.StatusLabel = StatusLabelActive
	}
	return item
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// FormatTime renders "15:04" for timestamps on now's day and "02/01 15:04"
// otherwise, both in loc. Empty or unparseable input renders "-".
func FormatTime(ts string, now time.Time, loc *time.Location) string {
	ts = strings.TrimSpace(ts)
	if ts == "" {
		return "-"
	}
	if loc == nil {
		loc = time.Local
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		var perr error
		for _, layout := range localLayouts {
			if t, perr = time.ParseInLocation(layout, ts, loc); perr == nil {
				break
			}
		}
		if perr != nil {
			return "-"
		}
	}

	t = t.In(loc)
	now = now.In(loc)
	ty, tm, td := t.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return t.Format("15:04")
	}
	return t.Format("02/01 15:04")
}
