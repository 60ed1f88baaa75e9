package metrics

import "strings"

// statusLabels maps ups.status flags to human-readable labels.
var statusLabels = map[string]string{
	"OL":      "Online",
	"OB":      "On Battery",
	"LB":      "Low Battery",
	"HB":      "High Battery",
	"RB":      "Replace Battery",
	"CHRG":    "Charging",
	"DISCHRG": "Discharging",
	"BYPASS":  "Bypass",
	"CAL":     "Calibrating",
	"OFF":     "Offline",
	"OVER":    "Overloaded",
	"TRIM":    "Trimming",
	"BOOST":   "Boosting",
	"FSD":     "Forced Shutdown",
}

// Status is a parsed ups.status value: a space-separated set of flags.
type Status []string

// ParseStatus splits raw into flags.
func ParseStatus(raw string) Status {
	return Status(strings.Fields(raw))
}

// Has reports whether flag is set.
func (s Status) Has(flag string) bool {
	for _, f := range s {
		if f == flag {
			return true
		}
	}
	return false
}

// Display joins the labels of every flag; unknown flags are shown as-is.
func (s Status) Display() string {
	labels := make([]string, 0, len(s))
	for _, f := range s {
		if l, ok := statusLabels[f]; ok {
			labels = append(labels, l)
		} else {
			labels = append(labels, f)
		}
	}
	return strings.Join(labels, ", ")
}
