// Package metrics derives dashboard figures from a UPS's raw NUT variables.
// There is no I/O; every function is safe to call from any goroutine.
package metrics

import (
	"math"
	"strconv"
	"strings"
)

// Standard NUT variable names read by Compute.
const (
	VarBatteryCharge       = "battery.charge"
	VarBatteryRuntime      = "battery.runtime"
	VarInputVoltage        = "input.voltage"
	VarInputVoltageNominal = "input.voltage.nominal"
	VarUPSLoad             = "ups.load"
	VarUPSRealPower        = "ups.realpower"
	VarUPSRealPowerNominal = "ups.realpower.nominal"
	VarUPSStatus           = "ups.status"
)

// Metrics holds values derived from raw NUT variables.
//
// JSON tags are the wire names used by both the API and the MQTT
// computed/ topics. A new field needs an entry in AsTopicMap too.
type Metrics struct {
	LoadWatts                float64 `json:"load_watts"`
	BatteryChargePct         float64 `json:"battery_charge_pct"`
	BatteryRuntimeMins       float64 `json:"battery_runtime_mins"`
	BatteryRuntimeHours      float64 `json:"battery_runtime_hours"`
	OnBattery                bool    `json:"on_battery"`
	LowBattery               bool    `json:"low_battery"`
	ReplaceBattery           bool    `json:"replace_battery"`
	Overloaded               bool    `json:"overloaded"`
	StatusDisplay            string  `json:"status_display"`
	InputVoltageDeviationPct float64 `json:"input_voltage_deviation_pct"`
}

// AsTopicMap returns each metric as a topic-name → string-payload pair.
func (m Metrics) AsTopicMap() map[string]string {
	return map[string]string{
		"load_watts":                  formatFloat(m.LoadWatts),
		"battery_charge_pct":          formatFloat(m.BatteryChargePct),
		"battery_runtime_mins":        formatFloat(m.BatteryRuntimeMins),
		"battery_runtime_hours":       formatFloat(m.BatteryRuntimeHours),
		"on_battery":                  strconv.FormatBool(m.OnBattery),
		"low_battery":                 strconv.FormatBool(m.LowBattery),
		"replace_battery":             strconv.FormatBool(m.ReplaceBattery),
		"overloaded":                  strconv.FormatBool(m.Overloaded),
		"status_display":              m.StatusDisplay,
		"input_voltage_deviation_pct": formatFloat(m.InputVoltageDeviationPct),
	}
}

// Compute derives all metrics from vars. Missing or unparseable variables
// produce zero values.
func Compute(vars map[string]string) Metrics {
	status := ParseStatus(vars[VarUPSStatus])
	runtime, _ := parseFloat(vars[VarBatteryRuntime])
	charge, _ := parseFloat(vars[VarBatteryCharge])
	return Metrics{
		LoadWatts:                loadWatts(vars),
		BatteryChargePct:         charge,
		BatteryRuntimeMins:       round2(runtime / 60),
		BatteryRuntimeHours:      round2(runtime / 3600),
		OnBattery:                status.Has("OB"),
		LowBattery:               status.Has("LB"),
		ReplaceBattery:           status.Has("RB"),
		Overloaded:               status.Has("OVER"),
		StatusDisplay:            status.Display(),
		InputVoltageDeviationPct: inputVoltageDeviationPct(vars),
	}
}

// loadWatts prefers the measured real power and falls back to load
// percentage times nominal power.
func loadWatts(vars map[string]string) float64 {
	if w, ok := parseFloat(vars[VarUPSRealPower]); ok {
		return round2(w)
	}
	load, ok := parseFloat(vars[VarUPSLoad])
	if !ok {
		return 0
	}
	nominal, ok := parseFloat(vars[VarUPSRealPowerNominal])
	if !ok {
		return 0
	}
	return round2(load / 100 * nominal)
}

func inputVoltageDeviationPct(vars map[string]string) float64 {
	voltage, ok := parseFloat(vars[VarInputVoltage])
	if !ok {
		return 0
	}
	nominal, ok := parseFloat(vars[VarInputVoltageNominal])
	if !ok || nominal == 0 {
		return 0
	}
	return round2((voltage - nominal) / nominal * 100)
}

// parseFloat converts a NUT value string to float64.
// Returns (0, false) for empty or unparseable strings.
func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// formatFloat returns the shortest decimal representation of v with no
// trailing zeros (e.g. 72.0 → "72", 1.37 → "1.37").
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
