package publisher_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/nut"
	"github.com/sweeney/upsdash/internal/publisher"
)

// sampleDevice mirrors the output of upsc for a CyberPower CP1500.
func sampleDevice() nut.Device {
	return nut.Device{
		Name:        "cyberpower",
		Description: "Rack UPS",
		Vars: map[string]string{
			"battery.charge":        "100",
			"ups.load":              "8",
			"ups.status":            "OL",
			"ups.realpower.nominal": "900",
			"battery.runtime":       "4920",
			"input.voltage":         "242.0",
			"input.voltage.nominal": "230",
		},
		RWVars:   []string{"battery.charge.low"},
		Commands: []string{"test.battery.start"},
		Clients:  []string{},
	}
}

var cfg = publisher.Config{Prefix: "ups", Retained: true}

func publishDevice(t *testing.T) *publisher.FakePublisher {
	t.Helper()
	fp := &publisher.FakePublisher{}
	if err := publisher.PublishDevice(sampleDevice(), cfg, fp); err != nil {
		t.Fatalf("PublishDevice: %v", err)
	}
	return fp
}

// ---- Variable topic routing -------------------------------------------------

func TestPublishDevice_VariableTopics(t *testing.T) {
	fp := publishDevice(t)
	cases := map[string]string{
		"ups/cyberpower/battery/charge": "100",
		"ups/cyberpower/ups/load":       "8",
		"ups/cyberpower/ups/status":     "OL",
	}
	for topic, want := range cases {
		msg, ok := fp.Find(topic)
		if !ok {
			t.Errorf("topic %s not published", topic)
			continue
		}
		if msg.Payload != want {
			t.Errorf("%s payload = %q, want %q", topic, msg.Payload, want)
		}
		if !msg.Retained {
			t.Errorf("%s should be retained", topic)
		}
	}
}

func TestPublishDevice_VariablesInNameOrder(t *testing.T) {
	fp := publishDevice(t)
	var vars []string
	for _, m := range fp.Messages() {
		if !strings.Contains(m.Topic, "/computed/") && !strings.HasSuffix(m.Topic, "/state") {
			vars = append(vars, m.Topic)
		}
	}
	if len(vars) != 7 {
		t.Fatalf("published %d variable topics, want 7", len(vars))
	}
	if vars[0] != "ups/cyberpower/battery/charge" || vars[6] != "ups/cyberpower/ups/status" {
		t.Errorf("variable order = %v", vars)
	}
}

// ---- Computed metric topics -------------------------------------------------

func TestPublishDevice_Computed(t *testing.T) {
	fp := publishDevice(t)
	cases := map[string]string{
		"load_watts":            "72",
		"battery_runtime_mins":  "82",
		"battery_runtime_hours": "1.37",
		"on_battery":            "false",
		"status_display":        "Online",
	}
	for name, want := range cases {
		msg, ok := fp.Find("ups/cyberpower/computed/" + name)
		if !ok {
			t.Errorf("computed/%s not published", name)
			continue
		}
		if msg.Payload != want {
			t.Errorf("computed/%s = %q, want %q", name, msg.Payload, want)
		}
	}
}

// ---- State topic ------------------------------------------------------------

func TestPublishDevice_StateJSON(t *testing.T) {
	fp := publishDevice(t)
	msg, ok := fp.Find(publisher.StateTopic("ups", "cyberpower"))
	if !ok {
		t.Fatal("state topic not published")
	}
	var st publisher.DeviceState
	if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if st.Device != "cyberpower" || st.Description != "Rack UPS" {
		t.Errorf("state header = %q/%q", st.Device, st.Description)
	}
	if st.Variables["battery.charge"] != "100" {
		t.Errorf("state variables = %v", st.Variables)
	}
	if len(st.Writable) != 1 || st.Writable[0] != "battery.charge.low" {
		t.Errorf("state writable = %v", st.Writable)
	}
	if st.Computed.LoadWatts != 72 {
		t.Errorf("state computed load = %v, want 72", st.Computed.LoadWatts)
	}
	if st.Timestamp == "" {
		t.Error("state timestamp missing")
	}
}

func TestPublishDevice_NotRetained(t *testing.T) {
	fp := &publisher.FakePublisher{}
	if err := publisher.PublishDevice(sampleDevice(), publisher.Config{Prefix: "ups"}, fp); err != nil {
		t.Fatal(err)
	}
	for _, m := range fp.Messages() {
		if m.Retained {
			t.Errorf("%s retained with Retained=false", m.Topic)
		}
	}
}

func TestPublishDevice_Error(t *testing.T) {
	boom := errors.New("broker gone")
	fp := &publisher.FakePublisher{PublishError: boom}
	if err := publisher.PublishDevice(sampleDevice(), cfg, fp); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if len(fp.Messages()) != 0 {
		t.Error("nothing should be recorded on error")
	}
}

// ---- Topic helpers ----------------------------------------------------------

func TestTopics(t *testing.T) {
	tests := []struct{ got, want string }{
		{publisher.VarTopic("ups", "rack", "input.voltage.nominal"), "ups/rack/input/voltage/nominal"},
		{publisher.VarTopic("ups", "a/b+#", "ups.load"), "ups/a_b__/ups/load"},
		{publisher.StateTopic("home/ups", "rack"), "home/ups/rack/state"},
		{publisher.StatusTopic("home/ups"), "home/ups/status"},
	}
	for _, tc := range tests {
		if tc.got != tc.want {
			t.Errorf("topic = %q, want %q", tc.got, tc.want)
		}
	}
}

// ---- Snapshot and status ----------------------------------------------------

func TestPublishSnapshot(t *testing.T) {
	second := sampleDevice()
	second.Name = "closet"
	dead := nut.ServerConfig{Host: "10.0.0.9", Port: nut.DefaultPort}
	res := aggregate.Result{
		Devices:  []nut.Device{sampleDevice(), second},
		Failures: []aggregate.ServerFailure{{Server: dead, Err: errors.New("connection refused")}},
	}

	fp := &publisher.FakePublisher{}
	if err := publisher.PublishSnapshot(res, cfg, fp); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}
	for _, topic := range []string{"ups/cyberpower/state", "ups/closet/state", "ups/closet/battery/charge"} {
		if _, ok := fp.Find(topic); !ok {
			t.Errorf("%s not published", topic)
		}
	}

	msgs := fp.Messages()
	last := msgs[len(msgs)-1]
	if last.Topic != "ups/status" || !last.Retained {
		t.Fatalf("last message = %s retained=%v, want retained ups/status", last.Topic, last.Retained)
	}
	var st publisher.Status
	if err := json.Unmarshal([]byte(last.Payload), &st); err != nil {
		t.Fatalf("status payload: %v", err)
	}
	if !st.Online || st.Devices != 2 {
		t.Errorf("status = %+v, want online with 2 devices", st)
	}
	if len(st.Errors) != 1 || st.Errors[0].Server != "10.0.0.9:3493" || st.Errors[0].Error != "connection refused" {
		t.Errorf("status errors = %+v", st.Errors)
	}
}

func TestPublishSnapshot_StopsOnError(t *testing.T) {
	fp := &publisher.FakePublisher{PublishError: errors.New("not connected")}
	err := publisher.PublishSnapshot(aggregate.Result{Devices: []nut.Device{sampleDevice()}}, cfg, fp)
	if err == nil || !strings.Contains(err.Error(), "cyberpower") {
		t.Errorf("err = %v, want one naming the device", err)
	}
}

func TestFormatOffline(t *testing.T) {
	var st publisher.Status
	if err := json.Unmarshal([]byte(publisher.FormatOffline()), &st); err != nil {
		t.Fatalf("FormatOffline: %v", err)
	}
	if st.Online || st.Devices != 0 || len(st.Errors) != 0 {
		t.Errorf("offline status = %+v", st)
	}
	if st.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

// ---- FakePublisher ----------------------------------------------------------

func TestFakePublisher_Reset(t *testing.T) {
	fp := publishDevice(t)
	fp.Close() //nolint:errcheck
	if !fp.Closed() {
		t.Error("Closed() = false after Close")
	}
	fp.Reset()
	if len(fp.Messages()) != 0 || fp.Closed() {
		t.Error("Reset did not clear state")
	}
	if _, ok := fp.Find("ups/cyberpower/ups/load"); ok {
		t.Error("Find matched after Reset")
	}
}
