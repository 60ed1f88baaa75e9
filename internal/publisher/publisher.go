// Package publisher exports device snapshots to MQTT: one retained topic
// per variable and per computed metric, a JSON state topic per device and
// a global status topic that doubles as the Last Will.
package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/metrics"
	"github.com/sweeney/upsdash/internal/nut"
)

// Message is a single MQTT publish request.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Publisher is the minimal interface the rest of the codebase uses to send
// MQTT messages. The real MQTT client and FakePublisher both implement it.
type Publisher interface {
	Publish(msg Message) error
	Close() error
}

// Config holds the routing parameters shared by every message.
type Config struct {
	Prefix   string
	Retained bool
}

// DeviceState is the JSON payload of <prefix>/<device>/state.
type DeviceState struct {
	Timestamp   string            `json:"timestamp"`
	Device      string            `json:"device"`
	Description string            `json:"description,omitempty"`
	Variables   map[string]string `json:"variables"`
	Writable    []string          `json:"writable"`
	Computed    metrics.Metrics   `json:"computed"`
}

// ServerError is one failed server in a Status payload.
type ServerError struct {
	Server string `json:"server"`
	Error  string `json:"error"`
}

// Status is the JSON payload of <prefix>/status.
type Status struct {
	Online    bool          `json:"online"`
	Timestamp string        `json:"timestamp"`
	Devices   int           `json:"devices"`
	Errors    []ServerError `json:"errors,omitempty"`
}

// StatusTopic returns the global status topic.
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// StateTopic returns the combined JSON state topic of one device.
func StateTopic(prefix, device string) string {
	return fmt.Sprintf("%s/%s/state", prefix, topicSegment(device))
}

// VarTopic maps a dotted NUT variable name onto the topic tree, e.g.
// battery.charge becomes <prefix>/<device>/battery/charge.
func VarTopic(prefix, device, name string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, topicSegment(device), strings.ReplaceAll(name, ".", "/"))
}

// PublishSnapshot publishes every device in res followed by the status
// topic. It stops at the first publish error.
func PublishSnapshot(res aggregate.Result, cfg Config, pub Publisher) error {
	for _, d := range res.Devices {
		if err := PublishDevice(d, cfg, pub); err != nil {
			return fmt.Errorf("publishing %s: %w", d.Name, err)
		}
	}
	return pub.Publish(Message{
		Topic:    StatusTopic(cfg.Prefix),
		Payload:  FormatStatus(true, len(res.Devices), res.Failures),
		Retained: true,
	})
}

// PublishDevice publishes one device's variables, its computed metrics
// under computed/, and its JSON state topic.
func PublishDevice(d nut.Device, cfg Config, pub Publisher) error {
	for _, v := range d.Variables() {
		msg := Message{Topic: VarTopic(cfg.Prefix, d.Name, v.Name), Payload: v.Value, Retained: cfg.Retained}
		if err := pub.Publish(msg); err != nil {
			return err
		}
	}

	m := metrics.Compute(d.Vars)
	for name, payload := range m.AsTopicMap() {
		topic := fmt.Sprintf("%s/%s/computed/%s", cfg.Prefix, topicSegment(d.Name), name)
		if err := pub.Publish(Message{Topic: topic, Payload: payload, Retained: cfg.Retained}); err != nil {
			return err
		}
	}

	payload, err := json.Marshal(DeviceState{
		Timestamp:   now(),
		Device:      d.Name,
		Description: d.Description,
		Variables:   d.Vars,
		Writable:    d.RWVars,
		Computed:    m,
	})
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	return pub.Publish(Message{
		Topic:    StateTopic(cfg.Prefix, d.Name),
		Payload:  string(payload),
		Retained: cfg.Retained,
	})
}

// FormatStatus returns the JSON payload for the status topic.
func FormatStatus(online bool, devices int, failures []aggregate.ServerFailure) string {
	st := Status{Online: online, Timestamp: now(), Devices: devices}
	for _, f := range failures {
		st.Errors = append(st.Errors, ServerError{Server: f.Server.Addr(), Error: f.Err.Error()})
	}
	payload, _ := json.Marshal(st)
	return string(payload)
}

// FormatOffline returns the status payload used as the Last Will.
func FormatOffline() string {
	return FormatStatus(false, 0, nil)
}

// topicSegment keeps a device name from adding levels or wildcards.
func topicSegment(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
