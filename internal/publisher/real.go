package publisher

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sweeney/upsdash/internal/config"
)

// MQTTPublisher wraps paho.mqtt.golang and implements Publisher.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
	status string
}

// NewMQTTPublisher connects to the configured broker. The status topic
// under cfg.TopicPrefix is registered as the Last Will with an offline
// payload, so subscribers notice an unclean exit.
func NewMQTTPublisher(cfg config.MQTTConfig, log *zap.SugaredLogger) (*MQTTPublisher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	opts, err := clientOptions(cfg, log)
	if err != nil {
		return nil, err
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %q: %w", cfg.Broker, token.Error())
	}
	return &MQTTPublisher{client: client, qos: cfg.QOS, status: StatusTopic(cfg.TopicPrefix)}, nil
}

func clientOptions(cfg config.MQTTConfig, log *zap.SugaredLogger) (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID(cfg.ClientID))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetWill(StatusTopic(cfg.TopicPrefix), FormatOffline(), cfg.QOS, true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warnw("MQTT connection lost", "broker", cfg.Broker, "error", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Infow("MQTT connected", "broker", cfg.Broker)
	})

	if cfg.TLSCACert != "" {
		tlsCfg, err := newTLSConfig(cfg.TLSCACert)
		if err != nil {
			return nil, fmt.Errorf("loading TLS CA cert %q: %w", cfg.TLSCACert, err)
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// clientID appends a short random suffix so two instances sharing a
// config do not keep kicking each other off the broker.
func clientID(base string) string {
	suffix := uuid.NewString()[:8]
	if base == "" {
		return "upsdash-" + suffix
	}
	return base + "-" + suffix
}

// Publish sends a single MQTT message and waits for the broker to acknowledge.
func (p *MQTTPublisher) Publish(msg Message) error {
	token := p.client.Publish(msg.Topic, p.qos, msg.Retained, msg.Payload)
	token.Wait()
	return token.Error()
}

// Close publishes the offline status and disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	err := p.Publish(Message{Topic: p.status, Payload: FormatOffline(), Retained: true})
	p.client.Disconnect(250)
	return err
}

// newTLSConfig builds a *tls.Config that trusts caFile as an additional CA.
func newTLSConfig(caFile string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no PEM certificates in %q", caFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}
