package transport

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/kafka"
	"inviqa/mail-outbox-relay/log"

	"github.com/Shopify/sarama"
	"gopkg.in/yaml.v3"
)

const (
	TypeSMTP    = "smtp"
	TypeKafka   = "kafka"
	TypeConsole = "console"
)

var newKafkaPublisher = kafka.NewPublisher

// registryFile is the layout of BACKENDS_FILE:
//
//	default: transactional
//	backends:
//	  transactional:
//	    type: smtp
//	    rate_per_second: 20
//	    burst: 5
//	    smtp:
//	      host: smtp.example.com
//	      port: 587
//	      starttls: true
//	  events:
//	    type: kafka
//	    kafka:
//	      topic: mail
type registryFile struct {
	Default  string                   `yaml:"default"`
	Backends map[string]backendConfig `yaml:"backends"`
}

type backendConfig struct {
	Type          string      `yaml:"type"`
	RatePerSecond float64     `yaml:"rate_per_second"`
	Burst         int         `yaml:"burst"`
	SMTP          SMTPConfig  `yaml:"smtp"`
	Kafka         KafkaConfig `yaml:"kafka"`
}

// LoadRegistry reads the backends file at path. Without a file the registry
// holds a single default backend: SMTP when a host is configured, the console
// otherwise.
func LoadRegistry(path string, cfg *config.Config) (*Registry, error) {
	if path == "" {
		return defaultRegistry(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read the mail backends file: %w", err)
	}

	return ParseRegistry(data, cfg)
}

func ParseRegistry(data []byte, cfg *config.Config) (*Registry, error) {
	var f registryFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("could not parse the mail backends file: %w", err)
	}

	if len(f.Backends) == 0 {
		return nil, errors.New("the mail backends file does not define any backend")
	}

	r := NewRegistry(f.Default)
	for alias, bc := range f.Backends {
		if err := r.register(alias, bc, cfg); err != nil {
			r.Close()
			return nil, fmt.Errorf("mail backend %q: %w", alias, err)
		}
	}

	if !r.Has(r.Default()) {
		r.Close()
		return nil, fmt.Errorf("%w: the default backend %q is not defined", ErrUnknownBackend, r.Default())
	}

	log.Logger.WithFields(r.logFields()).Info("mail backends loaded")

	return r, nil
}

func defaultRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry(DefaultAlias)
	if cfg.SMTPHost == "" {
		log.Logger.Warn("no SMTP host configured, mail will be written to the console")
		r.Register(DefaultAlias, TypeConsole, NewConsoleFactory())
		return r, nil
	}

	f, err := NewSMTPFactory(SMTPConfig{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		Username:      cfg.SMTPUser,
		Password:      cfg.SMTPPass,
		StartTLS:      cfg.SMTPStartTLS,
		TLSSkipVerify: cfg.TLSSkipVerifyPeer,
	})
	if err != nil {
		return nil, err
	}
	r.Register(DefaultAlias, TypeSMTP, f)

	return r, nil
}

func (r *Registry) register(alias string, bc backendConfig, cfg *config.Config) error {
	opts := []Option{WithRateLimit(bc.RatePerSecond, bc.Burst)}

	switch bc.Type {
	case TypeSMTP:
		f, err := NewSMTPFactory(bc.SMTP)
		if err != nil {
			return err
		}
		r.Register(alias, bc.Type, f, opts...)
	case TypeKafka:
		hosts := bc.Kafka.Hosts
		if len(hosts) == 0 {
			hosts = cfg.KafkaHost
		}
		if len(hosts) == 0 {
			return errors.New("kafka: no hosts configured")
		}

		var saramaCfg *sarama.Config
		if bc.Kafka.TLS {
			saramaCfg = kafka.NewSaramaConfig(true, bc.Kafka.TLSSkipVerify)
		} else {
			saramaCfg = kafka.NewSaramaConfig(cfg.TLSEnable, cfg.TLSSkipVerifyPeer)
		}

		pub, err := newKafkaPublisher(hosts, saramaCfg)
		if err != nil {
			return err
		}
		f, err := NewKafkaFactory(pub, bc.Kafka.Topic)
		if err != nil {
			pub.Close()
			return err
		}
		r.Register(alias, bc.Type, f, append(opts, WithCloser(pub))...)
	case TypeConsole:
		r.Register(alias, bc.Type, NewConsoleFactory(), opts...)
	default:
		return fmt.Errorf("unsupported backend type %q", bc.Type)
	}

	return nil
}
