package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*KafkaOptions)(nil)

// KafkaOptions configures the telemetry export stream.
type KafkaOptions struct {
	Enabled bool     `json:"enabled" mapstructure:"enabled"`
	Brokers []string `json:"brokers" mapstructure:"brokers"`
	Topic   string   `json:"topic" mapstructure:"topic"`

	// BatchTimeout caps how long a partial batch waits before flushing.
	BatchTimeout time.Duration `json:"batch-timeout" mapstructure:"batch-timeout"`
	WriteTimeout time.Duration `json:"write-timeout" mapstructure:"write-timeout"`
}

func NewKafkaOptions() *KafkaOptions {
	return &KafkaOptions{
		Enabled:      false,
		Brokers:      []string{"localhost:9092"},
		Topic:        "v2x-telemetry",
		BatchTimeout: 100 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
	}
}

func (o *KafkaOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errs := []error{}

	if len(o.Brokers) == 0 {
		errs = append(errs, errors.New("--kafka.brokers is required when kafka export is enabled"))
	}
	for _, b := range o.Brokers {
		if err := ValidateAddress(b); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Topic == "" {
		errs = append(errs, errors.New("--kafka.topic must not be empty"))
	}

	return errs
}

func (o *KafkaOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "kafka.enabled", o.Enabled, "Export every telemetry sample to Kafka.")
	fs.StringSliceVar(&o.Brokers, "kafka.brokers", o.Brokers, "Kafka bootstrap brokers.")
	fs.StringVar(&o.Topic, "kafka.topic", o.Topic, "Topic telemetry samples are written to.")
	fs.DurationVar(&o.BatchTimeout, "kafka.batch-timeout", o.BatchTimeout, "Maximum wait before a partial batch is flushed.")
	fs.DurationVar(&o.WriteTimeout, "kafka.write-timeout", o.WriteTimeout, "Timeout of a single Kafka write.")
}
