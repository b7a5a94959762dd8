package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/v2x/internal/hub"
	"github.com/autopeer-io/v2x/pkg/app"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/options"
)

type HubOptions struct {
	HttpOptions       *options.HttpOptions       `json:"http" mapstructure:"http"`
	MqttOptions       *options.MqttOptions       `json:"mqtt" mapstructure:"mqtt"`
	S3Options         *options.S3Options         `json:"s3" mapstructure:"s3"`
	KafkaOptions      *options.KafkaOptions      `json:"kafka" mapstructure:"kafka"`
	LedgerOptions     *options.LedgerOptions     `json:"ledger" mapstructure:"ledger"`
	AuthOptions       *options.AuthOptions       `json:"auth" mapstructure:"auth"`
	TelemetryOptions  *options.TelemetryOptions  `json:"telemetry" mapstructure:"telemetry"`
	SupervisorOptions *options.SupervisorOptions `json:"supervisor" mapstructure:"supervisor"`
	GeofenceOptions   *options.GeofenceOptions   `json:"geofence" mapstructure:"geofence"`
	Log               *log.Options               `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*HubOptions)(nil)
	_ app.LoggerOptions       = (*HubOptions)(nil)
)

func NewHubOptions() *HubOptions {
	return &HubOptions{
		HttpOptions:       options.NewHttpOptions(),
		MqttOptions:       options.NewMqttOptions(),
		S3Options:         options.NewS3Options(),
		KafkaOptions:      options.NewKafkaOptions(),
		LedgerOptions:     options.NewLedgerOptions(),
		AuthOptions:       options.NewAuthOptions(),
		TelemetryOptions:  options.NewTelemetryOptions(),
		SupervisorOptions: options.NewSupervisorOptions(),
		GeofenceOptions:   options.NewGeofenceOptions(),
		Log:               log.NewOptions(),
	}
}

func (o *HubOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.KafkaOptions.AddFlags(fss.FlagSet("kafka"))
	o.LedgerOptions.AddFlags(fss.FlagSet("ledger"))
	o.AuthOptions.AddFlags(fss.FlagSet("auth"))
	o.TelemetryOptions.AddFlags(fss.FlagSet("telemetry"))
	o.SupervisorOptions.AddFlags(fss.FlagSet("supervisor"))
	o.GeofenceOptions.AddFlags(fss.FlagSet("geofence"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *HubOptions) Complete() error {
	if o.Log.Name == "" {
		o.Log.Name = "v2x-hub"
	}
	return nil
}

func (o *HubOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.KafkaOptions.Validate()...)
	errs = append(errs, o.LedgerOptions.Validate()...)
	errs = append(errs, o.AuthOptions.Validate()...)
	errs = append(errs, o.TelemetryOptions.Validate()...)
	errs = append(errs, o.SupervisorOptions.Validate()...)
	errs = append(errs, o.GeofenceOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *HubOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *HubOptions) Config() (*hub.Config, error) {
	return &hub.Config{
		HttpOptions:       o.HttpOptions,
		MqttOptions:       o.MqttOptions,
		S3Options:         o.S3Options,
		KafkaOptions:      o.KafkaOptions,
		LedgerOptions:     o.LedgerOptions,
		AuthOptions:       o.AuthOptions,
		TelemetryOptions:  o.TelemetryOptions,
		SupervisorOptions: o.SupervisorOptions,
		GeofenceOptions:   o.GeofenceOptions,
	}, nil
}
