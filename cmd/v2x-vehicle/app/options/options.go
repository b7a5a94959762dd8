package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/v2x/internal/vehicleagent"
	"github.com/autopeer-io/v2x/pkg/app"
	"github.com/autopeer-io/v2x/pkg/log"
	"github.com/autopeer-io/v2x/pkg/options"
)

type VehicleAgentOptions struct {
	VehicleOptions   *options.VehicleOptions   `json:"vehicle" mapstructure:"vehicle"`
	TelemetryOptions *options.TelemetryOptions `json:"telemetry" mapstructure:"telemetry"`
	MqttOptions      *options.MqttOptions      `json:"mqtt" mapstructure:"mqtt"`
	Log              *log.Options              `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*VehicleAgentOptions)(nil)
	_ app.LoggerOptions       = (*VehicleAgentOptions)(nil)
)

func NewVehicleAgentOptions() *VehicleAgentOptions {
	return &VehicleAgentOptions{
		VehicleOptions:   options.NewVehicleOptions(),
		TelemetryOptions: options.NewTelemetryOptions(),
		MqttOptions:      options.NewMqttOptions(),
		Log:              log.NewOptions(),
	}
}

func (o *VehicleAgentOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.VehicleOptions.AddFlags(fss.FlagSet("vehicle"))
	o.TelemetryOptions.AddFlags(fss.FlagSet("telemetry"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

// Complete turns the MQTT client on when it carries the reports.
func (o *VehicleAgentOptions) Complete() error {
	if o.VehicleOptions.Transport == options.TransportMQTT {
		o.MqttOptions.Enabled = true
	}
	if o.Log.Name == "" {
		o.Log.Name = "v2x-vehicle"
	}
	return nil
}

func (o *VehicleAgentOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.VehicleOptions.Validate()...)
	errs = append(errs, o.TelemetryOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *VehicleAgentOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *VehicleAgentOptions) Config() (*vehicleagent.Config, error) {
	return &vehicleagent.Config{
		VehicleOptions:   o.VehicleOptions,
		TelemetryOptions: o.TelemetryOptions,
		MqttOptions:      o.MqttOptions,
	}, nil
}
