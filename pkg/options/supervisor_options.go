package options

import (
	"errors"
	"net/url"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SupervisorOptions)(nil)

// SupervisorOptions configures the vehicle worker processes.
type SupervisorOptions struct {
	// WorkerBinary is the path, or a name looked up in PATH, of v2x-vehicle.
	WorkerBinary string `json:"worker-binary" mapstructure:"worker-binary"`

	// HubURL is the base URL workers use to reach this hub.
	HubURL string `json:"hub-url" mapstructure:"hub-url"`

	// WorkerArgs are appended to every worker command line.
	WorkerArgs []string `json:"worker-args" mapstructure:"worker-args"`
}

func NewSupervisorOptions() *SupervisorOptions {
	return &SupervisorOptions{
		WorkerBinary: "v2x-vehicle",
		HubURL:       "http://127.0.0.1:4000",
	}
}

func (o *SupervisorOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	if o.WorkerBinary == "" {
		errs = append(errs, errors.New("--supervisor.worker-binary must not be empty"))
	}
	if u, err := url.Parse(o.HubURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("--supervisor.hub-url must be an absolute URL"))
	}

	return errs
}

func (o *SupervisorOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.WorkerBinary, "supervisor.worker-binary", o.WorkerBinary, "Vehicle worker executable.")
	fs.StringVar(&o.HubURL, "supervisor.hub-url", o.HubURL, "Hub base URL handed to workers.")
	fs.StringSliceVar(&o.WorkerArgs, "supervisor.worker-args", o.WorkerArgs, "Extra arguments for every worker.")
}
