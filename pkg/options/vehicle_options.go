package options

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/v2x/pkg/chain"
)

const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
)

var _ IOptions = (*VehicleOptions)(nil)

// VehicleOptions configures the vehicle worker. The hub's supervisor passes
// id, key and hub URL through V2X_VEHICLE_* environment variables.
type VehicleOptions struct {
	ID string `json:"id" mapstructure:"id"`

	// PrivateKey signs authentication challenges and deposits. Never logged.
	PrivateKey string `json:"private-key" mapstructure:"private-key"`

	HubURL         string        `json:"hub-url" mapstructure:"hub-url"`
	RequestTimeout time.Duration `json:"request-timeout" mapstructure:"request-timeout"`

	// Transport carries telemetry and accident reports, "http" or "mqtt".
	// Registration and authentication always use HTTP.
	Transport string `json:"transport" mapstructure:"transport"`

	AccidentProbability float64 `json:"accident-probability" mapstructure:"accident-probability"`

	// RPCURL and ContractAddress reach the ledger for deposits. Without a
	// contract address the worker never deposits.
	RPCURL          string `json:"rpc-url" mapstructure:"rpc-url"`
	ContractAddress string `json:"contract-address" mapstructure:"contract-address"`

	// DepositBelow and DepositAmount are ether amounts.
	DepositBelow  string `json:"deposit-below" mapstructure:"deposit-below"`
	DepositAmount string `json:"deposit-amount" mapstructure:"deposit-amount"`
}

func NewVehicleOptions() *VehicleOptions {
	return &VehicleOptions{
		ID:                  "VIN123456789",
		HubURL:              "http://127.0.0.1:4000",
		RequestTimeout:      90 * time.Second,
		Transport:           TransportHTTP,
		AccidentProbability: 0.01,
		RPCURL:              "http://127.0.0.1:8545",
		DepositBelow:        "0.1",
		DepositAmount:       "1",
	}
}

func (o *VehicleOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}
	if o.ID == "" {
		errs = append(errs, errors.New("--vehicle.id must not be empty"))
	}
	if o.PrivateKey == "" {
		errs = append(errs, errors.New("--vehicle.private-key is required"))
	} else if _, err := chain.KeyFromHex(o.PrivateKey); err != nil {
		errs = append(errs, fmt.Errorf("--vehicle.private-key: %w", err))
	}
	if u, err := url.Parse(o.HubURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, errors.New("--vehicle.hub-url must be an absolute URL"))
	}
	if o.RequestTimeout <= 0 {
		errs = append(errs, errors.New("--vehicle.request-timeout must be positive"))
	}
	if o.Transport != TransportHTTP && o.Transport != TransportMQTT {
		errs = append(errs, fmt.Errorf("--vehicle.transport must be %q or %q, got %q", TransportHTTP, TransportMQTT, o.Transport))
	}
	if o.AccidentProbability < 0 || o.AccidentProbability > 1 {
		errs = append(errs, errors.New("--vehicle.accident-probability must be within [0, 1]"))
	}
	if o.ContractAddress != "" {
		if _, err := chain.ParseAddress(o.ContractAddress); err != nil {
			errs = append(errs, fmt.Errorf("--vehicle.contract-address: %w", err))
		}
		for flag, v := range map[string]string{"deposit-below": o.DepositBelow, "deposit-amount": o.DepositAmount} {
			if _, err := chain.ParseEther(v); err != nil {
				errs = append(errs, fmt.Errorf("--vehicle.%s: %w", flag, err))
			}
		}
	}
	return errs
}

func (o *VehicleOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.ID, "vehicle.id", o.ID, "Identifier of this vehicle.")
	fs.StringVar(&o.PrivateKey, "vehicle.private-key", o.PrivateKey, "Hex private key of this vehicle. Prefer the V2X_VEHICLE_PRIVATE_KEY environment variable.")
	fs.StringVar(&o.HubURL, "vehicle.hub-url", o.HubURL, "Base URL of the hub.")
	fs.DurationVar(&o.RequestTimeout, "vehicle.request-timeout", o.RequestTimeout, "Timeout of a single hub request.")
	fs.StringVar(&o.Transport, "vehicle.transport", o.Transport, "Transport of telemetry and accident reports, http or mqtt.")
	fs.Float64Var(&o.AccidentProbability, "vehicle.accident-probability", o.AccidentProbability, "Probability that a tick reports an accident.")
	fs.StringVar(&o.RPCURL, "vehicle.rpc-url", o.RPCURL, "JSON-RPC endpoint used for deposits.")
	fs.StringVar(&o.ContractAddress, "vehicle.contract-address", o.ContractAddress, "V2X contract address. Deposits are skipped when empty.")
	fs.StringVar(&o.DepositBelow, "vehicle.deposit-below", o.DepositBelow, "Deposit when the prepaid balance in ether is below this.")
	fs.StringVar(&o.DepositAmount, "vehicle.deposit-amount", o.DepositAmount, "Ether deposited when the balance is low.")
}
