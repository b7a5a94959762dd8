package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/v2x/pkg/chain"
)

const (
	LedgerBackendMemory   = "memory"
	LedgerBackendEthereum = "ethereum"
)

var _ IOptions = (*LedgerOptions)(nil)

// LedgerOptions selects and configures the ledger backend.
type LedgerOptions struct {
	// Backend is "memory" for an in-process ledger or "ethereum" for a
	// JSON-RPC node hosting the V2X contract.
	Backend string `json:"backend" mapstructure:"backend"`

	RPCURL          string `json:"rpc-url" mapstructure:"rpc-url"`
	ContractAddress string `json:"contract-address" mapstructure:"contract-address"`

	// PrivateKey signs the hub's ledger writes. Never logged.
	PrivateKey string `json:"private-key" mapstructure:"private-key"`

	// ConfirmTimeout bounds submission plus confirmation of every call.
	ConfirmTimeout time.Duration `json:"confirm-timeout" mapstructure:"confirm-timeout"`

	// DuplicateReasons overrides the revert fragments that mark a write as
	// already applied, as op=fragment pairs.
	DuplicateReasons []string `json:"duplicate-reasons" mapstructure:"duplicate-reasons"`

	// ConfirmDelay simulates block time on the memory backend.
	ConfirmDelay time.Duration `json:"confirm-delay" mapstructure:"confirm-delay"`

	// Prefund is the ether balance the memory backend grants the hub account.
	Prefund string `json:"prefund" mapstructure:"prefund"`
}

func NewLedgerOptions() *LedgerOptions {
	return &LedgerOptions{
		Backend:        LedgerBackendMemory,
		RPCURL:         "http://127.0.0.1:8545",
		ConfirmTimeout: 60 * time.Second,
		Prefund:        "100",
	}
}

func (o *LedgerOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errs := []error{}

	switch o.Backend {
	case LedgerBackendMemory:
		if _, err := chain.ParseEther(o.Prefund); err != nil {
			errs = append(errs, fmt.Errorf("--ledger.prefund: %w", err))
		}
	case LedgerBackendEthereum:
		if o.RPCURL == "" {
			errs = append(errs, fmt.Errorf("--ledger.rpc-url is required for the %s backend", o.Backend))
		}
		if _, err := chain.ParseAddress(o.ContractAddress); err != nil {
			errs = append(errs, fmt.Errorf("--ledger.contract-address: %w", err))
		}
		if o.PrivateKey == "" {
			errs = append(errs, fmt.Errorf("--ledger.private-key is required for the %s backend", o.Backend))
		} else if _, err := chain.KeyFromHex(o.PrivateKey); err != nil {
			errs = append(errs, fmt.Errorf("--ledger.private-key: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("--ledger.backend must be %q or %q, got %q", LedgerBackendMemory, LedgerBackendEthereum, o.Backend))
	}

	if o.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--ledger.confirm-timeout must be positive"))
	}

	return errs
}

func (o *LedgerOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Backend, "ledger.backend", o.Backend, "Ledger backend, one of memory or ethereum.")
	fs.StringVar(&o.RPCURL, "ledger.rpc-url", o.RPCURL, "JSON-RPC endpoint of the Ethereum node.")
	fs.StringVar(&o.ContractAddress, "ledger.contract-address", o.ContractAddress, "Address of the deployed V2X contract.")
	fs.StringVar(&o.PrivateKey, "ledger.private-key", o.PrivateKey, "Hex private key that signs the hub's ledger writes.")
	fs.DurationVar(&o.ConfirmTimeout, "ledger.confirm-timeout", o.ConfirmTimeout, "Upper bound on waiting for a ledger write to be confirmed.")
	fs.StringSliceVar(&o.DuplicateReasons, "ledger.duplicate-reasons", o.DuplicateReasons, "op=fragment pairs of revert reasons that mean the write was already applied.")
	fs.DurationVar(&o.ConfirmDelay, "ledger.confirm-delay", o.ConfirmDelay, "Simulated confirmation delay of the memory backend.")
	fs.StringVar(&o.Prefund, "ledger.prefund", o.Prefund, "Ether credited to the hub account by the memory backend.")
}
