package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*AuthOptions)(nil)

// AuthOptions configures the challenge-response authenticator.
type AuthOptions struct {
	// NonceTTL expires an unanswered challenge. Zero keeps it until it is
	// answered or replaced.
	NonceTTL time.Duration `json:"nonce-ttl" mapstructure:"nonce-ttl"`
}

func NewAuthOptions() *AuthOptions {
	return &AuthOptions{NonceTTL: 5 * time.Minute}
}

func (o *AuthOptions) Validate() []error {
	if o == nil {
		return nil
	}
	if o.NonceTTL < 0 {
		return []error{errors.New("--auth.nonce-ttl must not be negative")}
	}
	return nil
}

func (o *AuthOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.NonceTTL, "auth.nonce-ttl", o.NonceTTL, "Lifetime of an unanswered authentication challenge, 0 for unlimited.")
}
