package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the verdict of a Classifier.
type Class int

const (
	// Genuine failures are surfaced to the caller.
	Genuine Class = iota
	// Idempotent failures mean the transition already happened.
	Idempotent
)

func (c Class) String() string {
	if c == Idempotent {
		return "idempotent"
	}
	return "genuine"
}

// Classifier decides whether a failed write was a duplicate of an already
// applied transition. Swapping it adapts the gateway to another ledger's
// error vocabulary.
type Classifier interface {
	Classify(op Op, err error) Class
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(op Op, err error) Class

func (f ClassifierFunc) Classify(op Op, err error) Class { return f(op, err) }

// ReasonClassifier treats a *RevertError as idempotent when its reason
// contains one of the fragments listed for the operation. An empty fragment
// matches every revert of that operation.
type ReasonClassifier map[Op][]string

func (c ReasonClassifier) Classify(op Op, err error) Class {
	var revert *RevertError
	if !errors.As(err, &revert) {
		return Genuine
	}

	reason := strings.ToLower(revert.Reason)
	for _, fragment := range c[op] {
		if strings.Contains(reason, strings.ToLower(fragment)) {
			return Idempotent
		}
	}
	return Genuine
}

// DefaultClassifier matches the reasons emitted by the V2X contract.
var DefaultClassifier = ReasonClassifier{
	OpRegister: {"already registered"},
	OpRevoke:   {"already revoked"},
}

// ParseReasonClassifier builds a ReasonClassifier from "op=fragment" pairs.
func ParseReasonClassifier(pairs []string) (ReasonClassifier, error) {
	c := ReasonClassifier{}
	for _, p := range pairs {
		op, fragment, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("%w: duplicate reason %q is not op=fragment", ErrValidation, p)
		}
		switch Op(op) {
		case OpRegister, OpRevoke, OpCharge, OpReportAccident, OpDeposit:
		default:
			return nil, fmt.Errorf("%w: unknown ledger op %q", ErrValidation, op)
		}
		c[Op(op)] = append(c[Op(op)], fragment)
	}
	return c, nil
}
