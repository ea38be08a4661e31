package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Network maps an environment to the client serving it.
type Network map[Environment]Client

func (n Network) Client(env Environment) (Client, error) {
	c, ok := n[env]
	if !ok || c == nil {
		return nil, fmt.Errorf("ledger: no client for environment %q", env)
	}
	return c, nil
}

// GetBalance returns the balance of address on env. Unfunded accounts report
// ErrAccountNotFound so callers can decide whether that means zero.
func (n Network) GetBalance(ctx context.Context, address string, env Environment) (decimal.Decimal, error) {
	c, err := n.Client(env)
	if err != nil {
		return decimal.Zero, err
	}
	info, err := c.AccountInfo(ctx, address)
	if err != nil {
		return decimal.Zero, err
	}
	return info.Balance, nil
}

// Ping checks every configured environment.
func (n Network) Ping(ctx context.Context) error {
	var errs []error
	for env, c := range n {
		hc, ok := c.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", env, err))
		}
	}
	return errors.Join(errs...)
}
