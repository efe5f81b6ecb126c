package commands

import (
	"context"

	"github.com/quailmail/quail/pkg/store"
)

// DiscoverCommand probes the configured server: connect, authenticate, and
// capture capabilities. Success marks discovery done on the account. The
// engine bounds how often this retries before asking for a new server
// configuration.
type DiscoverCommand struct {
	base
}

func NewDiscover(env *Env) *DiscoverCommand {
	return &DiscoverCommand{base: base{env: env, name: "discover"}}
}

func (c *DiscoverCommand) Execute(ctx context.Context) Outcome {
	out := c.run(ctx, func(ctx context.Context) error {
		if err := c.env.Session.Connect(ctx); err != nil {
			return err
		}
		return c.env.Session.Authenticate(ctx)
	})
	if out.Kind != Success {
		return out
	}

	caps := c.env.Session.Caps()
	acct, err := c.env.Store.UpdateAccount(ctx, c.env.Account.ID, func(a *store.Account) error {
		a.DiscoveryDone = true
		a.Capabilities = caps.Encode()
		return nil
	})
	if err != nil {
		return tempFail(err)
	}
	c.env.Account = acct
	c.env.Log.Info().Str("caps", caps.Encode()).Msg("discovery complete")
	return success()
}

// ConnectCommand (re)establishes an authenticated session for an account
// whose discovery is already done, refreshing stored capabilities.
type ConnectCommand struct {
	base
}

func NewConnect(env *Env) *ConnectCommand {
	return &ConnectCommand{base: base{env: env, name: "connect"}}
}

func (c *ConnectCommand) Execute(ctx context.Context) Outcome {
	out := c.run(ctx, func(ctx context.Context) error {
		if err := c.env.Session.Connect(ctx); err != nil {
			return err
		}
		return c.env.Session.Authenticate(ctx)
	})
	if out.Kind != Success {
		return out
	}
	caps := c.env.Session.Caps()
	if caps.Encode() != c.env.Account.Capabilities {
		acct, err := c.env.Store.UpdateAccount(ctx, c.env.Account.ID, func(a *store.Account) error {
			a.Capabilities = caps.Encode()
			return nil
		})
		if err != nil {
			return tempFail(err)
		}
		c.env.Account = acct
	}
	return success()
}
