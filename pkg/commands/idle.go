package commands

import (
	"context"

	"github.com/quailmail/quail/pkg/session"
	"github.com/quailmail/quail/pkg/strategy"
)

// IdleCommand blocks on the inbox until new mail, the examine deadline, or
// cancellation. Servers without IDLE fall back to a NOOP poll inside the
// session. A new-mail wake flips the strategy into quick-sync so the next
// pick re-examines folders promptly.
type IdleCommand struct {
	base
	folder string
}

func NewIdle(env *Env, folder string) *IdleCommand {
	return &IdleCommand{base: base{env: env, name: "idle"}, folder: folder}
}

func (c *IdleCommand) Execute(ctx context.Context) Outcome {
	reason, err := c.env.Session.Idle(ctx, c.folder, strategy.InboxMinExamine)
	c.env.Comm.ReportResult(err == nil)
	if err != nil {
		if ctx.Err() != nil {
			return tempFail(ctx.Err())
		}
		return Classify(err)
	}
	if reason == session.WakeNewMail {
		c.env.Log.Debug().Str("folder", c.folder).Msg("idle woke on new mail")
		c.env.Strategy.SetQuickSync(true)
	} else {
		c.env.Strategy.SetQuickSync(false)
	}
	return success()
}
