package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
)

const applyDoneMsg = "RDS instance and security group updated and tagged"

func doApply(ctx context.Context, opts Options, cmd ApplyCmd, log zerolog.Logger) error {
	errorf := MakeErrorf("apply")

	cfg, err := resolveConfig(opts, true)
	if err != nil {
		return errorf("%w", err)
	}
	ec2Client, rdsClient, err := newAPIs(ctx, cfg.Region)
	if err != nil {
		return errorf("%w", err)
	}
	rec := reconcile.New(cfg, ec2Client, rdsClient, log.With().Str("cmd", "apply").Logger())

	res, err := rec.Apply(ctx)
	if err != nil {
		return errorf("%w", err)
	}
	if res.Attached && cmd.Wait > 0 {
		if err := rec.WaitAvailable(ctx, cmd.Wait); err != nil {
			return errorf("%w", err)
		}
	}

	fmt.Fprintln(stdout, applyDoneMsg)
	return nil
}
