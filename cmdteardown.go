package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
)

func doTeardown(ctx context.Context, opts Options, cmd TeardownCmd, log zerolog.Logger) error {
	errorf := MakeErrorf("teardown")

	cfg, err := resolveConfig(opts, false)
	if err != nil {
		return errorf("%w", err)
	}
	ec2Client, rdsClient, err := newAPIs(ctx, cfg.Region)
	if err != nil {
		return errorf("%w", err)
	}
	rec := reconcile.New(cfg, ec2Client, rdsClient, log.With().Str("cmd", "teardown").Logger())

	res, err := rec.Teardown(ctx, cmd.Wait)
	if err != nil {
		return errorf("%w", err)
	}

	switch {
	case res.SecurityGroupID == "":
		fmt.Fprintf(stdout, "no security group tagged %s=%s, nothing to do\n", cfg.TagKey, cfg.TagValue)
	case res.Detached:
		fmt.Fprintf(stdout, "security group %s detached from %s and deleted\n",
			res.SecurityGroupID, cfg.DBInstanceIdentifier)
	default:
		fmt.Fprintf(stdout, "security group %s deleted\n", res.SecurityGroupID)
	}
	return nil
}
