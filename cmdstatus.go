package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
	"github.com/pix4d/rdsvalet/pkg/sgrule"
)

func doStatus(ctx context.Context, opts Options, log zerolog.Logger) error {
	errorf := MakeErrorf("status")

	cfg, err := resolveConfig(opts, true)
	if err != nil {
		return errorf("%w", err)
	}
	ec2Client, rdsClient, err := newAPIs(ctx, cfg.Region)
	if err != nil {
		return errorf("%w", err)
	}
	rec := reconcile.New(cfg, ec2Client, rdsClient, log.With().Str("cmd", "status").Logger())

	st, err := rec.Observe(ctx)
	if err != nil {
		return errorf("%w", err)
	}
	printStatus(stdout, cfg, st)
	return nil
}

// printStatus writes a human-readable report. Example:
//
//	SECURITY GROUP (Name=my-tag)
//	  id:       sg-456 (my-security-group)
//	  ingress:  tcp/3306-3306 from [0.0.0.0/0] present
//	DB INSTANCE my-rds-instance
//	  arn:      arn:aws:rds:us-west-2:123456789012:db:my-rds-instance
//	  status:   available
//	  groups:   sg-456
//	  attached: yes
//	  tagged:   yes
//	CONVERGED yes
func printStatus(w io.Writer, cfg reconcile.Config, st reconcile.Status) {
	rule := sgrule.ForDatabase(cfg.Port, cfg.CIDRBlock)

	fmt.Fprintf(w, "SECURITY GROUP (%s=%s)\n", cfg.TagKey, cfg.TagValue)
	if st.GroupID == "" {
		fmt.Fprintf(w, "  id:       none\n")
	} else {
		fmt.Fprintf(w, "  id:       %s (%s)\n", st.GroupID, st.GroupName)
		fmt.Fprintf(w, "  ingress:  %s %s\n", rule, presence(st.IngressPresent))
	}

	fmt.Fprintf(w, "DB INSTANCE %s\n", cfg.DBInstanceIdentifier)
	fmt.Fprintf(w, "  arn:      %s\n", st.DBInstanceARN)
	fmt.Fprintf(w, "  status:   %s\n", st.DBInstanceStatus)
	groups := "none"
	if len(st.AttachedGroups) > 0 {
		groups = strings.Join(st.AttachedGroups, ", ")
	}
	fmt.Fprintf(w, "  groups:   %s\n", groups)
	fmt.Fprintf(w, "  attached: %s\n", yesNo(st.GroupAttached))
	fmt.Fprintf(w, "  tagged:   %s\n", yesNo(st.InstanceTagged))

	fmt.Fprintf(w, "CONVERGED %s\n", yesNo(st.Converged()))
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "missing"
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
