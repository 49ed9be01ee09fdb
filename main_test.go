package main

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/google/go-cmp/cmp"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
	rt "github.com/pix4d/rdsvalet/pkg/reconcile/reconciletest"
)

// Environment variables read by the argument parser.
var parserEnv = []string{
	"RDSVALET_CONFIG", "AWS_REGION", "RDS_INSTANCE_IDENTIFIER",
	"CIDR_BLOCK", "VPC_ID", "RDSVALET_DEBUG",
}

type fakeAWS struct {
	ec2    *rt.EC2
	rds    *rt.RDS
	region string
}

func TestRunFailure(t *testing.T) {
	testCases := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing subcommand",
			args:    []string{"rdsvalet"},
			wantErr: "missing subcommand (apply, status, teardown)",
		},
		{
			name: "apply without configuration",
			args: []string{"rdsvalet", "apply"},
			wantErr: "apply: missing DB instance identifier (--db-instance or RDS_INSTANCE_IDENTIFIER); " +
				"missing CIDR block (--cidr or CIDR_BLOCK)",
		},
		{
			name:    "apply with host bits in CIDR",
			args:    []string{"rdsvalet", "apply", "--db-instance", "db", "--cidr", "10.0.0.1/8"},
			wantErr: `apply: invalid CIDR block "10.0.0.1/8": host bits set, did you mean 10.0.0.0/8?`,
		},
		{
			name:    "apply with IPv6 CIDR",
			args:    []string{"rdsvalet", "apply", "--db-instance", "db", "--cidr", "::/0"},
			wantErr: `apply: invalid CIDR block "::/0": only IPv4 is supported`,
		},
		{
			name:    "status without CIDR",
			args:    []string{"rdsvalet", "status", "--db-instance", "db"},
			wantErr: "status: missing CIDR block (--cidr or CIDR_BLOCK)",
		},
		{
			name:    "teardown without instance",
			args:    []string{"rdsvalet", "teardown"},
			wantErr: "teardown: missing DB instance identifier (--db-instance or RDS_INSTANCE_IDENTIFIER)",
		},
		{
			name:    "non existing config file",
			args:    []string{"rdsvalet", "apply", "--config", "nonexisting.toml"},
			wantErr: "apply: config parse failed (nonexisting.toml): open nonexisting.toml: no such file or directory",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			runFailure(t, tc.args, nil, tc.wantErr)
		})
	}
}

func TestRunApply(t *testing.T) {
	fake := &fakeAWS{
		ec2: rt.NewEC2(),
		rds: rt.NewRDS(rt.Instance("my-rds-instance", "sg-default")),
	}
	fake.ec2.NewIDs = []string{"sg-123"}
	args := []string{"rdsvalet", "apply",
		"--db-instance", "my-rds-instance", "--cidr", "0.0.0.0/0", "--region", "eu-central-1"}

	runSuccess(t, args, fake, applyDoneMsg+"\n")

	if fake.region != "eu-central-1" {
		t.Errorf("region: have: %q; want: %q", fake.region, "eu-central-1")
	}
	db := fake.rds.Instances["my-rds-instance"]
	if len(db.VpcSecurityGroups) != 1 || aws.ToString(db.VpcSecurityGroups[0].VpcSecurityGroupId) != "sg-123" {
		t.Errorf("attached groups: have: %+v; want: [sg-123]", db.VpcSecurityGroups)
	}

	// Running again changes nothing.
	calls := len(fake.ec2.Calls) + len(fake.rds.Calls)
	runSuccess(t, args, fake, applyDoneMsg+"\n")
	if have := fake.ec2.Count(rt.OpCreateSecurityGroup); have != 1 {
		t.Errorf("CreateSecurityGroup calls: have: %d; want: 1", have)
	}
	if have := fake.rds.Count(rt.OpModifyDBInstance); have != 1 {
		t.Errorf("ModifyDBInstance calls: have: %d; want: 1", have)
	}
	if have := len(fake.ec2.Calls) + len(fake.rds.Calls); have != calls+3 {
		t.Errorf("second run: have %d new calls; want 3 (all read-only)", have-calls)
	}
}

func TestRunApplyMissingInstance(t *testing.T) {
	fake := &fakeAWS{ec2: rt.NewEC2(rt.Group("sg-456", "Name", "my-tag")), rds: rt.NewRDS()}
	args := []string{"rdsvalet", "apply", "--db-instance", "ghost", "--cidr", "0.0.0.0/0"}

	runFailure(t, args, fake, "apply: db instance ghost: target resource not found")
}

func TestRunStatus(t *testing.T) {
	db := rt.Instance("my-rds-instance", "sg-456")
	db.TagList = []rdstypes.Tag{{Key: aws.String("Name"), Value: aws.String("other")}}
	fake := &fakeAWS{
		ec2: rt.NewEC2(rt.Group("sg-456", "Name", "my-tag")),
		rds: rt.NewRDS(db),
	}
	args := []string{"rdsvalet", "status", "--db-instance", "my-rds-instance", "--cidr", "0.0.0.0/0"}

	want := `SECURITY GROUP (Name=my-tag)
  id:       sg-456 (sg-456)
  ingress:  tcp/3306-3306 from [0.0.0.0/0] missing
DB INSTANCE my-rds-instance
  arn:      arn:aws:rds:us-west-2:123456789012:db:my-rds-instance
  status:   available
  groups:   sg-456
  attached: yes
  tagged:   no
CONVERGED no
`
	runSuccess(t, args, fake, want)

	if have := len(fake.ec2.Calls) + len(fake.rds.Calls); have != 2 {
		t.Errorf("calls: have: %d; want: 2 (one describe per service)", have)
	}
}

func TestRunStatusNoGroup(t *testing.T) {
	fake := &fakeAWS{ec2: rt.NewEC2(), rds: rt.NewRDS(rt.Instance("db1"))}
	args := []string{"rdsvalet", "status", "--db-instance", "db1", "--cidr", "10.1.0.0/16",
		"--tag-key", "Owner", "--tag-value", "dba"}

	want := `SECURITY GROUP (Owner=dba)
  id:       none
DB INSTANCE db1
  arn:      arn:aws:rds:us-west-2:123456789012:db:db1
  status:   available
  groups:   none
  attached: no
  tagged:   no
CONVERGED no
`
	runSuccess(t, args, fake, want)
}

func TestRunTeardown(t *testing.T) {
	testCases := []struct {
		name     string
		groups   []string
		attached []string
		want     string
	}{
		{
			name:     "attached",
			groups:   []string{"sg-456"},
			attached: []string{"sg-456", "sg-default"},
			want:     "security group sg-456 detached from my-rds-instance and deleted\n",
		},
		{
			name:     "not attached",
			groups:   []string{"sg-456"},
			attached: []string{"sg-default"},
			want:     "security group sg-456 deleted\n",
		},
		{
			name:     "no group",
			attached: []string{"sg-default"},
			want:     "no security group tagged Name=my-tag, nothing to do\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeAWS{ec2: rt.NewEC2(), rds: rt.NewRDS(rt.Instance("my-rds-instance", tc.attached...))}
			for _, id := range tc.groups {
				fake.ec2.Groups = append(fake.ec2.Groups, rt.Group(id, "Name", "my-tag"))
			}
			args := []string{"rdsvalet", "teardown", "--db-instance", "my-rds-instance"}

			runSuccess(t, args, fake, tc.want)
		})
	}
}

func runSuccess(t *testing.T, args []string, fake *fakeAWS, wantOut string) {
	t.Helper()

	out, err := runWithFakes(t, args, fake)

	if err != nil {
		t.Fatalf("run: args: %s\nhave: %q\nwant: no error", args, err)
	}
	if diff := cmp.Diff(wantOut, out); diff != "" {
		t.Errorf("output mismatch (-want +have):\n%s", diff)
	}
}

// If fake is nil, creating the AWS clients fails the test.
func runFailure(t *testing.T, args []string, fake *fakeAWS, wantErr string) {
	t.Helper()

	_, err := runWithFakes(t, args, fake)

	if err == nil {
		t.Fatalf("run: args: %s\nhave: no error\nwant: %q", args, wantErr)
	}
	if diff := cmp.Diff(wantErr, err.Error()); diff != "" {
		t.Errorf("error message mismatch (-want +have):\n%s", diff)
	}
}

func runWithFakes(t *testing.T, args []string, fake *fakeAWS) (string, error) {
	t.Helper()
	unsetenv(t, parserEnv...)

	oldArgs, oldAPIs, oldStdout := os.Args, newAPIs, stdout
	defer func() {
		os.Args, newAPIs, stdout = oldArgs, oldAPIs, oldStdout
	}()

	var out bytes.Buffer
	stdout = &out
	newAPIs = func(_ context.Context, region string) (reconcile.EC2API, reconcile.RDSAPI, error) {
		if fake == nil {
			t.Fatalf("run: args: %s: unexpected creation of AWS clients", args)
		}
		fake.region = region
		return fake.ec2, fake.rds, nil
	}
	os.Args = args

	err := run()
	return out.String(), err
}

func unsetenv(t *testing.T, keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			os.Unsetenv(k)
			t.Cleanup(func() { os.Setenv(k, v) })
		}
	}
}
