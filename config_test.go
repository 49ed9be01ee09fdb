package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-quicktest/qt"
	"go.uber.org/multierr"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rdsvalet.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := resolveConfig(Options{DBInstance: "db", CIDRBlock: "0.0.0.0/0"}, true)

	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(cfg, reconcile.Config{
		Region:               "us-west-2",
		DBInstanceIdentifier: "db",
		CIDRBlock:            "0.0.0.0/0",
		GroupName:            "my-security-group",
		GroupDescription:     "Security group for RDS DB instance",
		TagKey:               "Name",
		TagValue:             "my-tag",
		Port:                 3306,
	}))
}

func TestResolveConfigPrecedence(t *testing.T) {
	path := writeConfig(t, `
region      = "eu-west-1"
db_instance = "from-file"
cidr_block  = "10.0.0.0/8"
vpc_id      = "vpc-1234"
tag_value   = "db-access"
port        = 5432
`)
	opts := Options{
		Config:     path,
		DBInstance: "from-flag",
		TagValue:   "from-flag",
	}

	cfg, err := resolveConfig(opts, true)

	qt.Assert(t, qt.IsNil(err))
	qt.Check(t, qt.DeepEquals(cfg, reconcile.Config{
		Region:               "eu-west-1",
		DBInstanceIdentifier: "from-flag",
		CIDRBlock:            "10.0.0.0/8",
		VpcID:                "vpc-1234",
		GroupName:            "my-security-group",
		GroupDescription:     "Security group for RDS DB instance",
		TagKey:               "Name",
		TagValue:             "from-flag",
		Port:                 5432,
	}))
}

func TestResolveConfigFileFailure(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown key",
			content: "region = \"eu-west-1\"\ncolour = \"blue\"\n",
			wantErr: `config parse failed \(.*\): unknown keys: colour`,
		},
		{
			name:    "invalid toml",
			content: "region = \n",
			wantErr: `config parse failed \(.*\): .*`,
		},
		{
			name:    "wrong type",
			content: "port = \"mysql\"\n",
			wantErr: `config parse failed \(.*\): .*`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)

			_, err := resolveConfig(Options{Config: path, DBInstance: "db", CIDRBlock: "0.0.0.0/0"}, true)

			qt.Assert(t, qt.ErrorMatches(err, tc.wantErr))
		})
	}
}

func TestValidateConfigCollectsAllErrors(t *testing.T) {
	cfg := reconcile.Config{CIDRBlock: "not-a-cidr", Port: -1}

	err := validateConfig(cfg, true)

	qt.Assert(t, qt.IsNotNil(err))
	qt.Check(t, qt.HasLen(multierr.Errors(err), 3))
}

func TestValidateConfigCIDRNotNeeded(t *testing.T) {
	cfg := reconcile.Config{DBInstanceIdentifier: "db"}.WithDefaults()

	qt.Check(t, qt.IsNil(validateConfig(cfg, false)))
	qt.Check(t, qt.ErrorMatches(validateConfig(cfg, true), `missing CIDR block .*`))
}

func TestValidateCIDR(t *testing.T) {
	testCases := []struct {
		cidr    string
		wantErr string
	}{
		{"0.0.0.0/0", ""},
		{"192.168.1.10/32", ""},
		{"10.0.0.0/33", `invalid CIDR block "10.0.0.0/33": .*`},
		{"10.0.0.0", `invalid CIDR block "10.0.0.0": .*`},
		{"2001:db8::/32", `invalid CIDR block "2001:db8::/32": only IPv4 is supported`},
		{"192.168.1.10/24", `invalid CIDR block "192.168.1.10/24": host bits set, did you mean 192.168.1.0/24\?`},
	}

	for _, tc := range testCases {
		t.Run(tc.cidr, func(t *testing.T) {
			err := validateCIDR(tc.cidr)

			if tc.wantErr == "" {
				qt.Assert(t, qt.IsNil(err))
				return
			}
			qt.Assert(t, qt.ErrorMatches(err, tc.wantErr))
		})
	}
}

func TestMakeErrorf(t *testing.T) {
	errorf := MakeErrorf("apply")

	err := errorf("%w", reconcile.ErrTargetNotFound)

	qt.Check(t, qt.ErrorMatches(err, "apply: target resource not found"))
	qt.Check(t, qt.ErrorIs(err, reconcile.ErrTargetNotFound))
}
