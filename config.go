package main

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
)

// Options are shared by all subcommands. A value given as flag or environment
// variable wins over the one in the configuration file, which wins over the
// built-in default.
type Options struct {
	Config     string `arg:"--config,env:RDSVALET_CONFIG" help:"path to a TOML file providing values for the options below" toml:"-"`
	Region     string `arg:"--region,env:AWS_REGION" help:"AWS region [default: us-west-2]" toml:"region"`
	DBInstance string `arg:"--db-instance,env:RDS_INSTANCE_IDENTIFIER" help:"identifier of the RDS DB instance" toml:"db_instance"`
	CIDRBlock  string `arg:"--cidr,env:CIDR_BLOCK" help:"IPv4 CIDR block allowed to reach the database port" toml:"cidr_block"`
	VpcID      string `arg:"--vpc-id,env:VPC_ID" help:"VPC of a newly created security group [default: the default VPC]" toml:"vpc_id"`
	GroupName  string `arg:"--group-name" help:"name of a newly created security group [default: my-security-group]" toml:"group_name"`
	TagKey     string `arg:"--tag-key" help:"key of the identifying tag [default: Name]" toml:"tag_key"`
	TagValue   string `arg:"--tag-value" help:"value of the identifying tag [default: my-tag]" toml:"tag_value"`
	Port       int32  `arg:"--port" help:"database port to open [default: 3306]" toml:"port"`
	Debug      bool   `arg:"--debug,env:RDSVALET_DEBUG" help:"enable debug logging" toml:"-"`
}

// merge fills the zero fields of opts with the ones from other.
func (opts Options) merge(other Options) Options {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&opts.Region, other.Region)
	fill(&opts.DBInstance, other.DBInstance)
	fill(&opts.CIDRBlock, other.CIDRBlock)
	fill(&opts.VpcID, other.VpcID)
	fill(&opts.GroupName, other.GroupName)
	fill(&opts.TagKey, other.TagKey)
	fill(&opts.TagValue, other.TagValue)
	if opts.Port == 0 {
		opts.Port = other.Port
	}
	return opts
}

// loadConfigFile decodes the TOML file at path. Unknown keys are an error, to
// catch typos.
func loadConfigFile(path string) (Options, error) {
	var file Options
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return Options{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Options{}, fmt.Errorf("config parse failed (%s): unknown keys: %s",
			path, strings.Join(keys, ", "))
	}
	return file, nil
}

// resolveConfig turns the command-line options into the reconciler
// configuration. CIDR is only required by the subcommands that look at the
// ingress rule.
func resolveConfig(opts Options, needCIDR bool) (reconcile.Config, error) {
	if opts.Config != "" {
		file, err := loadConfigFile(opts.Config)
		if err != nil {
			return reconcile.Config{}, err
		}
		opts = opts.merge(file)
	}

	cfg := reconcile.Config{
		Region:               opts.Region,
		DBInstanceIdentifier: opts.DBInstance,
		CIDRBlock:            opts.CIDRBlock,
		VpcID:                opts.VpcID,
		GroupName:            opts.GroupName,
		TagKey:               opts.TagKey,
		TagValue:             opts.TagValue,
		Port:                 opts.Port,
	}.WithDefaults()

	if err := validateConfig(cfg, needCIDR); err != nil {
		return reconcile.Config{}, err
	}
	return cfg, nil
}

// validateConfig reports every problem at once.
func validateConfig(cfg reconcile.Config, needCIDR bool) error {
	var err error
	if cfg.DBInstanceIdentifier == "" {
		err = multierr.Append(err,
			errors.New("missing DB instance identifier (--db-instance or RDS_INSTANCE_IDENTIFIER)"))
	}
	if needCIDR {
		err = multierr.Append(err, validateCIDR(cfg.CIDRBlock))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("invalid port %d", cfg.Port))
	}
	return err
}

func validateCIDR(cidr string) error {
	if cidr == "" {
		return errors.New("missing CIDR block (--cidr or CIDR_BLOCK)")
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("invalid CIDR block %q: %v", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return fmt.Errorf("invalid CIDR block %q: only IPv4 is supported", cidr)
	}
	if masked := prefix.Masked(); masked != prefix {
		return fmt.Errorf("invalid CIDR block %q: host bits set, did you mean %s?", cidr, masked)
	}
	return nil
}
