// Package reconcile drives an RDS instance and its dedicated security group
// towards a fixed desired state.
//
// Every step first observes the current state and issues a mutating call only
// when the desired state is absent, so running the same steps again is a
// no-op. Retries, credentials and timeouts belong to the AWS SDK clients
// passed to New.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/rs/zerolog"
	"github.com/scylladb/go-set/strset"

	"github.com/pix4d/rdsvalet/pkg/sgrule"
)

// Defaults for the fields of Config that the user normally does not touch.
const (
	DefaultRegion           = "us-west-2"
	DefaultGroupName        = "my-security-group"
	DefaultGroupDescription = "Security group for RDS DB instance"
	DefaultTagKey           = "Name"
	DefaultTagValue         = "my-tag"
	DefaultPort             = 3306
)

var (
	// ErrTargetNotFound is returned when the DB instance to act upon does not exist.
	ErrTargetNotFound = errors.New("target resource not found")
	// ErrLastSecurityGroup is returned by Teardown when detaching the group
	// would leave the instance without any security group.
	ErrLastSecurityGroup = errors.New("refusing to detach the only security group of the instance")
)

// EC2API is the subset of *ec2.Client used by the Reconciler.
type EC2API interface {
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

// RDSAPI is the subset of *rds.Client used by the Reconciler.
// It also satisfies rds.DescribeDBInstancesAPIClient, needed by the waiters.
type RDSAPI interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	ModifyDBInstance(ctx context.Context, params *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
	AddTagsToResource(ctx context.Context, params *rds.AddTagsToResourceInput, optFns ...func(*rds.Options)) (*rds.AddTagsToResourceOutput, error)
}

// Config is the desired state. It is resolved once by the caller and never
// changes during a run.
type Config struct {
	Region               string
	DBInstanceIdentifier string
	CIDRBlock            string
	// VpcID is passed to CreateSecurityGroup when not empty; otherwise the
	// group lands in the default VPC.
	VpcID            string
	GroupName        string
	GroupDescription string
	TagKey           string
	TagValue         string
	Port             int32
}

// WithDefaults returns a copy of cfg where every empty field that has a
// default is filled in.
func (cfg Config) WithDefaults() Config {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.GroupName == "" {
		cfg.GroupName = DefaultGroupName
	}
	if cfg.GroupDescription == "" {
		cfg.GroupDescription = DefaultGroupDescription
	}
	if cfg.TagKey == "" {
		cfg.TagKey = DefaultTagKey
	}
	if cfg.TagValue == "" {
		cfg.TagValue = DefaultTagValue
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return cfg
}

// Reconciler holds the clients and the desired state for one run.
// It is not safe for concurrent use.
type Reconciler struct {
	cfg Config
	ec2 EC2API
	rds RDSAPI
	log zerolog.Logger

	// Memoized by SecurityGroupID.
	groupID string
}

// New returns a Reconciler for cfg. Empty fields of cfg get their defaults.
func New(cfg Config, ec2Client EC2API, rdsClient RDSAPI, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		cfg: cfg.WithDefaults(),
		ec2: ec2Client,
		rds: rdsClient,
		log: log,
	}
}

// Config returns the effective configuration.
func (r *Reconciler) Config() Config {
	return r.cfg
}

// Result tells what Apply changed.
type Result struct {
	SecurityGroupID string
	GroupCreated    bool
	Attached        bool
	Tagged          bool
}

// Apply runs the three reconciliation steps in order: ensure the security
// group exists, ensure it is attached to the instance, ensure the instance is
// tagged. The first error stops the run; earlier steps are not rolled back.
func (r *Reconciler) Apply(ctx context.Context) (Result, error) {
	var res Result
	var err error

	if res.SecurityGroupID, res.GroupCreated, err = r.resolveGroup(ctx); err != nil {
		return res, err
	}
	if res.Attached, err = r.EnsureAttached(ctx); err != nil {
		return res, err
	}
	if res.Tagged, err = r.EnsureTagged(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// SecurityGroupID returns the id of the security group carrying the
// identifying tag, creating, authorizing and tagging it if no such group
// exists. The id is memoized: later calls on the same Reconciler issue no
// API call at all.
func (r *Reconciler) SecurityGroupID(ctx context.Context) (string, error) {
	id, _, err := r.resolveGroup(ctx)
	return id, err
}

func (r *Reconciler) resolveGroup(ctx context.Context) (string, bool, error) {
	if r.groupID != "" {
		return r.groupID, false, nil
	}

	sg, err := r.findGroup(ctx)
	if err != nil {
		return "", false, err
	}
	if sg != nil {
		r.groupID = aws.ToString(sg.GroupId)
		r.log.Info().Str("group_id", r.groupID).Msg("security group found")
		return r.groupID, false, nil
	}

	id, err := r.createGroup(ctx)
	if err != nil {
		return "", false, err
	}
	r.groupID = id
	return id, true, nil
}

// findGroup returns the first security group matching the tag filter, or nil.
func (r *Reconciler) findGroup(ctx context.Context) (*ec2types.SecurityGroup, error) {
	out, err := r.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{{
			Name:   aws.String("tag:" + r.cfg.TagKey),
			Values: []string{r.cfg.TagValue},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("describing security groups: %w", err)
	}
	if len(out.SecurityGroups) == 0 {
		return nil, nil
	}
	if n := len(out.SecurityGroups); n > 1 {
		r.log.Debug().Int("matches", n).Str("tag", r.tagString()).
			Msg("several security groups carry the tag, using the first one")
	}
	return &out.SecurityGroups[0], nil
}

func (r *Reconciler) createGroup(ctx context.Context) (string, error) {
	input := &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(r.cfg.GroupName),
		Description: aws.String(r.cfg.GroupDescription),
	}
	if r.cfg.VpcID != "" {
		input.VpcId = aws.String(r.cfg.VpcID)
	}
	out, err := r.ec2.CreateSecurityGroup(ctx, input)
	if err != nil {
		return "", fmt.Errorf("creating security group %s: %w", r.cfg.GroupName, err)
	}
	id := aws.ToString(out.GroupId)
	r.log.Info().Str("group_id", id).Str("group_name", r.cfg.GroupName).Msg("security group created")

	rule := sgrule.ForDatabase(r.cfg.Port, r.cfg.CIDRBlock)
	if _, err := r.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId:       aws.String(id),
		IpPermissions: []ec2types.IpPermission{rule.IPPermission()},
	}); err != nil {
		return "", fmt.Errorf("authorizing ingress %s on %s: %w", rule, id, err)
	}
	r.log.Info().Str("group_id", id).Stringer("rule", rule).Msg("ingress authorized")

	if _, err := r.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      []ec2types.Tag{{Key: aws.String(r.cfg.TagKey), Value: aws.String(r.cfg.TagValue)}},
	}); err != nil {
		return "", fmt.Errorf("tagging security group %s: %w", id, err)
	}
	return id, nil
}

// EnsureAttached makes sure the security group is attached to the instance.
// When it is not, the instance's security group list is REPLACED by the
// single resolved group and the change is applied immediately.
// It reports whether a modification was issued.
func (r *Reconciler) EnsureAttached(ctx context.Context) (bool, error) {
	id, err := r.SecurityGroupID(ctx)
	if err != nil {
		return false, err
	}

	db, err := r.describeInstance(ctx)
	if err != nil {
		return false, err
	}
	attached := attachedGroups(db)
	if attached.Has(id) {
		r.log.Debug().Str("group_id", id).Msg("security group already attached")
		return false, nil
	}

	if attached.Size() > 0 {
		r.log.Warn().Strs("dropped", sorted(attached)).Str("group_id", id).
			Msg("replacing the security groups of the instance")
	}
	if _, err := r.rds.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: aws.String(r.cfg.DBInstanceIdentifier),
		VpcSecurityGroupIds:  []string{id},
		ApplyImmediately:     aws.Bool(true),
	}); err != nil {
		return false, fmt.Errorf("attaching security group %s to %s: %w",
			id, r.cfg.DBInstanceIdentifier, err)
	}
	r.log.Info().Str("group_id", id).Str("db_instance", r.cfg.DBInstanceIdentifier).
		Msg("security group attached")
	return true, nil
}

// describeInstance always fetches a fresh copy of the instance.
func (r *Reconciler) describeInstance(ctx context.Context) (*rdstypes.DBInstance, error) {
	out, err := r.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(r.cfg.DBInstanceIdentifier),
	})
	if err != nil {
		var notFound *rdstypes.DBInstanceNotFoundFault
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("db instance %s: %w", r.cfg.DBInstanceIdentifier, ErrTargetNotFound)
		}
		return nil, fmt.Errorf("describing db instance %s: %w", r.cfg.DBInstanceIdentifier, err)
	}
	if len(out.DBInstances) == 0 {
		return nil, fmt.Errorf("db instance %s: %w", r.cfg.DBInstanceIdentifier, ErrTargetNotFound)
	}
	return &out.DBInstances[0], nil
}

func attachedGroups(db *rdstypes.DBInstance) *strset.Set {
	ids := strset.New()
	for _, m := range db.VpcSecurityGroups {
		ids.Add(aws.ToString(m.VpcSecurityGroupId))
	}
	return ids
}

// Go maps are unordered; sort to get stable log lines and reports.
func sorted(s *strset.Set) []string {
	l := s.List()
	sort.Strings(l)
	return l
}

func (r *Reconciler) tagString() string {
	return r.cfg.TagKey + "=" + r.cfg.TagValue
}
