// Package reconciletest provides in-memory stand-ins for the EC2 and RDS
// clients, for use in tests.
//
// The fakes keep enough state for several reconciliation runs to observe each
// other's effects (a group created and tagged by one run is found by the
// next), and record every call so tests can count the mutating ones.
package reconciletest

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

// Operation names, as recorded in Call.Op and used as keys of Errors.
const (
	OpDescribeSecurityGroups        = "DescribeSecurityGroups"
	OpCreateSecurityGroup           = "CreateSecurityGroup"
	OpAuthorizeSecurityGroupIngress = "AuthorizeSecurityGroupIngress"
	OpCreateTags                    = "CreateTags"
	OpDeleteSecurityGroup           = "DeleteSecurityGroup"
	OpDescribeDBInstances           = "DescribeDBInstances"
	OpModifyDBInstance              = "ModifyDBInstance"
	OpAddTagsToResource             = "AddTagsToResource"
)

// Call is one recorded API call. Input is the params pointer as received.
type Call struct {
	Op    string
	Input any
}

type recorder struct {
	Calls []Call
	// Errors makes the named operation fail with the given error,
	// without touching the state.
	Errors map[string]error
}

func (rec *recorder) record(op string, input any) error {
	rec.Calls = append(rec.Calls, Call{Op: op, Input: input})
	return rec.Errors[op]
}

// Count returns how many times op was called.
func (rec *recorder) Count(op string) int {
	n := 0
	for _, c := range rec.Calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Inputs returns the inputs of every call to op, in order.
func (rec *recorder) Inputs(op string) []any {
	var inputs []any
	for _, c := range rec.Calls {
		if c.Op == op {
			inputs = append(inputs, c.Input)
		}
	}
	return inputs
}

// EC2 is a fake EC2 client holding security groups.
type EC2 struct {
	recorder
	Groups []ec2types.SecurityGroup
	// NewIDs are handed out in order by CreateSecurityGroup; when exhausted,
	// ids are generated.
	NewIDs []string
	seq    int
}

// NewEC2 returns a fake holding groups.
func NewEC2(groups ...ec2types.SecurityGroup) *EC2 {
	return &EC2{Groups: groups}
}

// Group returns a security group with id, optionally tagged key=value.
func Group(id string, tags ...string) ec2types.SecurityGroup {
	sg := ec2types.SecurityGroup{GroupId: aws.String(id), GroupName: aws.String(id)}
	for i := 0; i+1 < len(tags); i += 2 {
		sg.Tags = append(sg.Tags, ec2types.Tag{Key: aws.String(tags[i]), Value: aws.String(tags[i+1])})
	}
	return sg
}

func (f *EC2) group(id string) *ec2types.SecurityGroup {
	for i := range f.Groups {
		if aws.ToString(f.Groups[i].GroupId) == id {
			return &f.Groups[i]
		}
	}
	return nil
}

// DescribeSecurityGroups supports "tag:<key>" filters and GroupIds.
func (f *EC2) DescribeSecurityGroups(_ context.Context, params *ec2.DescribeSecurityGroupsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	if err := f.record(OpDescribeSecurityGroups, params); err != nil {
		return nil, err
	}
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, sg := range f.Groups {
		if matchesGroup(sg, params) {
			out.SecurityGroups = append(out.SecurityGroups, sg)
		}
	}
	return out, nil
}

func matchesGroup(sg ec2types.SecurityGroup, params *ec2.DescribeSecurityGroupsInput) bool {
	if len(params.GroupIds) > 0 && !contains(params.GroupIds, aws.ToString(sg.GroupId)) {
		return false
	}
	for _, filter := range params.Filters {
		key, ok := strings.CutPrefix(aws.ToString(filter.Name), "tag:")
		if !ok {
			continue
		}
		found := false
		for _, tag := range sg.Tags {
			if aws.ToString(tag.Key) == key && contains(filter.Values, aws.ToString(tag.Value)) {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *EC2) CreateSecurityGroup(_ context.Context, params *ec2.CreateSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	if err := f.record(OpCreateSecurityGroup, params); err != nil {
		return nil, err
	}
	var id string
	if len(f.NewIDs) > 0 {
		id, f.NewIDs = f.NewIDs[0], f.NewIDs[1:]
	} else {
		f.seq++
		id = fmt.Sprintf("sg-%08d", f.seq)
	}
	f.Groups = append(f.Groups, ec2types.SecurityGroup{
		GroupId:     aws.String(id),
		GroupName:   params.GroupName,
		Description: params.Description,
		VpcId:       params.VpcId,
	})
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String(id)}, nil
}

func (f *EC2) AuthorizeSecurityGroupIngress(_ context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, _ ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	if err := f.record(OpAuthorizeSecurityGroupIngress, params); err != nil {
		return nil, err
	}
	sg := f.group(aws.ToString(params.GroupId))
	if sg == nil {
		return nil, fmt.Errorf("InvalidGroup.NotFound: %s", aws.ToString(params.GroupId))
	}
	sg.IpPermissions = append(sg.IpPermissions, params.IpPermissions...)
	return &ec2.AuthorizeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func (f *EC2) CreateTags(_ context.Context, params *ec2.CreateTagsInput, _ ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	if err := f.record(OpCreateTags, params); err != nil {
		return nil, err
	}
	for _, id := range params.Resources {
		sg := f.group(id)
		if sg == nil {
			return nil, fmt.Errorf("InvalidID: %s", id)
		}
		sg.Tags = append(sg.Tags, params.Tags...)
	}
	return &ec2.CreateTagsOutput{}, nil
}

func (f *EC2) DeleteSecurityGroup(_ context.Context, params *ec2.DeleteSecurityGroupInput, _ ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	if err := f.record(OpDeleteSecurityGroup, params); err != nil {
		return nil, err
	}
	id := aws.ToString(params.GroupId)
	for i := range f.Groups {
		if aws.ToString(f.Groups[i].GroupId) == id {
			f.Groups = append(f.Groups[:i], f.Groups[i+1:]...)
			return &ec2.DeleteSecurityGroupOutput{GroupId: aws.String(id)}, nil
		}
	}
	return nil, fmt.Errorf("InvalidGroup.NotFound: %s", id)
}

// RDS is a fake RDS client holding DB instances keyed by identifier.
type RDS struct {
	recorder
	Instances map[string]*rdstypes.DBInstance
}

// NewRDS returns a fake holding instances.
func NewRDS(instances ...*rdstypes.DBInstance) *RDS {
	f := &RDS{Instances: map[string]*rdstypes.DBInstance{}}
	for _, db := range instances {
		f.Instances[aws.ToString(db.DBInstanceIdentifier)] = db
	}
	return f
}

// Instance returns an available instance in us-west-2 with the given attached
// security groups.
func Instance(identifier string, groupIDs ...string) *rdstypes.DBInstance {
	db := &rdstypes.DBInstance{
		DBInstanceIdentifier: aws.String(identifier),
		DBInstanceArn:        aws.String("arn:aws:rds:us-west-2:123456789012:db:" + identifier),
		DBInstanceStatus:     aws.String("available"),
	}
	for _, id := range groupIDs {
		db.VpcSecurityGroups = append(db.VpcSecurityGroups,
			rdstypes.VpcSecurityGroupMembership{VpcSecurityGroupId: aws.String(id), Status: aws.String("active")})
	}
	return db
}

func (f *RDS) DescribeDBInstances(_ context.Context, params *rds.DescribeDBInstancesInput, _ ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	if err := f.record(OpDescribeDBInstances, params); err != nil {
		return nil, err
	}
	db, ok := f.Instances[aws.ToString(params.DBInstanceIdentifier)]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{
			Message: aws.String("DBInstance " + aws.ToString(params.DBInstanceIdentifier) + " not found."),
		}
	}
	// A copy, so that callers cannot keep a live reference.
	clone := *db
	clone.VpcSecurityGroups = append([]rdstypes.VpcSecurityGroupMembership(nil), db.VpcSecurityGroups...)
	clone.TagList = append([]rdstypes.Tag(nil), db.TagList...)
	return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{clone}}, nil
}

func (f *RDS) ModifyDBInstance(_ context.Context, params *rds.ModifyDBInstanceInput, _ ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error) {
	if err := f.record(OpModifyDBInstance, params); err != nil {
		return nil, err
	}
	db, ok := f.Instances[aws.ToString(params.DBInstanceIdentifier)]
	if !ok {
		return nil, &rdstypes.DBInstanceNotFoundFault{}
	}
	if params.VpcSecurityGroupIds != nil {
		db.VpcSecurityGroups = nil
		for _, id := range params.VpcSecurityGroupIds {
			db.VpcSecurityGroups = append(db.VpcSecurityGroups,
				rdstypes.VpcSecurityGroupMembership{VpcSecurityGroupId: aws.String(id), Status: aws.String("adding")})
		}
	}
	return &rds.ModifyDBInstanceOutput{DBInstance: db}, nil
}

func (f *RDS) AddTagsToResource(_ context.Context, params *rds.AddTagsToResourceInput, _ ...func(*rds.Options)) (*rds.AddTagsToResourceOutput, error) {
	if err := f.record(OpAddTagsToResource, params); err != nil {
		return nil, err
	}
	for _, db := range f.Instances {
		if aws.ToString(db.DBInstanceArn) != aws.ToString(params.ResourceName) {
			continue
		}
		for _, tag := range params.Tags {
			db.TagList = upsertTag(db.TagList, tag)
		}
		return &rds.AddTagsToResourceOutput{}, nil
	}
	return nil, &rdstypes.DBInstanceNotFoundFault{}
}

func upsertTag(tags []rdstypes.Tag, tag rdstypes.Tag) []rdstypes.Tag {
	for i := range tags {
		if aws.ToString(tags[i].Key) == aws.ToString(tag.Key) {
			tags[i].Value = tag.Value
			return tags
		}
	}
	return append(tags, tag)
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
