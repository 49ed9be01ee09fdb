package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
)

// TeardownResult tells what Teardown changed.
type TeardownResult struct {
	// Empty when there was no group to remove.
	SecurityGroupID string
	Detached        bool
	Deleted         bool
}

// Teardown undoes what Apply set up: it detaches the tagged security group
// from the instance, keeping every other attached group, and deletes it.
// If maxWait is positive, it waits for the instance to be available between
// the two steps, since EC2 refuses to delete a group still in use.
// The tag on the instance is left alone.
func (r *Reconciler) Teardown(ctx context.Context, maxWait time.Duration) (TeardownResult, error) {
	var res TeardownResult

	sg, err := r.findGroup(ctx)
	if err != nil {
		return res, err
	}
	if sg == nil {
		r.log.Info().Str("tag", r.tagString()).Msg("no security group to tear down")
		return res, nil
	}
	id := aws.ToString(sg.GroupId)
	res.SecurityGroupID = id

	db, err := r.describeInstance(ctx)
	if err != nil {
		return res, err
	}
	attached := attachedGroups(db)
	if attached.Has(id) {
		attached.Remove(id)
		if attached.Size() == 0 {
			return res, fmt.Errorf("detaching %s from %s: %w",
				id, r.cfg.DBInstanceIdentifier, ErrLastSecurityGroup)
		}
		if _, err := r.rds.ModifyDBInstance(ctx, &rds.ModifyDBInstanceInput{
			DBInstanceIdentifier: aws.String(r.cfg.DBInstanceIdentifier),
			VpcSecurityGroupIds:  sorted(attached),
			ApplyImmediately:     aws.Bool(true),
		}); err != nil {
			return res, fmt.Errorf("detaching security group %s from %s: %w",
				id, r.cfg.DBInstanceIdentifier, err)
		}
		res.Detached = true
		r.log.Info().Str("group_id", id).Str("db_instance", r.cfg.DBInstanceIdentifier).
			Msg("security group detached")

		if maxWait > 0 {
			if err := r.WaitAvailable(ctx, maxWait); err != nil {
				return res, err
			}
		}
	}

	if _, err := r.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
		GroupId: aws.String(id),
	}); err != nil {
		return res, fmt.Errorf("deleting security group %s: %w", id, err)
	}
	res.Deleted = true
	r.log.Info().Str("group_id", id).Msg("security group deleted")

	if r.groupID == id {
		r.groupID = ""
	}
	return res, nil
}
