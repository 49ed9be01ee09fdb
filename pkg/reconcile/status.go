package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/pix4d/rdsvalet/pkg/sgrule"
)

// Status is a read-only snapshot of the state Apply would act upon.
type Status struct {
	// Empty when no group carries the identifying tag.
	GroupID        string
	GroupName      string
	IngressPresent bool

	DBInstanceARN    string
	DBInstanceStatus string
	AttachedGroups   []string
	GroupAttached    bool
	InstanceTagged   bool
}

// Converged is true when Apply would not issue any mutating call.
func (s Status) Converged() bool {
	return s.GroupID != "" && s.GroupAttached && s.InstanceTagged
}

// Observe fetches the security group and the instance without changing
// anything. Unlike SecurityGroupID it never creates the group, and it does
// not memoize what it found.
func (r *Reconciler) Observe(ctx context.Context) (Status, error) {
	var st Status

	sg, err := r.findGroup(ctx)
	if err != nil {
		return st, err
	}
	if sg != nil {
		st.GroupID = aws.ToString(sg.GroupId)
		st.GroupName = aws.ToString(sg.GroupName)
		st.IngressPresent = sgrule.ForDatabase(r.cfg.Port, r.cfg.CIDRBlock).PresentIn(sg.IpPermissions)
	}

	db, err := r.describeInstance(ctx)
	if err != nil {
		return st, err
	}
	attached := attachedGroups(db)
	st.DBInstanceARN = aws.ToString(db.DBInstanceArn)
	st.DBInstanceStatus = aws.ToString(db.DBInstanceStatus)
	st.AttachedGroups = sorted(attached)
	st.GroupAttached = st.GroupID != "" && attached.Has(st.GroupID)
	st.InstanceTagged = r.hasTag(db.TagList)
	return st, nil
}

// WaitAvailable blocks until the instance reports the "available" status or
// maxWait elapses. Polling and its backoff are the SDK waiter's.
func (r *Reconciler) WaitAvailable(ctx context.Context, maxWait time.Duration) error {
	r.log.Info().Str("db_instance", r.cfg.DBInstanceIdentifier).Dur("max_wait", maxWait).
		Msg("waiting for db instance to become available")
	waiter := rds.NewDBInstanceAvailableWaiter(r.rds)
	if err := waiter.Wait(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: aws.String(r.cfg.DBInstanceIdentifier),
	}, maxWait); err != nil {
		return fmt.Errorf("waiting for db instance %s: %w", r.cfg.DBInstanceIdentifier, err)
	}
	return nil
}
