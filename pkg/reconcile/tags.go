package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/dexyk/stringosim"
)

// Keys at most this q-gram distance from the wanted tag key are reported as
// look-alikes. "name" vs "Name" is 2.
const nearMissDistance = 2

// EnsureTagged makes sure the instance carries the identifying tag.
// The instance is always fetched again, so the ARN and the tag list are never
// stale even if EnsureAttached modified the instance.
// It reports whether a tag was added.
func (r *Reconciler) EnsureTagged(ctx context.Context) (bool, error) {
	db, err := r.describeInstance(ctx)
	if err != nil {
		return false, err
	}
	if r.hasTag(db.TagList) {
		r.log.Debug().Str("tag", r.tagString()).Msg("db instance already tagged")
		return false, nil
	}
	r.warnNearMisses(db.TagList)

	resource := aws.ToString(db.DBInstanceArn)
	if err := checkInstanceARN(resource); err != nil {
		return false, fmt.Errorf("db instance %s: %w", r.cfg.DBInstanceIdentifier, err)
	}
	if _, err := r.rds.AddTagsToResource(ctx, &rds.AddTagsToResourceInput{
		ResourceName: aws.String(resource),
		Tags:         []rdstypes.Tag{{Key: aws.String(r.cfg.TagKey), Value: aws.String(r.cfg.TagValue)}},
	}); err != nil {
		return false, fmt.Errorf("tagging db instance %s: %w", resource, err)
	}
	r.log.Info().Str("arn", resource).Str("tag", r.tagString()).Msg("db instance tagged")
	return true, nil
}

// hasTag is true when tags contain the wanted key with the wanted value.
func (r *Reconciler) hasTag(tags []rdstypes.Tag) bool {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == r.cfg.TagKey && aws.ToString(tag.Value) == r.cfg.TagValue {
			return true
		}
	}
	return false
}

// warnNearMisses reports tags that the user probably meant as the identifying
// one: the same key with another value (AddTagsToResource will overwrite it)
// and keys that differ only slightly (tag keys are case sensitive).
func (r *Reconciler) warnNearMisses(tags []rdstypes.Tag) {
	for _, tag := range tags {
		key, value := aws.ToString(tag.Key), aws.ToString(tag.Value)
		if key == r.cfg.TagKey {
			r.log.Warn().Str("key", key).Str("old", value).Str("new", r.cfg.TagValue).
				Msg("replacing tag value on db instance")
			continue
		}
		if looksLike(key, r.cfg.TagKey) {
			r.log.Warn().Str("key", key).Str("wanted", r.cfg.TagKey).
				Msg("db instance has a look-alike tag key; tag keys are case sensitive")
		}
	}
}

func looksLike(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	return stringosim.QGram([]rune(a), []rune(b)) <= nearMissDistance
}

// checkInstanceARN rejects anything that cannot be the ARN of an RDS DB instance.
func checkInstanceARN(s string) error {
	if s == "" {
		return fmt.Errorf("empty ARN: %w", ErrTargetNotFound)
	}
	a, err := arn.Parse(s)
	if err != nil {
		return fmt.Errorf("parsing ARN %q: %w", s, err)
	}
	if a.Service != "rds" || !strings.HasPrefix(a.Resource, "db:") {
		return fmt.Errorf("ARN %q does not name an RDS DB instance", s)
	}
	return nil
}
