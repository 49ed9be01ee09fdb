package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/pix4d/rdsvalet/pkg/reconcile"
)

// newAPIs builds the EC2 and RDS clients from the default credential chain
// (environment, shared config, instance role). Tests replace it with fakes.
var newAPIs = func(ctx context.Context, region string) (reconcile.EC2API, reconcile.RDSAPI, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	return ec2.NewFromConfig(awsCfg), rds.NewFromConfig(awsCfg), nil
}
