package client

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
)

// CapacityScaler changes the desired size of the worker fleet
type CapacityScaler interface {
	SetDesiredCapacity(ctx context.Context, capacity int32) error
}

// AutoScalingClient implements CapacityScaler for an EC2 Auto Scaling group
type AutoScalingClient struct {
	asClient  *autoscaling.Client
	groupName string
}

// NewAutoScalingClient creates a scaler for one Auto Scaling group
func NewAutoScalingClient(awsCfg aws.Config, groupName string) *AutoScalingClient {
	return &AutoScalingClient{
		asClient:  autoscaling.NewFromConfig(awsCfg),
		groupName: groupName,
	}
}

// SetDesiredCapacity updates the group's desired capacity
func (c *AutoScalingClient) SetDesiredCapacity(ctx context.Context, capacity int32) error {
	_, err := c.asClient.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(c.groupName),
		DesiredCapacity:      aws.Int32(capacity),
	})
	if err != nil {
		return fmt.Errorf("failed to set desired capacity of %q to %d: %w", c.groupName, capacity, err)
	}
	return nil
}
