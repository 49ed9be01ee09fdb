// Package sgrule models the inbound rule that rdsvalet wants on its security group.
package sgrule

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const ProtocolTCP = "tcp"

// Ingress is a single inbound rule: traffic on [FromPort, ToPort] with
// Protocol, coming from any of CIDRs.
type Ingress struct {
	Protocol    string
	FromPort    int32
	ToPort      int32
	CIDRs       []string
	Description string
}

// ForDatabase returns the rule allowing TCP on port from cidr.
func ForDatabase(port int32, cidr string) Ingress {
	return Ingress{
		Protocol: ProtocolTCP,
		FromPort: port,
		ToPort:   port,
		CIDRs:    []string{cidr},
	}
}

func (in Ingress) String() string {
	return fmt.Sprintf("%s/%d-%d from %v", in.Protocol, in.FromPort, in.ToPort, in.CIDRs)
}

// IPPermission converts the rule to the shape expected by
// AuthorizeSecurityGroupIngress.
func (in Ingress) IPPermission() ec2types.IpPermission {
	ranges := make([]ec2types.IpRange, 0, len(in.CIDRs))
	for _, cidr := range in.CIDRs {
		r := ec2types.IpRange{CidrIp: aws.String(cidr)}
		if in.Description != "" {
			r.Description = aws.String(in.Description)
		}
		ranges = append(ranges, r)
	}
	return ec2types.IpPermission{
		IpProtocol: aws.String(in.Protocol),
		FromPort:   aws.Int32(in.FromPort),
		ToPort:     aws.Int32(in.ToPort),
		IpRanges:   ranges,
	}
}

// PresentIn reports whether perms already allow everything in the rule.
// A permission covers a CIDR when protocol and port range are equal and the
// CIDR appears verbatim among its IPv4 ranges.
func (in Ingress) PresentIn(perms []ec2types.IpPermission) bool {
	for _, cidr := range in.CIDRs {
		if !in.covered(cidr, perms) {
			return false
		}
	}
	return true
}

func (in Ingress) covered(cidr string, perms []ec2types.IpPermission) bool {
	for _, p := range perms {
		if aws.ToString(p.IpProtocol) != in.Protocol ||
			aws.ToInt32(p.FromPort) != in.FromPort ||
			aws.ToInt32(p.ToPort) != in.ToPort {
			continue
		}
		for _, r := range p.IpRanges {
			if aws.ToString(r.CidrIp) == cidr {
				return true
			}
		}
	}
	return false
}
