// Package coriam provisions the IAM role assumed by Lambda workers.
package coriam

import (
	"net/url"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/iam"
	"github.com/aws/aws-sdk-go/service/iam/iamiface"
	log "github.com/sirupsen/logrus"
)

// IAMClient manages the worker role and its inline policy.
type IAMClient struct {
	Client iamiface.IAMAPI
}

// AssumePolicyDocument lets Lambda assume the worker role.
const AssumePolicyDocument = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Sid": "",
      "Effect": "Allow",
      "Principal": {
        "Service": [
          "lambda.amazonaws.com"
        ]
      },
      "Action": "sts:AssumeRole"
    }
  ]
}`

// AttachPolicyDocument grants workers access to the block store, the
// cluster configuration and their logs.
const AttachPolicyDocument = `{
    "Version": "2012-10-17",
    "Statement": [
        {
            "Effect": "Allow",
            "Action": [
                "logs:CreateLogGroup",
                "logs:CreateLogStream",
                "logs:PutLogEvents"
            ],
            "Resource": "*"
        },
        {
            "Effect": "Allow",
            "Action": [
                "s3:GetObject",
                "s3:PutObject",
                "s3:DeleteObject",
                "s3:ListBucket"
            ],
            "Resource": "arn:aws:s3:::*"
        }
    ]
}`

const policyName = "clusterize-permissions"

// samePolicy compares a policy document returned by IAM, which is URL
// encoded, with a local one.
func samePolicy(remote *string, local string) bool {
	if remote == nil {
		return false
	}
	decoded, err := url.QueryUnescape(*remote)
	if err != nil {
		decoded = *remote
	}
	return decoded == local
}

func (c *IAMClient) deployRole(roleName string) (roleARN string, err error) {
	getParams := &iam.GetRoleInput{
		RoleName: aws.String(roleName),
	}
	exists, err := c.Client.GetRole(getParams)

	if exists != nil && exists.Role != nil && err == nil {
		if !samePolicy(exists.Role.AssumeRolePolicyDocument, AssumePolicyDocument) {
			log.Debugf("Updating assume role policy of '%s'", roleName)
			_, err := c.Client.UpdateAssumeRolePolicy(&iam.UpdateAssumeRolePolicyInput{
				RoleName:       aws.String(roleName),
				PolicyDocument: aws.String(AssumePolicyDocument),
			})
			if err != nil {
				return "", err
			}
		} else {
			log.Debugf("IAM Role '%s' already exists", roleName)
		}
		return aws.StringValue(exists.Role.Arn), nil
	}

	createParams := &iam.CreateRoleInput{
		AssumeRolePolicyDocument: aws.String(AssumePolicyDocument),
		RoleName:                 aws.String(roleName),
	}
	log.Debugf("Creating IAM role '%s'", roleName)
	role, err := c.Client.CreateRole(createParams)
	if err != nil {
		return "", err
	}
	return aws.StringValue(role.Role.Arn), nil
}

func (c *IAMClient) deployPolicy(roleName string) error {
	getParams := &iam.GetRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(policyName),
	}

	exists, err := c.Client.GetRolePolicy(getParams)
	if exists != nil && err == nil && samePolicy(exists.PolicyDocument, AttachPolicyDocument) {
		log.Debugf("Policy '%s' already exists", policyName)
		return nil
	}

	// PutRolePolicy replaces an outdated document
	createParams := &iam.PutRolePolicyInput{
		PolicyName:     aws.String(policyName),
		PolicyDocument: aws.String(AttachPolicyDocument),
		RoleName:       aws.String(roleName),
	}

	log.Debugf("Deploying policy '%s'", policyName)
	_, err = c.Client.PutRolePolicy(createParams)
	return err
}

// DeployPermissions creates or updates the role and its policy and returns
// the role ARN.
func (c *IAMClient) DeployPermissions(roleName string) (roleARN string, err error) {
	roleARN, err = c.deployRole(roleName)
	if err != nil {
		return roleARN, err
	}

	err = c.deployPolicy(roleName)

	return roleARN, err
}

// DeletePermissions removes the policy and then the role.
func (c *IAMClient) DeletePermissions(roleName string) error {
	_, err := c.Client.DeleteRolePolicy(&iam.DeleteRolePolicyInput{
		RoleName:   aws.String(roleName),
		PolicyName: aws.String(policyName),
	})
	if err != nil {
		return err
	}

	_, err = c.Client.DeleteRole(&iam.DeleteRoleInput{
		RoleName: aws.String(roleName),
	})
	return err
}

// NewIAMClient initializes a new IAMClient
func NewIAMClient() *IAMClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &IAMClient{
		Client: iam.New(sess),
	}
}
