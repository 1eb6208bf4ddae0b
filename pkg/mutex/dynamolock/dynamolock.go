/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dynamolock implements mutex.Mutex on a DynamoDB table, playing
// the role the original Redis SET-NX-EX/DELETE lock played: a conditional
// PutItem is the "set if absent with expiry", and release is a DeleteItem
// conditioned on a fencing token so a lease that outlived its TTL can never
// be released out from under whoever re-acquired it.
package dynamolock

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	smithy "github.com/aws/smithy-go"
	"github.com/awslabs/operatorpkg/serrors"
	"github.com/google/uuid"

	"github.com/fleetforge/scheduler/pkg/mutex"
)

const (
	attrKey       = "lock_key"
	attrHolder    = "holder"
	attrExpiresAt = "expires_at"

	retryInterval = 50 * time.Millisecond
)

// API is the subset of the DynamoDB client this package calls.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Mutex implements mutex.Mutex against a DynamoDB table keyed by lock_key
// (string, the table's partition key).
type Mutex struct {
	api   API
	table string
}

// New constructs a Mutex bound to table, an existing DynamoDB table whose
// partition key is "lock_key".
func New(api API, table string) *Mutex {
	return &Mutex{api: api, table: table}
}

func (m *Mutex) Acquire(ctx context.Context, key string, ttl, waitBudget time.Duration) (mutex.Lease, error) {
	key = mutex.KeyPrefix + key
	deadline := time.Now().Add(waitBudget)
	holder := uuid.NewString()
	for {
		if ok, err := m.tryPut(ctx, key, holder, ttl); err != nil {
			return nil, serrors.Wrap(err, "key", key)
		} else if ok {
			return &lease{m: m, key: key, holder: holder}, nil
		}
		if time.Now().After(deadline) {
			return nil, mutex.ErrUnavailable
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// tryPut performs the conditional write: succeed if no item exists for key,
// or if the existing item's lease has already expired.
func (m *Mutex) tryPut(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	cond := expression.Or(
		expression.AttributeNotExists(expression.Name(attrKey)),
		expression.LessThan(expression.Name(attrExpiresAt), expression.Value(now.Unix())),
	)
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return false, err
	}

	_, err = m.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(m.table),
		Item: map[string]types.AttributeValue{
			attrKey:       &types.AttributeValueMemberS{Value: key},
			attrHolder:    &types.AttributeValueMemberS{Value: holder},
			attrExpiresAt: &types.AttributeValueMemberN{Value: unixString(now.Add(ttl))},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err == nil {
		return true, nil
	}
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return false, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException" {
		return false, nil
	}
	return false, err
}

type lease struct {
	m      *Mutex
	key    string
	holder string
}

// Release deletes the item only if it still holds the fencing token
// (holder) this lease acquired, so a lease that outlived its TTL and was
// re-acquired by someone else cannot tear down their lock.
func (l *lease) Release(ctx context.Context) error {
	cond := expression.Equal(expression.Name(attrHolder), expression.Value(l.holder))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return err
	}
	_, err = l.m.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.m.table),
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: l.key},
		},
		ConditionExpression:      expr.Condition(),
		ExpressionAttributeNames: expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		// Someone else's fencing token now owns the key; our lease already expired. Not an error.
		return nil
	}
	return err
}

func unixString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
