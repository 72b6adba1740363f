// Package aws provides an SNS/SQS broker. Topics are SNS topics; every
// instance subscribes through its own SQS queue so each one sees every
// message. A custom endpoint (LocalStack) is honoured for both services.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/sensortelemetry/relay/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register registers the AWS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, transport.Builder{
		Publisher:  BuildPublisher,
		Subscriber: BuildSubscriber,
	}, transport.AWSCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

// BuildPublisher creates an SNS publisher.
func BuildPublisher(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	awsCfg, resolver, err := prepare(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	publisherConfig := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if endpoint := cfg.GetAWSEndpoint(); endpoint != "" {
		publisherConfig.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(endpoint) },
		}
	}
	return PublisherFactory(publisherConfig, logger)
}

// BuildSubscriber creates an SNS subscriber backed by a per-instance SQS queue.
func BuildSubscriber(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	awsCfg, resolver, err := prepare(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	snsOpts, sqsOpts, err := endpointOverrides(cfg)
	if err != nil {
		return nil, err
	}

	return SubscriberFactory(
		sns.SubscriberConfig{
			AWSConfig:            awsCfg,
			OptFns:               snsOpts,
			TopicResolver:        resolver,
			GenerateSqsQueueName: QueueNameGenerator(cfg.GetSubscriberID()),
		},
		sqs.SubscriberConfig{
			AWSConfig: awsCfg,
			OptFns:    sqsOpts,
		},
		logger,
	)
}

// QueueNameGenerator names the SQS queue for an SNS topic, suffixed with the
// subscriber id.
func QueueNameGenerator(subscriberID string) func(context.Context, sns.TopicArn) (string, error) {
	return func(_ context.Context, topicArn sns.TopicArn) (string, error) {
		topic, err := sns.ExtractTopicNameFromTopicArn(topicArn)
		if err != nil {
			return "", err
		}
		if subscriberID == "" {
			return string(topic), nil
		}
		return SanitizeName(string(topic) + "-" + subscriberID), nil
	}
}

// SanitizeName maps a relay topic onto the SNS/SQS name alphabet.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}

// sanitizingResolver resolves relay topics after mapping them onto valid
// SNS topic names.
type sanitizingResolver struct {
	inner sns.TopicResolver
}

func (r sanitizingResolver) ResolveTopic(ctx context.Context, topic string) (sns.TopicArn, error) {
	return r.inner.ResolveTopic(ctx, SanitizeName(topic))
}

func prepare(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, sns.TopicResolver, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return aws.Config{}, nil, err
	}
	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	resolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"account_id": accountID,
			"region":     region,
		})
		return aws.Config{}, nil, err
	}
	return awsCfg, sanitizingResolver{inner: resolver}, nil
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if key, secret := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); key != "" && secret != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(key, secret)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	local := cfg.GetAWSEndpoint() != ""
	switch {
	case accountID == "" && local:
		logger.Info("AWS account id empty; using LocalStack default", watermill.LogFields{"account_id": localstackAccountID})
		accountID = localstackAccountID
	case accountID != "" && len(accountID) != awsAccountIDLength && local:
		logger.Info("Invalid AWS account id; using LocalStack default", watermill.LogFields{"account_id": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}

func endpointOverrides(cfg transport.Config) ([]func(*amazonsns.Options), []func(*amazonsqs.Options), error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" {
		return nil, nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse AWS endpoint: %w", err)
	}
	endpoint := smithyendpoints.Endpoint{URI: *parsed}
	return []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: endpoint}),
		}, []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: endpoint}),
		}, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
			Source:          "sensor-relay-config",
		}, nil
	})
}
