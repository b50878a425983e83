package events

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	qerrors "github.com/qollective/qollective/internal/runtime/errors"
)

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// KafkaConfig addresses the Kafka backend.
type KafkaConfig struct {
	Brokers []string
	// ConsumerGroup defaults to the bus queue group.
	ConsumerGroup string
}

// AWSConfig addresses the SNS/SQS backend. Topics map to SNS topics and
// every subscriber reads from an SQS queue named after its topic.
type AWSConfig struct {
	Region          string
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the service endpoints, for example for LocalStack.
	Endpoint string
}

var (
	KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return kafka.NewPublisher(cfg, logger)
	}
	KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return kafka.NewSubscriber(cfg, logger)
	}

	AMQPConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
		return amqp.NewConnection(cfg, logger)
	}
	AMQPPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
		return amqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AMQPSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
		return amqp.NewSubscriberWithConnection(cfg, logger, conn)
	}

	AWSConfigLoader  = awsconfig.LoadDefaultConfig
	AWSTopicResolver = sns.NewGenerateArnTopicResolver

	AWSPublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
		return sns.NewPublisher(cfg, logger)
	}
	AWSSubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
		return sns.NewSubscriber(cfg, sqsCfg, logger)
	}
)

func kafkaBackend(cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return Backend{}, qerrors.Config("kafka backend needs brokers")
	}
	group := cfg.Kafka.ConsumerGroup
	if group == "" {
		group = cfg.QueueGroup
	}

	publisher, err := KafkaPublisherFactory(kafka.PublisherConfig{
		Brokers:   cfg.Kafka.Brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, logger)
	if err != nil {
		return Backend{}, qerrors.Connection(err, "kafka publisher")
	}
	subscriber, err := KafkaSubscriberFactory(kafka.SubscriberConfig{
		Brokers:       cfg.Kafka.Brokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: group,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, qerrors.Connection(err, "kafka subscriber")
	}
	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}

// amqpBackend uses durable fanout exchanges per topic. Consumers of one
// queue group share a queue and therefore a topic's events.
func amqpBackend(cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	if cfg.AMQPURL == "" {
		return Backend{}, qerrors.Config("amqp backend needs a URL")
	}
	queueName := amqp.GenerateQueueNameTopicName
	if cfg.QueueGroup != "" {
		queueName = amqp.GenerateQueueNameTopicNameWithSuffix(cfg.QueueGroup)
	}
	amqpCfg := amqp.NewDurablePubSubConfig(cfg.AMQPURL, queueName)

	conn, err := AMQPConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   cfg.AMQPURL,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return Backend{}, qerrors.Connection(err, "amqp connection")
	}
	publisher, err := AMQPPublisherFactory(amqpCfg, logger, conn)
	if err != nil {
		_ = conn.Close()
		return Backend{}, qerrors.Connection(err, "amqp publisher")
	}
	subscriber, err := AMQPSubscriberFactory(amqpCfg, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = conn.Close()
		return Backend{}, qerrors.Connection(err, "amqp subscriber")
	}
	return Backend{Publisher: publisher, Subscriber: subscriber, Release: conn.Close}, nil
}

func awsBackend(cfg Config, logger watermill.LoggerAdapter) (Backend, error) {
	awsCfg, err := loadAWSConfig(context.Background(), cfg.AWS)
	if err != nil {
		return Backend{}, err
	}
	accountID, region := resolveAccountAndRegion(cfg.AWS, awsCfg.Region, logger)
	topics, err := AWSTopicResolver(accountID, region)
	if err != nil {
		return Backend{}, qerrors.Wrap(qerrors.KindConfig, err, "sns topic resolver")
	}

	var (
		snsOpts []func(*amazonsns.Options)
		sqsOpts []func(*amazonsqs.Options)
	)
	if cfg.AWS.Endpoint != "" {
		endpoint, err := url.Parse(cfg.AWS.Endpoint)
		if err != nil {
			return Backend{}, qerrors.Wrap(qerrors.KindConfig, err, "aws endpoint")
		}
		snsOpts = append(snsOpts, amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}))
		sqsOpts = append(sqsOpts, amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{
			Endpoint: smithyendpoints.Endpoint{URI: *endpoint},
		}))
	}

	publisher, err := AWSPublisherFactory(sns.PublisherConfig{
		TopicResolver: topics,
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}, logger)
	if err != nil {
		return Backend{}, qerrors.Connection(err, "sns publisher")
	}

	group := cfg.QueueGroup
	subscriber, err := AWSSubscriberFactory(sns.SubscriberConfig{
		AWSConfig:     awsCfg,
		OptFns:        snsOpts,
		TopicResolver: topics,
		GenerateSqsQueueName: func(_ context.Context, arn sns.TopicArn) (string, error) {
			topic, err := sns.ExtractTopicNameFromTopicArn(arn)
			if err != nil {
				return "", err
			}
			if group != "" {
				return fmt.Sprintf("%v-%v", topic, group), nil
			}
			return fmt.Sprint(topic), nil
		},
	}, sqs.SubscriberConfig{
		AWSConfig: awsCfg,
		OptFns:    sqsOpts,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return Backend{}, qerrors.Connection(err, "sqs subscriber")
	}
	return Backend{Publisher: publisher, Subscriber: subscriber}, nil
}

func loadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		id, secret := cfg.AccessKeyID, cfg.SecretAccessKey
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: id, SecretAccessKey: secret}, nil
			})))
	}
	awsCfg, err := AWSConfigLoader(ctx, opts...)
	if err != nil {
		return aws.Config{}, qerrors.Wrap(qerrors.KindConfig, err, "load aws config")
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}
	return awsCfg, nil
}

// resolveAccountAndRegion falls back to the LocalStack account when a
// custom endpoint is set and no valid account id is configured.
func resolveAccountAndRegion(cfg AWSConfig, loadedRegion string, logger watermill.LoggerAdapter) (string, string) {
	accountID := strings.Trim(cfg.AccountID, "\"' ")
	region := cfg.Region
	if region == "" {
		region = loadedRegion
	}
	if cfg.Endpoint != "" && len(accountID) != awsAccountIDLength {
		logger.Info("Using LocalStack account id", watermill.LogFields{"configured": accountID})
		accountID = localstackAccountID
	}
	return accountID, region
}
