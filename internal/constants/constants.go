package constants

import "time"

const (
	ServiceName = "captainhook"
	// SubscriptionName is the consumer group every reader joins.
	SubscriptionName = "captain-hook"
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultHTTPTimeout = 30 * time.Second
	ShutdownTimeout    = 10 * time.Second
)

const (
	DefaultBatchSize            = 1
	MaxBatchSize                = 3
	DefaultPollTimeout          = 2 * time.Second
	DefaultPollInterval         = 250 * time.Millisecond
	DefaultRenewInterval        = 5 * time.Second
	DefaultRenewMargin          = 10 * time.Second
	DefaultRenewLimit           = 5
	DefaultLeaseDuration        = 30 * time.Second
	DefaultMaxDeliveryCount     = 10
	DefaultPoolExhaustedBackoff = time.Second
)

const (
	DefaultPoolName = "default"
	DefaultPoolSize = 20
)

const (
	DefaultTokenRefreshBefore = 10 * time.Second
	DefaultTokenTimeout       = 15 * time.Second
)

// Webhook retry delays applied on 503 and 429 responses.
var DefaultRetryDelays = []time.Duration{20 * time.Second, 30 * time.Second}

const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderEventType     = "X-Event-Type"
	HeaderContentType   = "Content-Type"
	HeaderAuthorization = "Authorization"
	ContentTypeJSON     = "application/json"
)

const (
	// Kafka record headers used to carry broker properties.
	KafkaHeaderDeliveryCount = "x-delivery-count"
	KafkaHeaderEventType     = "x-event-type"
	KafkaHeaderMessageID     = "x-message-id"
)

// Metadata keys populated for the callback stage.
const (
	MetadataHTTPStatusCode      = "HttpStatusCode"
	MetadataHTTPResponseContent = "HttpResponseContent"
)

const (
	StateBackendRedis     = "redis"
	StateBackendPostgres  = "postgres"
	StateBackendMemory    = "memory"
	DefaultStateKeyPrefix = "captainhook"
)

const (
	SubscriptionSourceMongoDB = "mongodb"
	SubscriptionSourceFile    = "file"
	DefaultMongoDBName        = "captainhook"
	DefaultSubscriptionsColl  = "subscriptions"
)

const (
	BrokerTypeKafka  = "kafka"
	BrokerTypeMemory = "memory"
)

const (
	DefaultMaxBodyLogBytes = 4096
	DefaultTruncateLen     = 100
)

const (
	HTTPStatusOKMin = 200
	HTTPStatusOKMax = 300
)
