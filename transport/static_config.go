package transport

// StaticConfig is a plain-value Config, handy for wiring a single broker
// without loading a configuration file.
type StaticConfig struct {
	PubSubSystem       string
	SubscriberID       string
	KafkaBrokers       []string
	RabbitMQURL        string
	NATSURL            string
	NATSClientName     string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c StaticConfig) GetPubSubSystem() string       { return c.PubSubSystem }
func (c StaticConfig) GetSubscriberID() string       { return c.SubscriberID }
func (c StaticConfig) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c StaticConfig) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c StaticConfig) GetNATSURL() string            { return c.NATSURL }
func (c StaticConfig) GetNATSClientName() string     { return c.NATSClientName }
func (c StaticConfig) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c StaticConfig) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c StaticConfig) GetAWSRegion() string          { return c.AWSRegion }
func (c StaticConfig) GetAWSAccountID() string       { return c.AWSAccountID }
func (c StaticConfig) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c StaticConfig) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c StaticConfig) GetAWSEndpoint() string        { return c.AWSEndpoint }

var _ Config = StaticConfig{}
