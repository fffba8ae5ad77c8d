// Package transporttest provides a static transport.Config for tests.
package transporttest

// Config returns its fields verbatim.
type Config struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	SQLiteQueueFile    string
	MaxDeliveries      int
}

func (c Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c Config) GetNATSURL() string            { return c.NATSURL }
func (c Config) GetSQLiteQueueFile() string    { return c.SQLiteQueueFile }
func (c Config) GetMaxDeliveries() int         { return c.MaxDeliveries }
