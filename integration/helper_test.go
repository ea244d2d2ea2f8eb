//go:build integration
// +build integration

package integration

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"os"
	"time"

	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/dispatch"
	h "inviqa/mail-outbox-relay/integration/http"
	testkafka "inviqa/mail-outbox-relay/integration/kafka"
	"inviqa/mail-outbox-relay/kafka"
	"inviqa/mail-outbox-relay/lock"
	"inviqa/mail-outbox-relay/log"
	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/mail/data"
	"inviqa/mail-outbox-relay/mail/poller"
	"inviqa/mail-outbox-relay/render"
	"inviqa/mail-outbox-relay/transport"

	"github.com/Shopify/sarama"
)

const (
	testModeDocker = "docker"
	mailTopic      = "testMail"
)

var (
	cfg          *config.Config
	db           *sql.DB
	syncProducer *testkafka.SyncProducer
	repo         mail.Repository
	locker       *lock.Locker
	sender       *dispatch.Sender
	server       *httptest.Server
)

func init() {
	server = httptest.NewServer(h.GetHttpTestHandlerFunc())
	setupConfig()

	syncProducer = testkafka.NewSyncProducer(cfg.KafkaHost)

	db, _ = data.NewDB(cfg)
	purgeMailTables()

	var err error
	repo, err = mail.NewRepository(db, cfg)
	if err != nil {
		panic(err)
	}
	locker = lock.NewLocker(db, cfg.DBDriver)

	f, err := transport.NewKafkaFactory(kafka.NewPublisherWithProducer(syncProducer), mailTopic)
	if err != nil {
		panic(err)
	}
	reg := transport.NewRegistry(transport.DefaultAlias)
	reg.Register(transport.DefaultAlias, transport.TypeKafka, f)

	r := render.New()
	worker := dispatch.NewWorker(reg, r)
	wake := make(chan struct{}, 1)
	sender = dispatch.NewSender(repo, reg, r, worker, cfg, wake)
	drainer := dispatch.NewDrainer(repo, locker, worker, dispatch.NewApplier(repo, cfg), cfg, nil)

	go poller.New(drainer, cfg.Concurrency, cfg.MailLogLevel).Poll(context.Background(), cfg.GetPollIntervalDurationInMs(), wake)
}

func returnErrorFromSyncProducerForSubject(subject string, err error) {
	syncProducer.AddError(subject, err)
}

func sendMail(d mail.Draft) *mail.Message {
	m, err := sender.Send(context.Background(), d)
	if err != nil {
		panic(err)
	}
	return m
}

func consumeFromKafkaUntilMessagesReceived(exp []testkafka.MessageExpectation) *testkafka.MailCollector {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scfg := sarama.NewConfig()
	scfg.Version = sarama.V2_5_0_0
	scfg.Consumer.Offsets.Initial = sarama.OffsetOldest

	cl, err := sarama.NewConsumerGroup(cfg.KafkaHost, "test-cons", scfg)
	if err != nil {
		log.Logger.WithError(err).Panic("error occurred creating Kafka consumer group client")
	}

	collector := testkafka.NewMailCollector(exp)
	topics := testkafka.GetTopicsFromMessageExpectations(exp)
	go func() {
		for ctx.Err() == nil {
			log.Logger.Debugf("about to consume topics %s", topics)
			if err := cl.Consume(ctx, topics, collector); err != nil && ctx.Err() == nil {
				log.Logger.WithError(err).Panic("error when consuming from Kafka")
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-collector.Done():
	}
	cancel()

	if err := cl.Close(); err != nil {
		log.Logger.WithError(err).Panic("error occurred closing Kafka client")
	}

	return collector
}

func setupConfig() *config.Config {
	var runInDocker bool
	if os.Getenv("GO_TEST_MODE") == testModeDocker {
		runInDocker = true
	}

	cfg = config.NewDefaultConfig()
	cfg.PollFrequencyMs = 100
	cfg.SidecarProxyUrl = server.URL
	cfg.BatchSize = 250
	cfg.MaxRetries = 1
	cfg.RetryIntervalSeconds = 0
	cfg.BatchDeliveryTimeoutSeconds = 30
	cfg.LockDurationSeconds = 60
	cfg.MessageIdEnabled = true
	cfg.MessageIdFQDN = "relay.test"
	cfg.KafkaHost = []string{"localhost:9092"}
	cfg.DBUser = "mail-outbox-relay"
	cfg.DBPass = "mail-outbox-relay"
	cfg.DBSchema = "mail-outbox-relay"

	if os.Getenv("DB_DRIVER") == string(config.MySQL) {
		cfg.DBDriver = config.MySQL
		cfg.DBPort = 13306
	} else {
		cfg.DBDriver = config.Postgres
		cfg.DBPort = 15432
	}

	if runInDocker {
		cfg.DBHost = cfg.DBDriver.String()
		cfg.DBPort = cfg.DBPort - 10000
		cfg.KafkaHost = []string{"kafka:29092"}
	} else {
		cfg.DBHost = "localhost"
	}

	return cfg
}

func waitForQueueToBeDrained() {
	time.Sleep(time.Millisecond * 500)
}
