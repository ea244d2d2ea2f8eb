//go:build benchmarks
// +build benchmarks

package benchmarks

import (
	"context"
	"database/sql"
	"fmt"

	benchkafka "inviqa/mail-outbox-relay/benchmarks/kafka"
	"inviqa/mail-outbox-relay/config"
	"inviqa/mail-outbox-relay/kafka"
	"inviqa/mail-outbox-relay/mail"
	"inviqa/mail-outbox-relay/mail/data"
	"inviqa/mail-outbox-relay/transport"
)

var (
	repo         mail.Repository
	cfg          *config.Config
	db           *sql.DB
	registry     *transport.Registry
	syncProducer *benchkafka.SyncProducer
)

func init() {
	cfg = createConfig()

	db, _ = data.NewDB(cfg)

	var err error
	if repo, err = mail.NewRepository(db, cfg); err != nil {
		panic(err)
	}

	syncProducer = benchkafka.NewSyncProducer(cfg.KafkaHost)
	f, err := transport.NewKafkaFactory(kafka.NewPublisherWithProducer(syncProducer), "benchMail")
	if err != nil {
		panic(err)
	}
	registry = transport.NewRegistry(transport.DefaultAlias)
	registry.Register(transport.DefaultAlias, transport.TypeKafka, f)
}

func purgeMailTables() {
	for _, table := range []string{"mail_logs", "mail_recipients", "mail_messages", "mail_locks"} {
		if _, err := db.Exec(fmt.Sprintf("DELETE FROM `%s`;", table)); err != nil {
			panic(fmt.Sprintf("an error occurred cleaning the %s table for benchmarks: %s", table, err))
		}
	}
}

func enqueueMessages(msgs []*mail.Message) {
	for _, m := range msgs {
		if err := repo.Enqueue(context.Background(), m); err != nil {
			panic(fmt.Sprintf("failed to enqueue mail message in DB: %s", err))
		}
	}
}

func createConfig() *config.Config {
	cfg = config.NewDefaultConfig()
	cfg.DBHost = "localhost"
	cfg.DBPort = 13306
	cfg.DBUser = "mail-outbox-relay"
	cfg.DBPass = "mail-outbox-relay"
	cfg.DBSchema = "mail-outbox-relay"
	cfg.DBDriver = config.MySQL
	cfg.KafkaHost = []string{"localhost:9092"}
	cfg.MailLogLevel = 1

	return cfg
}
