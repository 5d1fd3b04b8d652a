package queue

import (
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sellgrid/jobcore/internal/domain"
)

// MaxPriority is the broker-native priority ceiling on work queues.
const MaxPriority = 10

// DLXName is the shared dead-letter exchange for exhausted jobs.
const DLXName = "jobs.dlx"

// ExchangeName returns the topic exchange owned by a job domain.
func ExchangeName(jobDomain string) string {
	return "jobs." + jobDomain
}

// QueueName returns the work queue owned by a job domain.
func QueueName(jobDomain string) string {
	return jobDomain + "-jobs"
}

// DLQName returns the dead-letter queue owned by a job domain.
func DLQName(jobDomain string) string {
	return jobDomain + "-jobs.dlq"
}

// RoutingKey builds the routing key pattern domain.jobType.priority.
func RoutingKey(jobDomain, jobType, priority string) string {
	return fmt.Sprintf("%s.%s.%s", jobDomain, jobType, priority)
}

// PriorityLevel maps a priority label to an AMQP message priority.
func PriorityLevel(priority string) uint8 {
	switch priority {
	case domain.PriorityHigh:
		return 9
	case domain.PriorityLow:
		return 1
	default:
		return 5
	}
}

// Declare sets up the full broker topology for the given domains: one durable
// topic exchange and one durable priority work queue per domain, plus the
// shared dead-letter exchange with one DLQ per domain. Idempotent on the
// broker side, so safe to run at every process start.
func Declare(ch *amqp.Channel, domains []string, logger *slog.Logger) error {
	err := ch.ExchangeDeclare(
		DLXName,  // name
		"direct", // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange: %w", err)
	}

	for _, d := range domains {
		exchange := ExchangeName(d)
		queue := QueueName(d)
		dlq := DLQName(d)

		err = ch.ExchangeDeclare(
			exchange, // name
			"topic",  // type
			true,     // durable
			false,    // auto-deleted
			false,    // internal
			false,    // no-wait
			nil,      // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}

		_, err = ch.QueueDeclare(
			queue, // name
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			amqp.Table{
				"x-max-priority":            int32(MaxPriority),
				"x-dead-letter-exchange":    DLXName,
				"x-dead-letter-routing-key": dlq,
			},
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}

		// Bind every jobType.priority combination under the domain.
		err = ch.QueueBind(queue, d+".#", exchange, false, nil)
		if err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", queue, err)
		}

		_, err = ch.QueueDeclare(
			dlq,   // name
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare dead-letter queue %s: %w", dlq, err)
		}

		err = ch.QueueBind(dlq, dlq, DLXName, false, nil)
		if err != nil {
			return fmt.Errorf("failed to bind dead-letter queue %s: %w", dlq, err)
		}

		logger.Info("Queue topology declared",
			slog.String("domain", d),
			slog.String("exchange", exchange),
			slog.String("queue", queue),
			slog.String("dlq", dlq),
		)
	}

	return nil
}
